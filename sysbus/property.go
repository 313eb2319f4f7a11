package sysbus

import (
	"errors"

	"github.com/creachadair/mds/value"
	dbus "github.com/danderson/busloop"
)

const (
	propertiesInterface = "org.freedesktop.DBus.Properties"
	getAllMethod        = "GetAll"
)

// newGetAll returns a GetAll call for the properties of iface on
// obj.
func (c *Client) newGetAll(target string, obj dbus.ObjectPath, iface string) (*dbus.Message, error) {
	c.infof("Calling: %s on %s", getAllMethod, target)
	msg, err := dbus.NewMethodCall(target, obj, propertiesInterface, getAllMethod)
	if err != nil {
		c.errorf("Call to %s failed: No message", getAllMethod)
		return nil, err
	}
	msg, err = withArgs(msg, dbus.String(iface))
	if err != nil {
		c.errorf("Call to %s failed: %v", getAllMethod, err)
		return nil, err
	}
	return msg, nil
}

// getAllArgs returns an iterator positioned on the property array of
// a GetAll reply.
func (c *Client) getAllArgs(reply *dbus.Message, obj dbus.ObjectPath, iface string) (*dbus.Iter, error) {
	args, ok := reply.Iter()
	if !ok {
		c.errorf("Cannot get properties for %s from %s", obj, iface)
		return nil, errors.New("empty GetAll reply")
	}
	if !c.CheckType(reply, args, dbus.TypeArray) {
		c.errorf("Call to %s failed: Message has invalid arguments", getAllMethod)
		return nil, errors.New("GetAll reply is not an array")
	}
	return args, nil
}

// getAll synchronously fetches every property of iface on obj. On
// success the caller owns the returned reply.
func (c *Client) getAll(target string, obj dbus.ObjectPath, iface string) (*dbus.Message, *dbus.Iter, error) {
	msg, err := c.newGetAll(target, obj, iface)
	if err != nil {
		return nil, nil, err
	}

	reply, callErr := c.SendRecv(msg)
	if callErr != nil {
		c.errorf("Call to %s for %s failed: No reply", getAllMethod, iface)
		return nil, nil, callErr
	}

	args, err := c.getAllArgs(reply, obj, iface)
	if err != nil {
		reply.Release()
		return nil, nil, err
	}
	return reply, args, nil
}

// GetProperty returns the string property name of iface on the
// object obj, owned by target.
//
// The lookup fetches all of iface's properties with
// org.freedesktop.DBus.Properties.GetAll. Malformed entries in the
// reply are logged and skipped. If the reply lists name more than
// once, the last string value wins.
//
// GetProperty blocks until the reply arrives, see [Client.SendRecv].
func (c *Client) GetProperty(target string, obj dbus.ObjectPath, iface, name string) value.Maybe[string] {
	reply, args, err := c.getAll(target, obj, iface)
	if err != nil {
		return value.Maybe[string]{}
	}
	defer reply.Release()
	return c.findProperty(reply, args, obj, name)
}

// GetPropertyAsync is the asynchronous form of [Client.GetProperty].
// It sends the GetAll call and returns at once. done runs on the loop
// goroutine with the property's value once the reply arrives, or with
// nothing if the call fails or times out.
//
// GetPropertyAsync reports false if the call could not be sent, in
// which case done is never called.
func (c *Client) GetPropertyAsync(target string, obj dbus.ObjectPath, iface, name string, done func(value.Maybe[string])) bool {
	msg, err := c.newGetAll(target, obj, iface)
	if err != nil {
		return false
	}
	return c.Send(msg, func(pending *dbus.PendingCall, _ any) {
		defer pending.Release()
		reply := pending.StealReply()
		if callErr := c.FindError(getAllMethod, pending, reply); callErr != nil {
			c.errorf("Call to %s for %s failed: No reply", getAllMethod, iface)
			if reply != nil {
				reply.Release()
			}
			done(value.Maybe[string]{})
			return
		}
		defer reply.Release()

		args, err := c.getAllArgs(reply, obj, iface)
		if err != nil {
			done(value.Maybe[string]{})
			return
		}
		done(c.findProperty(reply, args, obj, name))
	}, nil)
}

// findProperty walks the property array of a GetAll reply, and
// returns the last string value of name.
func (c *Client) findProperty(reply *dbus.Message, args *dbus.Iter, obj dbus.ObjectPath, name string) value.Maybe[string] {
	var ret value.Maybe[string]
	for dict := args.Recurse(); dict.ArgType() != dbus.TypeInvalid; dict.Next() {
		if !c.CheckType(reply, dict, dbus.TypeDictEntry) {
			continue
		}

		for kv := dict.Recurse(); kv.ArgType() != dbus.TypeInvalid; kv.Next() {
			switch kv.ArgType() {
			case dbus.TypeString:
				key, _ := kv.Str()
				c.tracef("Got: %s", key)
				if key != name {
					// Skip the value.
					kv.Next()
				}
			case dbus.TypeVariant:
				v := kv.Recurse()
				if c.CheckType(reply, v, dbus.TypeString) {
					s, _ := v.Str()
					c.tracef("Result: %s", s)
					ret = value.Just(s)
				}
			default:
				c.CheckType(reply, kv, dbus.TypeString)
			}
		}
	}

	if s, ok := ret.GetOK(); ok {
		c.tracef("Property %s[%s] is '%s'", obj, name, s)
	} else {
		c.tracef("Property %s[%s] is absent", obj, name)
	}
	return ret
}

// GetAllProperties returns every property of iface on the object obj,
// owned by target, keyed by property name.
//
// Entries that are not a string key and variant value are logged and
// skipped. Duplicate names keep their last value.
func (c *Client) GetAllProperties(target string, obj dbus.ObjectPath, iface string) (map[string]dbus.Value, error) {
	reply, args, err := c.getAll(target, obj, iface)
	if err != nil {
		return nil, err
	}
	defer reply.Release()

	ret := map[string]dbus.Value{}
	for dict := args.Recurse(); dict.ArgType() != dbus.TypeInvalid; dict.Next() {
		if !c.CheckType(reply, dict, dbus.TypeDictEntry) {
			continue
		}
		kv := dict.Recurse()
		if !c.CheckType(reply, kv, dbus.TypeString) {
			continue
		}
		key, _ := kv.Str()
		kv.Next()
		if !c.CheckType(reply, kv, dbus.TypeVariant) {
			continue
		}
		ret[key] = kv.Value().Inner()
	}
	return ret, nil
}
