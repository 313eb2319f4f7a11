package sysbus

import (
	"fmt"

	dbus "github.com/danderson/busloop"
)

// callBus synchronously calls method on the bus daemon.
func (c *Client) callBus(method string, args ...dbus.Value) (*dbus.Message, error) {
	msg, err := NewCall(dbus.BusName, dbus.BusPath, dbus.BusInterface, method, args...)
	if err != nil {
		return nil, err
	}
	reply, callErr := c.SendRecv(msg)
	if callErr != nil {
		return nil, callErr
	}
	return reply, nil
}

func invalidReply(method string, reply *dbus.Message) error {
	return &Error{ErrInvalidReply, fmt.Sprintf("unexpected %s reply signature %q", method, reply.Signature())}
}

// ListNames returns the names currently owned on the bus.
func (c *Client) ListNames() ([]string, error) {
	reply, err := c.callBus("ListNames")
	if err != nil {
		return nil, err
	}
	defer reply.Release()

	if !c.CheckType(reply, nil, dbus.TypeArray) {
		return nil, invalidReply("ListNames", reply)
	}
	args, _ := reply.Iter()
	// Check the element type up front, so that an empty array of
	// the wrong type is not mistaken for an empty bus.
	if args.Value().ElemSignature() != "s" {
		return nil, invalidReply("ListNames", reply)
	}
	var ret []string
	for names := args.Recurse(); names.ArgType() != dbus.TypeInvalid; names.Next() {
		name, _ := names.Str()
		ret = append(ret, name)
	}
	return ret, nil
}

// NameHasOwner reports whether name is currently owned on the bus.
func (c *Client) NameHasOwner(name string) (bool, error) {
	reply, err := c.callBus("NameHasOwner", dbus.String(name))
	if err != nil {
		return false, err
	}
	defer reply.Release()

	if !c.CheckType(reply, nil, dbus.TypeBoolean) {
		return false, invalidReply("NameHasOwner", reply)
	}
	args, _ := reply.Iter()
	owned, _ := args.Basic().(bool)
	return owned, nil
}

// GetNameOwner returns the unique name of the connection that owns
// name.
func (c *Client) GetNameOwner(name string) (string, error) {
	reply, err := c.callBus("GetNameOwner", dbus.String(name))
	if err != nil {
		return "", err
	}
	defer reply.Release()

	if !c.CheckType(reply, nil, dbus.TypeString) {
		return "", invalidReply("GetNameOwner", reply)
	}
	args, _ := reply.Iter()
	owner, _ := args.Str()
	return owner, nil
}

// Ping checks that peer is connected and responsive.
func (c *Client) Ping(peer string) error {
	msg, err := dbus.NewMethodCall(peer, "/", "org.freedesktop.DBus.Peer", "Ping")
	if err != nil {
		return err
	}
	reply, callErr := c.SendRecv(msg)
	if callErr != nil {
		return callErr
	}
	reply.Release()
	return nil
}
