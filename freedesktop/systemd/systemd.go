// Package systemd provides an interface to the systemd service
// manager's DBus API, for looking up units and reading their state.
package systemd

import (
	"fmt"

	"github.com/creachadair/mds/value"
	dbus "github.com/danderson/busloop"
	"github.com/danderson/busloop/sysbus"
)

const (
	// BusName is the bus name owned by the systemd service manager.
	BusName = "org.freedesktop.systemd1"
	// ManagerPath is the object path of the service manager.
	ManagerPath = dbus.ObjectPath("/org/freedesktop/systemd1")
	// ManagerInterface is the service manager's interface.
	ManagerInterface = "org.freedesktop.systemd1.Manager"
	// UnitInterface is the interface implemented by every unit
	// object.
	UnitInterface = "org.freedesktop.systemd1.Unit"
)

// Systemd is a handle on a systemd service manager. Its methods
// block until the manager replies, so they must not be called from
// within loop callbacks.
type Systemd struct {
	client *sysbus.Client
	peer   string
}

// New returns an interface to the systemd service manager reachable
// through client.
func New(client *sysbus.Client) Systemd {
	return Peer(client, BusName)
}

// Peer returns an interface to a service manager that owns the bus
// name peer, rather than [BusName].
func Peer(client *sysbus.Client, peer string) Systemd {
	return Systemd{client: client, peer: peer}
}

// GetUnit returns the object path of the loaded unit name.
func (s Systemd) GetUnit(name string) (dbus.ObjectPath, error) {
	return s.unitPath("GetUnit", name)
}

// LoadUnit returns the object path of the unit name, loading the unit
// from disk if needed.
func (s Systemd) LoadUnit(name string) (dbus.ObjectPath, error) {
	return s.unitPath("LoadUnit", name)
}

func (s Systemd) unitPath(method, name string) (dbus.ObjectPath, error) {
	msg, err := sysbus.NewCall(s.peer, ManagerPath, ManagerInterface, method, dbus.String(name))
	if err != nil {
		return "", err
	}
	reply, callErr := s.client.SendRecv(msg)
	if callErr != nil {
		return "", callErr
	}
	defer reply.Release()

	if !s.client.CheckType(reply, nil, dbus.TypeObjectPath) {
		return "", &sysbus.Error{
			Name:    sysbus.ErrInvalidReplyType,
			Message: fmt.Sprintf("%s returned %q, want an object path", method, reply.Signature()),
		}
	}
	args, _ := reply.Iter()
	path, _ := args.Basic().(dbus.ObjectPath)
	return path, nil
}

// UnitProperty returns the string property prop of the unit name, or
// nothing if the unit cannot be found or lacks prop.
func (s Systemd) UnitProperty(name, prop string) value.Maybe[string] {
	path, err := s.GetUnit(name)
	if err != nil {
		return value.Maybe[string]{}
	}
	return s.client.GetProperty(s.peer, path, UnitInterface, prop)
}

// UnitDescription returns the human-readable description of the unit
// name.
func (s Systemd) UnitDescription(name string) value.Maybe[string] {
	return s.UnitProperty(name, "Description")
}

// UnitActiveState returns the activation state of the unit name, for
// example "active" or "failed".
func (s Systemd) UnitActiveState(name string) value.Maybe[string] {
	return s.UnitProperty(name, "ActiveState")
}
