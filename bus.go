package dbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danderson/busloop/transport"
)

// Names of the bus daemon itself.
const (
	BusName      = "org.freedesktop.DBus"
	BusPath      = ObjectPath("/org/freedesktop/DBus")
	BusInterface = "org.freedesktop.DBus"
)

const (
	defaultSystemBusAddress = "unix:path=/run/dbus/system_bus_socket"
	helloTimeout            = 25 * time.Second
)

// SystemBus connects to the system bus.
func SystemBus(ctx context.Context) (*Conn, error) {
	addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")
	if addr == "" {
		addr = defaultSystemBusAddress
	}
	return Dial(ctx, addr)
}

// SessionBus connects to the current user's session bus.
func SessionBus(ctx context.Context) (*Conn, error) {
	addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	if addr == "" {
		return nil, errors.New("session bus not available")
	}
	return Dial(ctx, addr)
}

// Dial connects to the bus at addr, a DBus server address such as
// "unix:path=/run/dbus/system_bus_socket". Of a semicolon-separated
// list of addresses, the first usable one is dialed.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	path, err := socketPath(addr)
	if err != nil {
		return nil, err
	}
	t, err := transport.DialUnix(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	ret := NewConn(t)
	if err := ret.hello(ctx); err != nil {
		ret.Close()
		return nil, fmt.Errorf("getting DBus client ID: %w", err)
	}
	return ret, nil
}

// socketPath returns the unix socket path of the first usable entry
// in a DBus address list.
func socketPath(addrs string) (string, error) {
	for _, uri := range strings.Split(addrs, ";") {
		if p, ok := strings.CutPrefix(uri, "unix:path="); ok {
			p, _, _ = strings.Cut(p, ",")
			return p, nil
		}
		if p, ok := strings.CutPrefix(uri, "unix:abstract="); ok {
			p, _, _ = strings.Cut(p, ",")
			return "@" + p, nil
		}
	}
	return "", fmt.Errorf("could not find usable bus address in %q", addrs)
}

func (c *Conn) hello(ctx context.Context) error {
	msg, err := NewMethodCall(BusName, BusPath, BusInterface, "Hello")
	if err != nil {
		return err
	}
	timeout := helloTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), time.Millisecond)
	}
	pending, err := c.SendWithReply(msg, timeout)
	if err != nil {
		return err
	}
	if pending == nil {
		return fmt.Errorf("connection lost: %w", c.Err())
	}
	defer pending.Release()
	pending.Block()

	reply := pending.StealReply()
	defer reply.Release()
	if err := reply.Err(); err != nil {
		return err
	}
	it, ok := reply.Iter()
	if !ok {
		return errors.New("empty reply to Hello")
	}
	name, ok := it.Str()
	if !ok {
		return fmt.Errorf("unexpected reply signature %q to Hello", reply.Signature())
	}
	c.localName = name
	return nil
}
