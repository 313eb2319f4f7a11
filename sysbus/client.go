package sysbus

import (
	"context"
	"log/slog"
	"time"

	dbus "github.com/danderson/busloop"
)

// DefaultTimeout is the default timeout of calls made with
// [Client.Send].
const DefaultTimeout = 25 * time.Second

// Options configure a [Client].
type Options struct {
	// Logger receives the client's diagnostics. If nil,
	// [slog.Default] is used.
	Logger *slog.Logger
	// Timeout is how long calls made with [Client.Send] wait for a
	// reply before failing with a NoReply error. Zero means
	// DefaultTimeout, and a negative value means no timeout. Calls
	// made with [Client.SendRecv] never time out.
	Timeout time.Duration
	// Session, if true, connects to the session bus rather than the
	// system bus.
	Session bool
	// Address, if not empty, is the address of the bus to connect to.
	// It takes precedence over Session.
	Address string
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) timeout() time.Duration {
	switch {
	case o.Timeout == 0:
		return DefaultTimeout
	case o.Timeout < 0:
		return 0
	default:
		return o.Timeout
	}
}

func (o Options) busName() string {
	switch {
	case o.Address != "":
		return o.Address
	case o.Session:
		return "Session DBus"
	default:
		return "System DBus"
	}
}

// Client is a DBus connection driven by an event loop.
type Client struct {
	conn    *dbus.Conn
	adapter *Adapter
	logger  *slog.Logger
	timeout time.Duration
}

// Connect connects to the bus selected by opts, and installs the
// connection on loop.
func Connect(ctx context.Context, loop Loop, opts Options) (*Client, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch {
	case opts.Address != "":
		conn, err = dbus.Dial(ctx, opts.Address)
	case opts.Session:
		conn, err = dbus.SessionBus(ctx)
	default:
		conn, err = dbus.SystemBus(ctx)
	}
	if err != nil {
		logf(opts.logger(), slog.LevelError, 0, "Could not connect to %s: DBus error '%v'", opts.busName(), err)
		return nil, err
	}

	ret, err := New(conn, loop, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ret, nil
}

// New returns a Client for an existing connection, and installs the
// connection on loop. Messages that conn already holds are dispatched
// right away.
func New(conn *dbus.Conn, loop Loop, opts Options) (*Client, error) {
	ret := &Client{
		conn:    conn,
		adapter: NewAdapter(loop, opts.logger()),
		logger:  opts.logger(),
		timeout: opts.timeout(),
	}
	if err := ret.adapter.Install(conn); err != nil {
		logf(ret.logger, slog.LevelError, 0, "Could not attach DBus connection to the event loop: %v", err)
		return nil, err
	}
	return ret, nil
}

// Conn returns the client's underlying connection.
func (c *Client) Conn() *dbus.Conn { return c.conn }

// Adapter returns the adapter that attaches the client's connection
// to its event loop.
func (c *Client) Adapter() *Adapter { return c.adapter }

// Disconnect does nothing. The connection is shared with the rest of
// the process, and closing it is the job of whoever owns its
// lifetime, through [dbus.Conn.Close].
func (c *Client) Disconnect() {}
