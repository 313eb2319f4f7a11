package dbus

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"github.com/danderson/busloop/transport"
	"golang.org/x/sys/unix"
)

// DispatchStatus reports whether a [Conn] has received messages that
// are not dispatched yet.
type DispatchStatus int

const (
	// DispatchComplete means that no messages are queued.
	DispatchComplete DispatchStatus = iota
	// DispatchDataRemains means that at least one message is queued
	// for [Conn.Dispatch].
	DispatchDataRemains
)

func (s DispatchStatus) String() string {
	if s == DispatchDataRemains {
		return "data_remains"
	}
	return "complete"
}

// A HandlerFunc handles an incoming method call. The returned values
// form the body of the reply. If the handler returns a [CallError],
// the caller receives that error; other errors are reported as
// org.freedesktop.DBus.Error.Failed.
type HandlerFunc func(call *Message) ([]Value, error)

// Conn is a DBus connection.
//
// Conn never blocks or spawns goroutines on its own, except in
// [PendingCall.Block] and [Conn.Serve]. Instead it asks an event
// loop, through watch and timeout hooks, to tell it when its socket
// is readable and when timers expire. Received messages are queued
// and delivered by [Conn.Dispatch].
//
// Conn is not safe for concurrent use: all methods, and all hooks
// and callbacks it invokes, run on the goroutine driving the event
// loop.
type Conn struct {
	t         transport.Transport
	localName string

	rbuf       []byte
	incoming   *queue.Queue[*Message]
	lastSerial uint32
	pending    map[uint32]*PendingCall

	// out is output the socket has not accepted yet. writeWatch is
	// registered for as long as out is not empty.
	out        []outgoing
	writeWatch *Watch

	watches  mapset.Set[*Watch]
	timeouts mapset.Set[*Timeout]

	addWatch       func(*Watch) error
	removeWatch    func(*Watch)
	addTimeout     func(*Timeout) error
	removeTimeout  func(*Timeout)
	toggleTimeout  func(*Timeout)
	dispatchStatus func(*Conn, DispatchStatus)
	lastStatus     DispatchStatus
	blocking       int

	handlers  map[interfaceMember]HandlerFunc
	signalFns []func(*Message)

	disconnected  bool
	disconnectErr error
	closed        bool
}

type outgoing struct {
	bs    []byte
	files []*os.File
}

type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string {
	return im.Interface + "." + im.Member
}

// NewConn returns a Conn that speaks over t, which must already be
// connected and authenticated. No Hello handshake is performed, so
// NewConn suits peer-to-peer connections.
func NewConn(t transport.Transport) *Conn {
	ret := &Conn{
		t:        t,
		incoming: queue.New[*Message](),
		pending:  map[uint32]*PendingCall{},
		watches:  mapset.New[*Watch](),
		timeouts: mapset.New[*Timeout](),
		handlers: map[interfaceMember]HandlerFunc{},
	}
	ret.watches.Add(&Watch{c: ret, flags: WatchReadable, enabled: true})

	// Implement the Peer interface, on all objects.
	ret.Handle("org.freedesktop.DBus.Peer", "Ping", func(*Message) ([]Value, error) {
		return nil, nil
	})
	machineID := sync.OnceValues(func() (string, error) {
		bs, err := os.ReadFile("/etc/machine-id")
		if errors.Is(err, fs.ErrNotExist) {
			bs, err = os.ReadFile("/var/lib/dbus/machine-id")
		}
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(bs)), nil
	})
	ret.Handle("org.freedesktop.DBus.Peer", "GetMachineId", func(*Message) ([]Value, error) {
		id, err := machineID()
		if err != nil {
			return nil, err
		}
		return []Value{String(id)}, nil
	})

	return ret
}

// LocalName returns the connection's unique bus name, or the empty
// string for peer-to-peer connections.
func (c *Conn) LocalName() string {
	return c.localName
}

// Connected reports whether the connection is still usable.
func (c *Conn) Connected() bool {
	return !c.closed && !c.disconnected
}

// Err returns the error that disconnected the connection, if any.
func (c *Conn) Err() error {
	return c.disconnectErr
}

// Close closes the connection. Pending calls complete with a
// disconnection error the next time the connection is dispatched.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.disconnect(net.ErrClosed)
	c.closed = true
	return c.t.Close()
}

// SetWatchFunctions sets the hooks through which the connection asks
// an event loop to monitor its descriptors. Existing watches are
// removed from the previous hooks, and added to the new ones.
func (c *Conn) SetWatchFunctions(add func(*Watch) error, remove func(*Watch)) error {
	if c.removeWatch != nil {
		for w := range c.watches {
			c.removeWatch(w)
		}
	}
	c.addWatch, c.removeWatch = add, remove
	if add == nil {
		return nil
	}
	for w := range c.watches {
		if err := add(w); err != nil {
			return fmt.Errorf("adding %s: %w", w, err)
		}
	}
	return nil
}

// SetTimeoutFunctions sets the hooks through which the connection
// asks an event loop to run its timers. toggle is called when a
// timeout is enabled or disabled without being removed. Existing
// timeouts are removed from the previous hooks, and added to the new
// ones.
func (c *Conn) SetTimeoutFunctions(add func(*Timeout) error, remove func(*Timeout), toggle func(*Timeout)) error {
	if c.removeTimeout != nil {
		for t := range c.timeouts {
			c.removeTimeout(t)
		}
	}
	c.addTimeout, c.removeTimeout, c.toggleTimeout = add, remove, toggle
	if add == nil {
		return nil
	}
	for t := range c.timeouts {
		if err := add(t); err != nil {
			return fmt.Errorf("adding %s: %w", t, err)
		}
	}
	return nil
}

// SetDispatchStatusFunction sets fn to be called when the dispatch
// status changes, and after every dispatch that leaves messages
// queued.
func (c *Conn) SetDispatchStatusFunction(fn func(*Conn, DispatchStatus)) {
	c.dispatchStatus = fn
}

// DispatchStatus reports whether messages are queued for dispatch.
func (c *Conn) DispatchStatus() DispatchStatus {
	if c.incoming.Len() > 0 {
		return DispatchDataRemains
	}
	return DispatchComplete
}

func (c *Conn) updateDispatchStatus(again bool) {
	if c.blocking > 0 {
		return
	}
	st := c.DispatchStatus()
	if st == c.lastStatus && !(again && st == DispatchDataRemains) {
		return
	}
	c.lastStatus = st
	if c.dispatchStatus != nil {
		c.dispatchStatus(c, st)
	}
}

// Handle calls fn to handle incoming method calls to member on iface.
func (c *Conn) Handle(iface, member string, fn HandlerFunc) {
	c.handlers[interfaceMember{iface, member}] = fn
}

// OnSignal calls fn for every signal the connection receives. The
// signal is released once all callbacks return.
func (c *Conn) OnSignal(fn func(*Message)) {
	c.signalFns = append(c.signalFns, fn)
}

func (c *Conn) nextSerial() uint32 {
	c.lastSerial++
	if c.lastSerial == 0 {
		c.lastSerial++
	}
	return c.lastSerial
}

// Send sends msg without waiting for any reply, and returns the
// serial it was sent with.
func (c *Conn) Send(msg *Message) (uint32, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.disconnected {
		return 0, fmt.Errorf("connection lost: %w", c.disconnectErr)
	}
	serial := c.nextSerial()
	bs, err := msg.marshal(serial)
	if err != nil {
		return 0, err
	}
	if err := c.write(bs, msg.files); err != nil {
		return 0, err
	}
	return serial, nil
}

// SendWithReply sends the method call msg, and returns a PendingCall
// that completes when the reply arrives.
//
// If timeout is positive, the call completes with an
// org.freedesktop.DBus.Error.NoReply error once timeout elapses
// without a reply. Otherwise the call waits indefinitely.
//
// SendWithReply returns an error if the connection was closed, or
// msg cannot be sent. If the connection was lost, it returns a nil
// PendingCall and a nil error, since there is nothing to wait for.
func (c *Conn) SendWithReply(msg *Message, timeout time.Duration) (*PendingCall, error) {
	if c.closed {
		return nil, net.ErrClosed
	}
	if msg.Type() != MsgTypeMethodCall {
		return nil, fmt.Errorf("cannot wait for a reply to a %s message", msg.Type())
	}
	if c.disconnected {
		return nil, nil
	}

	msg.SetNoReply(false)
	serial := c.nextSerial()
	bs, err := msg.marshal(serial)
	if err != nil {
		return nil, err
	}

	p := &PendingCall{
		c:      c,
		serial: serial,
	}
	c.pending[serial] = p
	if timeout > 0 {
		p.deadline = time.Now().Add(timeout)
		p.timeout = &Timeout{c: c, interval: timeout, enabled: true, pending: p}
		c.timeouts.Add(p.timeout)
		if c.addTimeout != nil {
			if err := c.addTimeout(p.timeout); err != nil {
				delete(c.timeouts, p.timeout)
				delete(c.pending, serial)
				return nil, fmt.Errorf("adding call timeout: %w", err)
			}
		}
	}

	// A write failure disconnects the connection, which in turn
	// completes p with an error reply. Either way the caller gets a
	// PendingCall that will complete. Only failing to take over the
	// message's files leaves the connection up.
	if err := c.write(bs, msg.files); err != nil && c.Connected() {
		c.forget(p)
		return nil, err
	}

	return p, nil
}

// Flush waits until all sent messages were handed to the operating
// system.
func (c *Conn) Flush() error {
	if c.closed {
		return net.ErrClosed
	}
	return c.flushOutput(true)
}

// Buffered reports whether sent messages are waiting for room in the
// socket's send buffer.
func (c *Conn) Buffered() bool {
	return len(c.out) > 0
}

// write queues bs for sending, and sends as much queued output as the
// socket accepts without blocking.
func (c *Conn) write(bs []byte, files []*os.File) error {
	// The caller may release the message, and its files, before the
	// queue drains.
	owned, err := dupFiles(files)
	if err != nil {
		return err
	}
	c.out = append(c.out, outgoing{bs, owned})
	return c.flushOutput(false)
}

func dupFiles(files []*os.File) ([]*os.File, error) {
	if len(files) == 0 {
		return nil, nil
	}
	ret := make([]*os.File, 0, len(files))
	for _, f := range files {
		fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			closeFiles(ret)
			return nil, fmt.Errorf("duplicating %s: %w", f.Name(), err)
		}
		ret = append(ret, os.NewFile(uintptr(fd), f.Name()))
	}
	return ret, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// flushOutput writes queued output to the socket. If wait is true, it
// waits for buffer space until the queue is empty. Otherwise it stops
// at the first write that would block, and registers a writable watch
// so the event loop reports when to continue.
func (c *Conn) flushOutput(wait bool) error {
	for len(c.out) > 0 {
		o := &c.out[0]
		n, err := c.t.WriteWithFiles(o.bs, o.files)
		if errors.Is(err, transport.ErrWouldBlock) {
			if !wait {
				return c.watchWritable()
			}
			if _, err := c.t.Wait(transport.Writable, -1); err != nil {
				c.disconnect(err)
				return err
			}
			continue
		}
		if err != nil {
			c.disconnect(err)
			return err
		}
		// Descriptors go out with the first byte of their message.
		closeFiles(o.files)
		o.files = nil
		o.bs = o.bs[n:]
		if len(o.bs) == 0 {
			c.out[0] = outgoing{}
			c.out = c.out[1:]
		}
	}
	c.unwatchWritable()
	return nil
}

func (c *Conn) watchWritable() error {
	if c.writeWatch != nil {
		return nil
	}
	w := &Watch{c: c, flags: WatchWritable, enabled: true}
	if c.addWatch != nil {
		if err := c.addWatch(w); err != nil {
			err = fmt.Errorf("adding %s: %w", w, err)
			c.disconnect(err)
			return err
		}
	}
	c.watches.Add(w)
	c.writeWatch = w
	return nil
}

func (c *Conn) unwatchWritable() {
	w := c.writeWatch
	if w == nil {
		return
	}
	c.writeWatch = nil
	w.enabled = false
	delete(c.watches, w)
	if c.removeWatch != nil {
		c.removeWatch(w)
	}
}

// readAvailable reads everything the socket has to offer, and queues
// the complete messages it contains.
func (c *Conn) readAvailable() error {
	var buf [64 << 10]byte
	for {
		n, err := c.t.Read(buf[:])
		if errors.Is(err, transport.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
		c.rbuf = append(c.rbuf, buf[:n]...)
		if err := c.parseMessages(); err != nil {
			return err
		}
	}
}

func (c *Conn) parseMessages() error {
	for len(c.rbuf) >= fixedHeaderLen {
		ln, err := messageLen(c.rbuf)
		if err != nil {
			return err
		}
		if len(c.rbuf) < ln {
			return nil
		}
		msg, err := parseMessage(c.rbuf[:ln])
		if err != nil {
			return err
		}
		if msg.hdr.NumFDs > 0 {
			msg.files, err = c.t.GetFiles(int(msg.hdr.NumFDs))
			if err != nil {
				return err
			}
		}
		c.rbuf = append(c.rbuf[:0], c.rbuf[ln:]...)
		c.incoming.Add(msg)
	}
	return nil
}

func (c *Conn) handleWatch(w *Watch, flags WatchFlags) error {
	if !c.Connected() {
		return nil
	}
	if flags&(WatchError|WatchHangup) != 0 && flags&WatchReadable == 0 {
		c.disconnect(fmt.Errorf("socket reported %s", flags&(WatchError|WatchHangup)))
		return nil
	}
	if flags&WatchWritable != 0 {
		if err := c.flushOutput(false); err != nil {
			return nil
		}
	}
	if flags&WatchReadable != 0 {
		if err := c.readAvailable(); err != nil {
			c.disconnect(err)
			return nil
		}
	}
	c.updateDispatchStatus(false)
	return nil
}

func (c *Conn) handleTimeout(t *Timeout) {
	p := t.pending
	if !t.enabled || p == nil || p.completed {
		return
	}
	t.enabled = false
	if c.toggleTimeout != nil {
		c.toggleTimeout(t)
	}
	c.incoming.Add(c.synthesizeError(p, ErrNameNoReply, "Did not receive a reply before the call timed out"))
	c.updateDispatchStatus(false)
}

func (c *Conn) synthesizeError(p *PendingCall, name, detail string) *Message {
	ret := NewMessage(MsgTypeError)
	ret.hdr.ReplySerial = p.serial
	ret.hdr.ErrName = name
	ret.hdr.Destination = c.localName
	ret.AppendArgs(String(detail))
	return ret
}

// disconnect marks the connection as lost, queues error replies for
// every pending call, and withdraws all watches and timeouts from the
// event loop.
func (c *Conn) disconnect(err error) {
	if c.disconnected {
		return
	}
	c.disconnected = true
	c.disconnectErr = err

	serials := make([]uint32, 0, len(c.pending))
	for s := range c.pending {
		serials = append(serials, s)
	}
	slices.Sort(serials)
	for _, s := range serials {
		c.incoming.Add(c.synthesizeError(c.pending[s], ErrNameDisconnected, "Connection lost before a reply was received"))
	}

	for w := range c.watches {
		w.enabled = false
		if c.removeWatch != nil {
			c.removeWatch(w)
		}
	}
	clear(c.watches)
	c.writeWatch = nil
	for _, o := range c.out {
		closeFiles(o.files)
	}
	c.out = nil
	for t := range c.timeouts {
		c.dropTimeout(t)
	}

	c.updateDispatchStatus(false)
}

func (c *Conn) dropTimeout(t *Timeout) {
	if !c.timeouts.Has(t) {
		return
	}
	t.enabled = false
	delete(c.timeouts, t)
	if c.removeTimeout != nil {
		c.removeTimeout(t)
	}
}

// forget stops tracking an incomplete pending call.
func (c *Conn) forget(p *PendingCall) {
	delete(c.pending, p.serial)
	if p.timeout != nil {
		c.dropTimeout(p.timeout)
	}
}

func (c *Conn) complete(p *PendingCall, reply *Message) {
	c.forget(p)
	p.completed = true
	if p.released {
		reply.Release()
		return
	}
	p.reply = reply
	p.runNotify()
}

// Dispatch delivers the oldest queued message, and returns the
// dispatch status afterwards.
//
// Replies complete their pending call. Method calls are routed to
// the registered handlers. Signals are passed to the OnSignal
// callbacks.
func (c *Conn) Dispatch() DispatchStatus {
	msg, ok := c.incoming.Pop()
	if !ok {
		c.updateDispatchStatus(false)
		return DispatchComplete
	}
	c.dispatchMsg(msg)
	st := c.DispatchStatus()
	c.updateDispatchStatus(true)
	return st
}

func (c *Conn) dispatchMsg(msg *Message) {
	switch msg.Type() {
	case MsgTypeMethodReturn, MsgTypeError:
		p := c.pending[msg.ReplySerial()]
		if p == nil {
			// Reply to a call nobody is waiting for.
			msg.Release()
			return
		}
		c.complete(p, msg)
	case MsgTypeMethodCall:
		c.dispatchCall(msg)
		msg.Release()
	case MsgTypeSignal:
		for _, fn := range c.signalFns {
			fn(msg)
		}
		msg.Release()
	default:
		msg.Release()
	}
}

func (c *Conn) dispatchCall(msg *Message) {
	handler := c.handlers[interfaceMember{msg.Interface(), msg.Member()}]
	if handler == nil && msg.Interface() == "" {
		for k, h := range c.handlers {
			if k.Member == msg.Member() {
				handler = h
				break
			}
		}
	}

	var resp *Message
	if handler == nil {
		resp = NewError(msg, ErrNameUnknownMethod, fmt.Sprintf("no such method %s.%s", msg.Interface(), msg.Member()))
	} else if vals, err := handler(msg); err != nil {
		var callErr CallError
		if errors.As(err, &callErr) {
			resp = NewError(msg, callErr.Name, callErr.Detail)
		} else {
			resp = NewError(msg, ErrNameFailed, err.Error())
		}
	} else {
		resp = NewMethodReturn(msg)
		if err := resp.AppendArgs(vals...); err != nil {
			resp = NewError(msg, ErrNameFailed, err.Error())
		}
	}

	if msg.NoReply() {
		return
	}
	c.Send(resp)
}

// block pumps the connection until p completes, leaving other
// messages queued.
func (c *Conn) block(p *PendingCall) {
	c.blocking++
	defer func() {
		c.blocking--
	}()

	for !p.completed {
		if c.stealQueuedReply(p) {
			return
		}
		if !c.Connected() {
			// disconnect queued a reply for every pending call, so
			// the only way to get here is a call that disconnect
			// never saw.
			c.complete(p, c.synthesizeError(p, ErrNameDisconnected, "Connection lost before a reply was received"))
			return
		}

		// The reply cannot arrive before the call is sent.
		if err := c.flushOutput(true); err != nil {
			continue
		}

		wait := time.Duration(-1)
		if !p.deadline.IsZero() {
			wait = time.Until(p.deadline)
			if wait <= 0 {
				p.timeout.Handle()
				continue
			}
		}
		ready, err := c.t.Wait(transport.Readable, wait)
		if err != nil {
			c.disconnect(err)
			continue
		}
		if !ready {
			continue
		}
		if err := c.readAvailable(); err != nil {
			c.disconnect(err)
		}
	}
}

// stealQueuedReply removes p's reply from the incoming queue and
// completes p with it, if the reply has arrived.
func (c *Conn) stealQueuedReply(p *PendingCall) bool {
	var (
		reply *Message
		rest  []*Message
	)
	c.incoming.Each(func(m *Message) bool {
		isReply := m.Type() == MsgTypeMethodReturn || m.Type() == MsgTypeError
		if reply == nil && isReply && m.ReplySerial() == p.serial {
			reply = m
		} else {
			rest = append(rest, m)
		}
		return true
	})
	if reply == nil {
		return false
	}
	c.incoming.Clear()
	for _, m := range rest {
		c.incoming.Add(m)
	}
	c.complete(p, reply)
	return true
}

// Serve reads and dispatches messages until ctx is canceled or the
// connection is lost. It is meant for simple in-process peers that
// do not run an event loop. No watch, timeout or dispatch status
// hooks may be set on a Conn that is served.
func (c *Conn) Serve(ctx context.Context) error {
	for {
		for c.Dispatch() == DispatchDataRemains {
		}
		if !c.Connected() {
			return c.disconnectErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.flushOutput(true); err != nil {
			continue
		}
		ready, err := c.t.Wait(transport.Readable, 50*time.Millisecond)
		if err != nil {
			c.disconnect(err)
			continue
		}
		if !ready {
			continue
		}
		if err := c.readAvailable(); err != nil {
			c.disconnect(err)
		}
	}
}
