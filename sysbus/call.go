package sysbus

import (
	"fmt"

	dbus "github.com/danderson/busloop"
)

// NewCall returns a call of method on iface of the object obj owned
// by target, carrying args.
func NewCall(target string, obj dbus.ObjectPath, iface, method string, args ...dbus.Value) (*dbus.Message, error) {
	msg, err := dbus.NewMethodCall(target, obj, iface, method)
	if err != nil {
		return nil, err
	}
	return withArgs(msg, args...)
}

// withArgs appends args to msg. msg is released if that fails.
func withArgs(msg *dbus.Message, args ...dbus.Value) (*dbus.Message, error) {
	if err := msg.AppendArgs(args...); err != nil {
		msg.Release()
		return nil, err
	}
	return msg, nil
}

func mustBeMethodCall(msg *dbus.Message) {
	if msg.Type() != dbus.MsgTypeMethodCall {
		panic(fmt.Sprintf("sysbus: cannot send %s message as a call", msg.Type()))
	}
}

// SendRecv sends the method call msg and waits for its reply.
//
// SendRecv blocks the calling goroutine until the reply to msg
// arrives, however long that takes. Unrelated messages received in
// the meantime stay queued, and are dispatched once the loop runs
// again. SendRecv must not be called from within loop callbacks,
// including the completion callbacks of [Client.Send].
//
// On success, the caller owns the returned reply and must release
// it. msg is released once sent. SendRecv panics if msg is not a
// method call.
func (c *Client) SendRecv(msg *dbus.Message) (*dbus.Message, *Error) {
	mustBeMethodCall(msg)
	method := msg.Member()
	defer msg.Release()

	pending, err := c.conn.SendWithReply(msg, 0)
	if err != nil {
		c.errorf("Error sending %s request: %v", method, err)
		return nil, &Error{ErrSendFailed, "Call to SendWithReply() failed"}
	}
	c.conn.Flush()
	defer c.adapter.dispatchLater()

	var reply *dbus.Message
	if pending != nil {
		defer pending.Release()
		pending.Block()
		reply = pending.StealReply()
	}

	if callErr := c.FindError(method, pending, reply); callErr != nil {
		c.tracef("Was error: '%s' '%s'", callErr.Name, callErr.Message)
		if reply != nil {
			reply.Release()
		}
		return nil, callErr
	}
	return reply, nil
}

// Send sends the method call msg, and arranges for done to be called
// with userData when the reply arrives, or when the call fails or
// times out. done runs exactly once, on the loop goroutine. It is
// handed the call's [dbus.PendingCall], from which it should steal
// the reply, and which it should release when done.
//
// Send never blocks. It reports false if the call could not be sent,
// in which case done is never called. msg is released once sent. Send
// panics if msg is not a method call, or if done is nil.
func (c *Client) Send(msg *dbus.Message, done func(*dbus.PendingCall, any), userData any) bool {
	mustBeMethodCall(msg)
	method := msg.Member()
	defer msg.Release()

	pending, err := c.conn.SendWithReply(msg, c.timeout)
	if err != nil {
		c.errorf("Send with reply failed for %s: %v", method, err)
		return false
	}
	if pending == nil {
		c.errorf("No pending call found for %s", method)
		return false
	}
	if err := pending.SetNotify(done, userData); err != nil {
		panic(fmt.Sprintf("sysbus: setting completion callback for %s: %v", method, err))
	}
	return true
}
