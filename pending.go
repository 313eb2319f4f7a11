package dbus

import (
	"errors"
	"time"
)

// A PendingCall tracks a method call that is waiting for its reply.
//
// A pending call completes exactly once: when its reply is
// dispatched, when its timeout expires, or when the connection is
// lost. In the last two cases the reply is a synthesized error
// message.
type PendingCall struct {
	c        *Conn
	serial   uint32
	deadline time.Time
	timeout  *Timeout

	completed bool
	released  bool
	reply     *Message

	notify     func(*PendingCall, any)
	notifyData any
}

// Serial returns the serial of the call's request message.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Completed reports whether the call has received its reply.
func (p *PendingCall) Completed() bool { return p.completed }

// Block waits until the call completes.
//
// Block reads from the connection until the call's own reply
// arrives. Other messages read in the meantime stay queued for
// [Conn.Dispatch], and no other call's notification runs.
//
// Block must not be called from within watch, timeout or
// notification callbacks.
func (p *PendingCall) Block() {
	p.c.block(p)
}

// StealReply returns the call's reply and transfers its ownership to
// the caller. It returns nil if the call is not complete, or if the
// reply was already stolen.
func (p *PendingCall) StealReply() *Message {
	ret := p.reply
	p.reply = nil
	return ret
}

// SetNotify arranges for fn to be called with userData when the call
// completes. If the call is already complete, fn runs immediately.
//
// At most one notification can be set, and not on a released call.
func (p *PendingCall) SetNotify(fn func(*PendingCall, any), userData any) error {
	if p.released {
		return errors.New("pending call already released")
	}
	if p.notify != nil {
		return errors.New("pending call already has a notify function")
	}
	if fn == nil {
		return errors.New("nil notify function")
	}
	p.notify, p.notifyData = fn, userData
	if p.completed {
		p.runNotify()
	}
	return nil
}

// Release drops the caller's interest in the call. If the call is
// not complete yet, its eventual reply is discarded.
func (p *PendingCall) Release() {
	if p.released {
		return
	}
	p.released = true
	if !p.completed {
		p.c.forget(p)
	}
	if p.reply != nil {
		p.reply.Release()
		p.reply = nil
	}
}

func (p *PendingCall) runNotify() {
	fn := p.notify
	if fn == nil {
		return
	}
	p.notify = func(*PendingCall, any) {}
	fn(p, p.notifyData)
}
