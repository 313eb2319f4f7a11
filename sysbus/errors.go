package sysbus

import (
	"fmt"

	dbus "github.com/danderson/busloop"
)

// Names of the errors reported by the client itself, rather than by
// the bus or a remote peer.
const (
	ErrNoRequest          = "org.clusterlabs.pacemaker.NoRequest"
	ErrNoReply            = "org.clusterlabs.pacemaker.NoReply"
	ErrInvalidReply       = "org.clusterlabs.pacemaker.InvalidReply"
	ErrInvalidReplyMethod = "org.clusterlabs.pacemaker.InvalidReply.Method"
	ErrInvalidReplySignal = "org.clusterlabs.pacemaker.InvalidReply.Signal"
	ErrInvalidReplyType   = "org.clusterlabs.pacemaker.InvalidReply.Type"
	ErrSendFailed         = "org.clusterlabs.pacemaker.SendFailed"
)

// Error is a failed call. Name is a reverse-domain error name, either
// one of the Err constants in this package or an error name reported
// by the bus.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// FindError classifies the outcome of a call to method. pending is
// the call's handle, or nil if none was obtained, and reply is its
// reply, or nil if none arrived.
//
// FindError returns nil if reply is a method return, and an Error
// otherwise. In the latter case, the caller must release reply.
func (c *Client) FindError(method string, pending *dbus.PendingCall, reply *dbus.Message) *Error {
	var ret *Error
	switch {
	case pending == nil:
		ret = &Error{ErrNoRequest, "No request sent"}
	case reply == nil:
		ret = &Error{ErrNoReply, "No reply"}
	}
	if ret != nil {
		c.errorf("Error processing %s response: %s", method, ret.Message)
		return ret
	}

	switch t := reply.Type(); t {
	case dbus.MsgTypeMethodReturn:
		c.tracef("Call to %s returned '%s'", method, reply.Signature())
		return nil
	case dbus.MsgTypeInvalid:
		ret = &Error{ErrInvalidReply, "Invalid reply"}
	case dbus.MsgTypeMethodCall:
		ret = &Error{ErrInvalidReplyMethod, "Invalid reply (method call)"}
	case dbus.MsgTypeSignal:
		ret = &Error{ErrInvalidReplySignal, "Invalid reply (signal)"}
	case dbus.MsgTypeError:
		ret = &Error{reply.ErrorName(), reply.ErrorDetail()}
		if ret.Message == "" {
			ret.Message = ret.Name
		}
		c.infof("%s error '%s': %s", method, ret.Name, ret.Message)
		return ret
	default:
		ret = &Error{ErrInvalidReplyType, "Unknown reply type"}
		c.errorf("Error processing %s response: %s (%d)", method, ret.Message, uint8(t))
		return ret
	}
	c.errorf("Error processing %s response: %s", method, ret.Message)
	return ret
}
