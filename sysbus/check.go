package sysbus

import (
	"log/slog"

	dbus "github.com/danderson/busloop"
)

// CheckType reports whether the value under it has the expected
// type. If it is nil, CheckType checks msg's first argument instead.
//
// Failed checks are logged as errors attributed to CheckType's
// caller, naming the full signature of msg's body. CheckType never
// moves it.
func (c *Client) CheckType(msg *dbus.Message, it *dbus.Iter, expected dbus.Type) bool {
	if it == nil {
		if first, ok := msg.Iter(); ok {
			it = first
		}
	}
	if it == nil {
		logf(c.logger, slog.LevelError, 1, "Empty parameter list in reply expecting '%c'", byte(expected))
		return false
	}

	if got := it.ArgType(); got != expected {
		logf(c.logger, slog.LevelError, 1, "Unexpected DBus type, expected %c instead of %c in '%s'", byte(expected), byte(got), msg.Signature())
		return false
	}
	return true
}
