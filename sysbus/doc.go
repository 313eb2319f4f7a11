// Package sysbus integrates a DBus connection with a single-threaded
// event loop, and provides the calls system service clients need on
// top of it.
//
// A [Client] wraps one [dbus.Conn]. Its [Adapter] registers the
// connection's watches and timeouts with a [Loop], so that replies
// are read and dispatched as the loop runs. Calls can then be made in
// two ways:
//
//   - [Client.SendRecv] sends a call and blocks until its reply
//     arrives. Other traffic received meanwhile stays queued until the
//     loop runs again.
//   - [Client.Send] sends a call and returns immediately. A callback
//     runs on the loop goroutine when the reply arrives.
//
// Failures of either path are reported uniformly as [*Error].
// [Client.CheckType] and [Client.GetProperty] decode replies with
// logged, non-fatal type checks.
//
// Nothing in this package is safe for concurrent use. All methods
// must be called from the goroutine that runs the loop, and
// [Client.SendRecv] must not be called from within loop callbacks.
package sysbus
