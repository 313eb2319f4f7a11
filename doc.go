// Package dbus is a DBus client library designed to be driven by an
// external, single-threaded event loop.
//
// A [Conn] never reads from its socket on its own. It describes the
// descriptors it needs monitored as [Watch] values and the timers it
// needs run as [Timeout] values, and hands them to whatever event
// loop installed hooks with [Conn.SetWatchFunctions] and
// [Conn.SetTimeoutFunctions]. When the loop reports readiness
// through [Watch.Handle], complete messages are queued, and
// [Conn.SetDispatchStatusFunction] tells the loop that
// [Conn.Dispatch] has work to do.
//
// Message bodies are sequences of [Value], a tagged union covering
// every DBus type: the basic types, arrays, structs, dict entries and
// variants. Received bodies are read with an [Iter], a cursor that
// never mutates the message it reads and reports [TypeInvalid] once
// the message is released.
//
// Method calls made with [Conn.SendWithReply] return a
// [PendingCall], which either notifies a callback on completion or
// can be waited on with [PendingCall.Block].
package dbus
