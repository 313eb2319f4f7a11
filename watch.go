package dbus

import (
	"fmt"
	"strings"
	"time"
)

// WatchFlags describe the readiness conditions of a [Watch].
type WatchFlags uint8

const (
	WatchReadable WatchFlags = 1 << iota
	WatchWritable
	WatchError
	WatchHangup
)

func (f WatchFlags) String() string {
	var parts []string
	for _, x := range []struct {
		f WatchFlags
		n string
	}{
		{WatchReadable, "readable"},
		{WatchWritable, "writable"},
		{WatchError, "error"},
		{WatchHangup, "hangup"},
	} {
		if f&x.f != 0 {
			parts = append(parts, x.n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// A Watch is a file descriptor that a [Conn] needs monitored by an
// event loop. When the descriptor becomes ready, the loop calls
// [Watch.Handle].
//
// A Conn always has a readable watch. While sent messages are waiting
// for room in the socket's buffer, it also has a writable watch.
type Watch struct {
	c       *Conn
	flags   WatchFlags
	enabled bool
}

// Fd returns the descriptor to monitor.
func (w *Watch) Fd() int { return w.c.t.Fd() }

// Flags returns the conditions the watch is interested in.
func (w *Watch) Flags() WatchFlags { return w.flags }

// Enabled reports whether the watch currently wants to be monitored.
func (w *Watch) Enabled() bool { return w.enabled }

// Handle tells the connection that the watch's descriptor is ready
// for the given conditions.
func (w *Watch) Handle(flags WatchFlags) error {
	return w.c.handleWatch(w, flags)
}

func (w *Watch) String() string {
	return fmt.Sprintf("watch(fd=%d, %s)", w.Fd(), w.flags)
}

// A Timeout is a timer that a [Conn] needs run by an event loop. When
// the interval elapses, the loop calls [Timeout.Handle]. Timeouts are
// one-shot: the connection re-adds a timeout if it needs another.
type Timeout struct {
	c        *Conn
	interval time.Duration
	enabled  bool
	pending  *PendingCall
}

// Interval returns the time after which the timeout expires.
func (t *Timeout) Interval() time.Duration { return t.interval }

// Enabled reports whether the timeout is armed.
func (t *Timeout) Enabled() bool { return t.enabled }

// Handle tells the connection that the timeout expired.
func (t *Timeout) Handle() {
	t.c.handleTimeout(t)
}

func (t *Timeout) String() string {
	return fmt.Sprintf("timeout(%s)", t.interval)
}
