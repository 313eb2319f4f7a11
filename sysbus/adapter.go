package sysbus

import (
	"fmt"
	"log/slog"
	"time"

	dbus "github.com/danderson/busloop"
	"github.com/danderson/busloop/reactor"
)

// Loop is the registration interface of the event loop a [Client]
// runs on. [*reactor.Loop] implements it.
type Loop interface {
	AddFD(tag string, priority int, fd int, events reactor.Events, cb reactor.Callbacks) (*reactor.Source, error)
	RemoveFD(s *reactor.Source)
	AddTimer(interval time.Duration, fn func() bool) reactor.TimerID
	RemoveTimer(id reactor.TimerID) bool
}

// watchTag labels the loop sources registered for DBus watches.
const watchTag = "dbus"

// Adapter connects a [dbus.Conn] to a [Loop]. It registers the
// connection's watches as loop sources and its timeouts as loop
// timers, and dispatches received messages as soon as the connection
// reports them.
//
// Each watch and timeout is registered at most once, and its
// registration is recorded until the connection removes it.
type Adapter struct {
	loop   Loop
	logger *slog.Logger
	conn   *dbus.Conn

	watches  map[*dbus.Watch]*reactor.Source
	timeouts map[*dbus.Timeout]reactor.TimerID

	dispatchQueued bool
}

// NewAdapter returns an Adapter that registers with loop. A nil
// logger logs to [slog.Default].
func NewAdapter(loop Loop, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		loop:     loop,
		logger:   logger,
		watches:  map[*dbus.Watch]*reactor.Source{},
		timeouts: map[*dbus.Timeout]reactor.TimerID{},
	}
}

// Install sets conn's watch, timeout and dispatch status hooks to
// the adapter, and dispatches any messages that are already queued.
func (a *Adapter) Install(conn *dbus.Conn) error {
	a.conn = conn
	if err := conn.SetTimeoutFunctions(a.AddTimeout, a.RemoveTimeout, a.ToggleTimeout); err != nil {
		return fmt.Errorf("installing timeout functions: %w", err)
	}
	if err := conn.SetWatchFunctions(a.AddWatch, a.RemoveWatch); err != nil {
		return fmt.Errorf("installing watch functions: %w", err)
	}
	conn.SetDispatchStatusFunction(a.DispatchStatus)

	a.DispatchStatus(conn, conn.DispatchStatus())
	return nil
}

// Registrations returns the number of watches and timeouts currently
// registered with the loop.
func (a *Adapter) Registrations() (watches, timeouts int) {
	return len(a.watches), len(a.timeouts)
}

// AddWatch registers w's descriptor with the loop.
func (a *Adapter) AddWatch(w *dbus.Watch) error {
	if _, ok := a.watches[w]; ok {
		return fmt.Errorf("%s is already registered", w)
	}

	var events reactor.Events
	if w.Flags()&dbus.WatchReadable != 0 {
		events |= reactor.EventReadable
	}
	if w.Flags()&dbus.WatchWritable != 0 {
		events |= reactor.EventWritable
	}

	fd := w.Fd()
	src, err := a.loop.AddFD(watchTag, reactor.PriorityDefault, fd, events, reactor.Callbacks{
		Dispatch: func(ev reactor.Events) bool {
			a.dispatchWatch(w, ev)
			return true
		},
		Destroy: func() {
			logf(a.logger, LevelTrace, 0, "Destroyed %s", w)
		},
	})
	if err != nil {
		return err
	}
	a.watches[w] = src
	logf(a.logger, LevelTrace, 0, "Added %s with fd=%d", w, fd)
	return nil
}

// dispatchWatch tells the connection that w is ready. Watches only
// ever declare a single interest, so for readable watches the
// declared interest stands in for the reported readiness, and reading
// surfaces any error. A writable watch woken without room to write
// can only have been woken by an error.
func (a *Adapter) dispatchWatch(w *dbus.Watch, ev reactor.Events) {
	flags := w.Flags()
	logf(a.logger, LevelTrace, 0, "Dispatching %s with flags %s on %s", w, flags, ev)
	switch {
	case flags&dbus.WatchReadable != 0:
		w.Handle(dbus.WatchReadable)
	case flags&dbus.WatchWritable != 0 && ev&reactor.EventWritable != 0:
		w.Handle(dbus.WatchWritable)
	default:
		w.Handle(dbus.WatchError)
	}
}

// RemoveWatch unregisters w from the loop.
func (a *Adapter) RemoveWatch(w *dbus.Watch) {
	src, ok := a.watches[w]
	if !ok {
		logf(a.logger, slog.LevelWarn, 0, "Removing unregistered %s", w)
		return
	}
	delete(a.watches, w)
	logf(a.logger, LevelTrace, 0, "Removed %s", w)
	a.loop.RemoveFD(src)
}

// AddTimeout schedules t on the loop, if it is enabled.
func (a *Adapter) AddTimeout(t *dbus.Timeout) error {
	if !t.Enabled() {
		return nil
	}
	if _, ok := a.timeouts[t]; ok {
		return fmt.Errorf("%s is already registered", t)
	}
	a.timeouts[t] = a.loop.AddTimer(t.Interval(), func() bool {
		logf(a.logger, LevelTrace, 0, "Timeout for %s", t)
		t.Handle()
		// The connection decides whether t runs again, and re-adds
		// it if so.
		return false
	})
	return nil
}

// RemoveTimeout cancels t.
func (a *Adapter) RemoveTimeout(t *dbus.Timeout) {
	id, ok := a.timeouts[t]
	if !ok {
		return
	}
	delete(a.timeouts, t)
	// Fired timers are already gone from the loop, which is fine.
	a.loop.RemoveTimer(id)
}

// ToggleTimeout schedules or cancels t, according to whether it is
// enabled.
func (a *Adapter) ToggleTimeout(t *dbus.Timeout) {
	if t.Enabled() {
		if _, ok := a.timeouts[t]; ok {
			return
		}
		if err := a.AddTimeout(t); err != nil {
			logf(a.logger, slog.LevelError, 0, "Enabling %s: %v", t, err)
		}
	} else {
		a.RemoveTimeout(t)
	}
}

// DispatchStatus dispatches a queued message right away, if c
// reports that it has any. c reports its status again after the
// dispatch, so the queue drains completely.
func (a *Adapter) DispatchStatus(c *dbus.Conn, st dbus.DispatchStatus) {
	logf(a.logger, LevelTrace, 0, "Dispatch status %s", st)
	if st == dbus.DispatchDataRemains {
		c.Dispatch()
	}
}

// dispatchLater arranges for messages that are queued but were not
// reported through the dispatch status hook to be dispatched on the
// next loop iteration. This happens after a blocking call.
func (a *Adapter) dispatchLater() {
	if a.conn == nil || a.dispatchQueued {
		return
	}
	if a.conn.DispatchStatus() != dbus.DispatchDataRemains {
		return
	}
	a.dispatchQueued = true
	a.loop.AddTimer(0, func() bool {
		a.dispatchQueued = false
		a.DispatchStatus(a.conn, a.conn.DispatchStatus())
		return false
	})
}
