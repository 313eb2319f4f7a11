// Package reactor provides a single-threaded event loop that
// dispatches file descriptor readiness and timer expiry to callbacks.
//
// A Loop is driven by one goroutine, which calls [Loop.Run] or
// [Loop.Iterate]. All callbacks run on that goroutine. Only
// [Loop.Quit] may be called from other goroutines.
package reactor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/heapq"
	"golang.org/x/sys/unix"
)

// Events is a set of readiness conditions on a file descriptor.
type Events uint8

const (
	EventReadable Events = 1 << iota
	EventWritable
	EventError
	EventHangup
)

func (e Events) String() string {
	var parts []string
	if e&EventReadable != 0 {
		parts = append(parts, "in")
	}
	if e&EventWritable != 0 {
		parts = append(parts, "out")
	}
	if e&EventError != 0 {
		parts = append(parts, "err")
	}
	if e&EventHangup != 0 {
		parts = append(parts, "hup")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Source priorities. Ready sources with lower values dispatch first.
const (
	PriorityHigh    = -100
	PriorityDefault = 0
	PriorityLow     = 300
)

// Callbacks are the functions a [Source] invokes.
type Callbacks struct {
	// Dispatch is called with the conditions that were reported for
	// the source's descriptor. Returning false removes the source.
	Dispatch func(Events) bool
	// Destroy, if not nil, is called exactly once when the source is
	// removed from the loop.
	Destroy func()
}

// A Source is a file descriptor registered with a [Loop].
type Source struct {
	tag      string
	priority int
	fd       int
	events   Events
	cb       Callbacks
	seq      uint64
	removed  bool
}

// Tag returns the label the source was registered with.
func (s *Source) Tag() string { return s.tag }

// Fd returns the monitored descriptor.
func (s *Source) Fd() int { return s.fd }

// Events returns the conditions the source is interested in.
func (s *Source) Events() Events { return s.events }

// Priority returns the source's dispatch priority.
func (s *Source) Priority() int { return s.priority }

func (s *Source) String() string {
	return fmt.Sprintf("source(%s, fd=%d, %s)", s.tag, s.fd, s.events)
}

// TimerID identifies a timer registered with [Loop.AddTimer]. The zero
// TimerID is never issued.
type TimerID uint64

type timer struct {
	id       TimerID
	deadline time.Time
	interval time.Duration
	fn       func() bool
	seq      uint64
}

func compareTimers(a, b *timer) int {
	if c := a.deadline.Compare(b.deadline); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// Loop is a poll(2) based event loop.
type Loop struct {
	sources []*Source
	timers  *heapq.Queue[*timer]
	live    map[TimerID]*timer

	lastTimer TimerID
	seq       uint64

	// wake is a self-pipe that interrupts poll when Quit is called.
	wakeR, wakeW int
	quit         atomic.Bool
	closed       bool
}

// ErrClosed is returned when registering with a closed Loop.
var ErrClosed = errors.New("reactor closed")

// New returns a new Loop.
func New() (*Loop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("pipe2", err)
	}
	return &Loop{
		timers: heapq.New(compareTimers),
		live:   map[TimerID]*timer{},
		wakeR:  p[0],
		wakeW:  p[1],
	}, nil
}

func (l *Loop) nextSeq() uint64 {
	l.seq++
	return l.seq
}

// AddFD registers fd with the loop. cb.Dispatch is called whenever fd
// is ready for any of events. Error and hangup conditions are always
// reported, whether or not they are requested.
func (l *Loop) AddFD(tag string, priority int, fd int, events Events, cb Callbacks) (*Source, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if fd < 0 {
		return nil, fmt.Errorf("invalid file descriptor %d", fd)
	}
	if cb.Dispatch == nil {
		return nil, errors.New("source has no dispatch callback")
	}
	s := &Source{
		tag:      tag,
		priority: priority,
		fd:       fd,
		events:   events,
		cb:       cb,
		seq:      l.nextSeq(),
	}
	l.sources = append(l.sources, s)
	return s, nil
}

// RemoveFD unregisters s, and calls its Destroy callback. Removing a
// source more than once has no effect.
func (l *Loop) RemoveFD(s *Source) {
	if s == nil || s.removed {
		return
	}
	s.removed = true
	l.sources = slices.DeleteFunc(l.sources, func(x *Source) bool { return x == s })
	if s.cb.Destroy != nil {
		s.cb.Destroy()
	}
}

// Sources returns the number of registered sources.
func (l *Loop) Sources() int { return len(l.sources) }

// AddTimer arranges for fn to be called after interval. If fn returns
// true, the timer is re-armed for another interval.
func (l *Loop) AddTimer(interval time.Duration, fn func() bool) TimerID {
	l.lastTimer++
	t := &timer{
		id:       l.lastTimer,
		deadline: time.Now().Add(interval),
		interval: interval,
		fn:       fn,
		seq:      l.nextSeq(),
	}
	l.live[t.id] = t
	l.timers.Add(t)
	return t.id
}

// RemoveTimer cancels the timer id, and reports whether it was still
// registered. A timer may remove itself from within its own callback,
// in which case it is not re-armed.
func (l *Loop) RemoveTimer(id TimerID) bool {
	if _, ok := l.live[id]; !ok {
		return false
	}
	delete(l.live, id)
	return true
}

// Timers returns the number of registered timers.
func (l *Loop) Timers() int { return len(l.live) }

// nextDeadline returns the deadline of the earliest live timer.
func (l *Loop) nextDeadline() (time.Time, bool) {
	for {
		t, ok := l.timers.Pop()
		if !ok {
			return time.Time{}, false
		}
		if l.live[t.id] != t {
			// Canceled.
			continue
		}
		l.timers.Add(t)
		return t.deadline, true
	}
}

// Iterate runs one iteration of the loop: it polls the registered
// descriptors, dispatches the ready sources, and then runs expired
// timers. If block is true, Iterate waits until a source is ready, a
// timer expires or Quit is called. Iterate reports whether any
// callback ran.
func (l *Loop) Iterate(block bool) (bool, error) {
	if l.closed {
		return false, ErrClosed
	}

	wait := 0
	if block {
		wait = -1
		if deadline, ok := l.nextDeadline(); ok {
			d := time.Until(deadline)
			// Round up, so that timers are not polled for repeatedly
			// just before they expire.
			wait = max(0, int((d+time.Millisecond-1)/time.Millisecond))
		}
	}

	srcs := slices.Clone(l.sources)
	pfds := make([]unix.PollFd, 0, len(srcs)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	for _, s := range srcs {
		pfds = append(pfds, unix.PollFd{Fd: int32(s.fd), Events: pollEvents(s.events)})
	}
	if _, err := unix.Poll(pfds, wait); err != nil && err != unix.EINTR {
		return false, os.NewSyscallError("poll", err)
	}

	if pfds[0].Revents != 0 {
		l.drainWake()
	}

	type ready struct {
		s      *Source
		events Events
	}
	var fired []ready
	for i, s := range srcs {
		if ev := readyEvents(pfds[i+1].Revents); ev != 0 {
			fired = append(fired, ready{s, ev})
		}
	}
	slices.SortStableFunc(fired, func(a, b ready) int {
		return cmp.Compare(a.s.priority, b.s.priority)
	})

	ran := false
	for _, r := range fired {
		// An earlier callback may have removed this source.
		if r.s.removed {
			continue
		}
		ran = true
		if !r.s.cb.Dispatch(r.events) {
			l.RemoveFD(r.s)
		}
	}

	if l.runTimers() {
		ran = true
	}
	return ran, nil
}

// runTimers runs every timer whose deadline has passed.
func (l *Loop) runTimers() bool {
	now := time.Now()
	var due []*timer
	for {
		t, ok := l.timers.Pop()
		if !ok {
			break
		}
		if l.live[t.id] != t {
			continue
		}
		if t.deadline.After(now) {
			l.timers.Add(t)
			break
		}
		due = append(due, t)
	}

	for _, t := range due {
		// An earlier timer may have canceled this one.
		if l.live[t.id] != t {
			continue
		}
		again := t.fn()
		if l.live[t.id] != t {
			// Removed itself.
			continue
		}
		if !again {
			delete(l.live, t.id)
			continue
		}
		t.deadline = time.Now().Add(t.interval)
		t.seq = l.nextSeq()
		l.timers.Add(t)
	}
	return len(due) > 0
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Run runs the loop until Quit is called, or ctx is canceled. Run
// returns nil after Quit, and ctx's error after cancellation.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.Quit)
	defer stop()
	defer l.quit.Store(false)

	for {
		if l.quit.Load() {
			return ctx.Err()
		}
		if _, err := l.Iterate(true); err != nil {
			return err
		}
	}
}

// Quit makes Run return at the end of its current iteration. It is
// safe to call from any goroutine.
func (l *Loop) Quit() {
	l.quit.Store(true)
	// The pipe being full is fine: poll wakes up either way.
	unix.Write(l.wakeW, []byte{0})
}

// Close removes every source and timer, and releases the loop's
// resources.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	for len(l.sources) > 0 {
		l.RemoveFD(l.sources[0])
	}
	clear(l.live)
	for !l.timers.IsEmpty() {
		l.timers.Pop()
	}
	l.closed = true
	return errors.Join(unix.Close(l.wakeR), unix.Close(l.wakeW))
}

func pollEvents(ev Events) int16 {
	var ret int16
	if ev&EventReadable != 0 {
		ret |= unix.POLLIN
	}
	if ev&EventWritable != 0 {
		ret |= unix.POLLOUT
	}
	return ret
}

func readyEvents(revents int16) Events {
	var ret Events
	if revents&unix.POLLIN != 0 {
		ret |= EventReadable
	}
	if revents&unix.POLLOUT != 0 {
		ret |= EventWritable
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		ret |= EventError
	}
	if revents&unix.POLLHUP != 0 {
		ret |= EventHangup
	}
	return ret
}
