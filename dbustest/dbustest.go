// Package dbustest provides helpers to test DBus clients, against
// an isolated bus instance or an in-process fake service.
package dbustest

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	dbus "github.com/danderson/busloop"
)

//go:embed dbus.config
var dbusConfig string

// Available reports whether the required binaries are available for
// testing against a real DBus server.
func Available() bool {
	for _, bin := range []string{"dbus-daemon", "dbus-monitor"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// Bus is an isolated DBus instance for tests.
type Bus struct {
	sock string

	daemon  *process
	monitor *process
}

// New launches a DBus instance dedicated to the calling test. The
// bus is stopped when the test ends.
//
// If [Available] is false, New calls t.Skip to skip the calling test.
//
// If logMonitor is true, the returned bus logs all bus messages using
// t.Log.
func New(t *testing.T, logMonitor bool) *Bus {
	t.Helper()
	if !Available() {
		t.Skip("dbus-daemon and dbus-monitor not available, cannot run test bus")
	}
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bus.config")
	if err := os.WriteFile(cfgPath, []byte(dbusConfig), 0o600); err != nil {
		t.Fatal(err)
	}

	ret := &Bus{sock: filepath.Join(dir, "bus.sock")}
	daemon := exec.Command("dbus-daemon", "--config-file="+cfgPath, "--nofork", "--nopidfile", "--nosyslog", "--address="+ret.Address())
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	var err error
	if ret.daemon, err = start(t, daemon); err != nil {
		t.Fatalf("starting bus: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := waitForSocket(ctx, ret.sock); err != nil {
		t.Fatalf("bus failed to start: %v", err)
	}

	if logMonitor {
		ml := newMonitorLog(t)
		t.Cleanup(ml.flush)
		mon := exec.Command("dbus-monitor", "--address", ret.Address())
		mon.Stdout = ml
		mon.Stderr = ml
		if ret.monitor, err = start(t, mon); err != nil {
			t.Fatalf("starting monitor: %v", err)
		}
		select {
		case <-ml.started:
		case <-ctx.Done():
			t.Fatalf("waiting for monitor: %v", ctx.Err())
		}
	}

	return ret
}

func waitForSocket(ctx context.Context, path string) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		_, err := os.Stat(path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// process is a helper process that must keep running until the test
// ends.
type process struct {
	cmd    *exec.Cmd
	exited chan struct{}
}

func start(t *testing.T, cmd *exec.Cmd) (*process, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &process{cmd: cmd, exited: make(chan struct{})}
	var stopping sync.Mutex
	stopped := false
	go func() {
		defer close(p.exited)
		err := cmd.Wait()
		stopping.Lock()
		defer stopping.Unlock()
		if !stopped {
			t.Errorf("%s exited before the test ended: %v", filepath.Base(cmd.Path), err)
		}
	}()
	t.Cleanup(func() {
		stopping.Lock()
		stopped = true
		stopping.Unlock()
		cmd.Process.Kill()
		select {
		case <-p.exited:
		case <-time.After(10 * time.Second):
			t.Logf("timed out waiting for %s to stop", filepath.Base(cmd.Path))
		}
	})
	return p, nil
}

// Socket returns the path to the bus's unix socket.
func (b *Bus) Socket() string {
	return b.sock
}

// Address returns the bus's DBus server address, suitable for
// [dbus.Dial].
func (b *Bus) Address() string {
	return "unix:path=" + b.sock
}

// MustConn returns a connection to the bus, which is closed when the
// test ends. It causes an immediate test failure with t.Fatal if it
// is unable to connect.
func (b *Bus) MustConn(t *testing.T) *dbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ret, err := dbus.Dial(ctx, b.Address())
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { ret.Close() })
	return ret
}

// monitorLog logs dbus-monitor output to a test, one bus message per
// log entry.
type monitorLog struct {
	t       *testing.T
	started chan struct{}
	once    sync.Once

	mu  sync.Mutex
	buf bytes.Buffer
}

func newMonitorLog(t *testing.T) *monitorLog {
	return &monitorLog{t: t, started: make(chan struct{})}
}

// startsMessage reports whether line is the first line of a bus
// message in dbus-monitor's output.
func startsMessage(line []byte) bool {
	for _, p := range []string{"method ", "signal ", "error "} {
		if bytes.HasPrefix(line, []byte(p)) {
			return true
		}
	}
	return false
}

func (m *monitorLog) Write(bs []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf.Write(bs)

	// Log every message that is followed by the start of another.
	data := m.buf.Bytes()
	end := 0
	for off := 0; ; {
		i := bytes.IndexByte(data[off:], '\n')
		if i < 0 {
			break
		}
		next := off + i + 1
		if startsMessage(data[next:]) && end < off+i {
			m.t.Log(string(data[end : off+i]))
			end = next
			m.once.Do(func() { close(m.started) })
		}
		off = next
	}
	m.buf.Next(end)
	return len(bs), nil
}

func (m *monitorLog) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf.Len() > 0 {
		m.t.Log(m.buf.String())
		m.buf.Reset()
	}
}
