package sysbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
)

type logRecord struct {
	Level    slog.Level
	Message  string
	Function string
}

func (r logRecord) String() string {
	return fmt.Sprintf("%s %s: %s", r.Level, r.Function, r.Message)
}

// logCapture is a slog.Handler that records everything logged
// through it.
type logCapture struct {
	t  *testing.T
	mu sync.Mutex
	rs []logRecord
}

func newLogCapture(t *testing.T) (*slog.Logger, *logCapture) {
	c := &logCapture{t: t}
	return slog.New(c), c
}

func (c *logCapture) Enabled(context.Context, slog.Level) bool { return true }

func (c *logCapture) Handle(_ context.Context, r slog.Record) error {
	fn := ""
	if r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		fn = f.Function
	}
	rec := logRecord{r.Level, r.Message, fn}
	if testing.Verbose() {
		c.t.Log(rec)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rs = append(c.rs, rec)
	return nil
}

func (c *logCapture) WithAttrs([]slog.Attr) slog.Handler { return c }
func (c *logCapture) WithGroup(string) slog.Handler      { return c }

// take returns the records at or above level, and forgets all
// records.
func (c *logCapture) take(level slog.Level) []logRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ret []logRecord
	for _, r := range c.rs {
		if r.Level >= level {
			ret = append(ret, r)
		}
	}
	c.rs = nil
	return ret
}

func (c *logCapture) messages(level slog.Level) []string {
	var ret []string
	for _, r := range c.take(level) {
		ret = append(ret, r.Message)
	}
	return ret
}

// shortFunc strips the package path from a function name.
func shortFunc(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	return fn
}
