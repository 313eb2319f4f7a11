package sysbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// LevelTrace is the log level of per-call diagnostics, below
// [slog.LevelDebug].
const LevelTrace = slog.LevelDebug - 4

// logf logs a formatted message at level. The record's source is the
// function skip frames above logf's caller, so that handlers
// reporting sources point at the decision that produced the message.
func logf(logger *slog.Logger, level slog.Level, skip int, format string, args ...any) {
	ctx := context.Background()
	if !logger.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	// Skip runtime.Callers, logf, and then skip more frames.
	runtime.Callers(skip+2, pcs[:])
	r := slog.NewRecord(time.Now(), level, fmt.Sprintf(format, args...), pcs[0])
	_ = logger.Handler().Handle(ctx, r)
}

func (c *Client) errorf(format string, args ...any) {
	logf(c.logger, slog.LevelError, 1, format, args...)
}

func (c *Client) infof(format string, args ...any) {
	logf(c.logger, slog.LevelInfo, 1, format, args...)
}

func (c *Client) tracef(format string, args ...any) {
	logf(c.logger, LevelTrace, 1, format, args...)
}
