// Package logging builds the *slog.Logger that busprop hands to the
// bus client.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	charmlog "github.com/charmbracelet/log"
	"github.com/danderson/busloop/sysbus"
	"github.com/mattn/go-isatty"
)

// ParseLevel returns the slog level named by s: trace, debug, info,
// warn or error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return sysbus.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}

// New returns a logger that writes records at level or above to w.
//
// format is text, json or auto. Auto picks text when w is a terminal,
// and json otherwise. Both formats report the source location of each
// record.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "auto":
		if isTerminal(w) {
			return textLogger(lvl, w), nil
		}
		return jsonLogger(lvl, w), nil
	case "text":
		return textLogger(lvl, w), nil
	case "json":
		return jsonLogger(lvl, w), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func textLogger(level slog.Level, w io.Writer) *slog.Logger {
	// charmbracelet/log levels share slog's numbering.
	l := charmlog.NewWithOptions(w, charmlog.Options{
		Level:           charmlog.Level(level),
		ReportTimestamp: true,
		ReportCaller:    true,
		Formatter:       charmlog.TextFormatter,
	})
	styles := charmlog.DefaultStyles()
	styles.Levels[charmlog.Level(sysbus.LevelTrace)] = lipgloss.NewStyle().
		SetString("TRAC").
		Bold(true).
		Foreground(lipgloss.Color("245"))
	l.SetStyles(styles)
	return slog.New(l)
}

func jsonLogger(level slog.Level, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.Any() == sysbus.LevelTrace {
				a.Value = slog.StringValue("TRACE")
			}
			return a
		},
	}))
}
