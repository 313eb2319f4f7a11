package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func noEnv() env.Options {
	return env.Options{Environment: map[string]string{}}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "nope.toml"), noEnv())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if diff := cmp.Diff(*cfg, Default()); diff != "" {
		t.Errorf("missing file did not yield defaults (-got+want):\n%s", diff)
	}
	if got := cfg.CallTimeout(); got != 25*time.Second {
		t.Errorf("CallTimeout = %v, want 25s", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
bus = "Session"
log_level = "trace"
log_format = "json"
call_timeout_seconds = 0
poll_interval_seconds = 3

[[query]]
name = "sshd"
service = "org.freedesktop.systemd1"
object = "/org/freedesktop/systemd1/unit/sshd_2eservice"
interface = "org.freedesktop.systemd1.Unit"
property = "ActiveState"
`)
	cfg, err := load(path, noEnv())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	want := Config{
		Bus:                 "session",
		LogLevel:            "trace",
		LogFormat:           "json",
		CallTimeoutSeconds:  0,
		PollIntervalSeconds: 3,
		Queries: []Query{{
			Name:      "sshd",
			Service:   "org.freedesktop.systemd1",
			Object:    "/org/freedesktop/systemd1/unit/sshd_2eservice",
			Interface: "org.freedesktop.systemd1.Unit",
			Property:  "ActiveState",
		}},
	}
	if diff := cmp.Diff(*cfg, want); diff != "" {
		t.Errorf("wrong config (-got+want):\n%s", diff)
	}
	if got := cfg.CallTimeout(); got >= 0 {
		t.Errorf("CallTimeout = %v, want disabled", got)
	}
	if got := cfg.PollInterval(); got != 3*time.Second {
		t.Errorf("PollInterval = %v, want 3s", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
bus = "session"
log_level = "info"
`)
	cfg, err := load(path, env.Options{Environment: map[string]string{
		"DBUS_SESSION_BUS_ADDRESS": "unix:path=/tmp/session",
		"DBUS_SYSTEM_BUS_ADDRESS":  "unix:path=/tmp/system",
		"BUSPROP_LOG_LEVEL":        "DEBUG",
	}})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if got := cfg.BusAddress(); got != "unix:path=/tmp/session" {
		t.Errorf("BusAddress = %q, want the session address", got)
	}
	cfg.Address = "unix:path=/tmp/explicit"
	if got := cfg.BusAddress(); got != "unix:path=/tmp/explicit" {
		t.Errorf("BusAddress = %q, want the explicit address", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad bus", `bus = "starship"`, "bus must be"},
		{"bad level", `log_level = "loud"`, "unsupported log_level"},
		{"bad format", `log_format = "xml"`, "unsupported log_format"},
		{"bad interval", `poll_interval_seconds = 0`, "poll_interval_seconds"},
		{"incomplete query", "[[query]]\nname = \"x\"\nservice = \"a.b\"", "are required"},
		{"relative object", "[[query]]\nservice = \"a.b\"\nobject = \"foo\"\ninterface = \"a.b\"\nproperty = \"P\"", "absolute object path"},
		{"syntax", `bus = `, "parse config"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(writeConfig(t, tc.content), noEnv())
			if err == nil {
				t.Fatal("load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
