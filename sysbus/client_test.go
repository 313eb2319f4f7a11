package sysbus

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/danderson/busloop/dbustest"
	"github.com/danderson/busloop/reactor"
)

func TestConnect(t *testing.T) {
	bus := dbustest.New(t, testing.Verbose())
	loop, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger, _ := newLogCapture(t)
	c, err := Connect(ctx, loop, Options{Logger: logger, Address: bus.Address()})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Conn().Close()
	defer c.Disconnect()

	if w, _ := c.Adapter().Registrations(); w != 1 {
		t.Errorf("connection registered %d watches, want 1", w)
	}

	self := c.Conn().LocalName()
	owner, err := c.GetNameOwner(self)
	if err != nil {
		t.Fatalf("GetNameOwner(%q) failed: %v", self, err)
	}
	if owner != self {
		t.Errorf("GetNameOwner(%q) = %q", self, owner)
	}
	for name, want := range map[string]bool{self: true, "org.example.Nobody": false} {
		got, err := c.NameHasOwner(name)
		if err != nil {
			t.Fatalf("NameHasOwner(%q) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("NameHasOwner(%q) = %v, want %v", name, got, want)
		}
	}
	names, err := c.ListNames()
	if err != nil {
		t.Fatalf("ListNames failed: %v", err)
	}
	if !slices.Contains(names, self) {
		t.Errorf("ListNames = %v, missing own name %q", names, self)
	}

	if _, err := c.GetNameOwner("org.example.Nobody"); err == nil {
		t.Error("GetNameOwner of an unowned name succeeded")
	}
}

func TestConnectFailure(t *testing.T) {
	loop, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()

	logger, logs := newLogCapture(t)
	addr := "unix:path=" + t.TempDir() + "/nope.sock"
	if _, err := Connect(context.Background(), loop, Options{Logger: logger, Address: addr}); err == nil {
		t.Fatal("Connect to a missing socket succeeded")
	}
	errs := logs.messages(slog.LevelError)
	if len(errs) != 1 || !strings.HasPrefix(errs[0], "Could not connect to "+addr+": DBus error") {
		t.Errorf("wrong error logs %q", errs)
	}
}
