package dbustest_test

import (
	"slices"
	"testing"

	dbus "github.com/danderson/busloop"
	"github.com/danderson/busloop/dbustest"
	"github.com/danderson/busloop/reactor"
	"github.com/danderson/busloop/sysbus"
	"github.com/google/go-cmp/cmp"
)

func TestBus(t *testing.T) {
	b := dbustest.New(t, testing.Verbose())
	conn := b.MustConn(t)
	if conn.LocalName() == "" {
		t.Fatal("connection has no unique name after Hello")
	}

	loop, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	defer loop.Close()
	client, err := sysbus.New(conn, loop, sysbus.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Ping(dbus.BusName); err != nil {
		t.Fatalf("failed to ping test bus: %v", err)
	}
	names, err := client.ListNames()
	if err != nil {
		t.Fatalf("ListNames failed: %v", err)
	}
	if !slices.Contains(names, conn.LocalName()) {
		t.Errorf("ListNames = %v, does not include own name %q", names, conn.LocalName())
	}
}

func call(t *testing.T, conn *dbus.Conn, iface, method string, args ...dbus.Value) *dbus.Message {
	t.Helper()
	msg, err := dbus.NewMethodCall("org.example.Fake", "/org/example/Fake", iface, method)
	if err != nil {
		t.Fatal(err)
	}
	if err := msg.AppendArgs(args...); err != nil {
		t.Fatal(err)
	}
	p, err := conn.SendWithReply(msg, 0)
	if err != nil {
		t.Fatalf("calling %s: %v", method, err)
	}
	defer p.Release()
	p.Block()
	return p.StealReply()
}

func TestService(t *testing.T) {
	svc := dbustest.NewService(t)
	svc.SetProperties("/org/example/Fake", "org.example.Fake",
		dbustest.Property{Name: "Name", Value: dbus.String("fake")},
		dbustest.Property{Name: "Count", Value: dbus.Uint32(2)},
		dbustest.Property{Name: "Name", Value: dbus.String("renamed")})
	svc.Handle("org.example.Fake", "Double", func(m *dbus.Message) ([]dbus.Value, error) {
		it, _ := m.Iter()
		n, _ := it.Basic().(uint32)
		return []dbus.Value{dbus.Uint32(2 * n)}, nil
	})
	conn := svc.Start()

	reply := call(t, conn, "org.freedesktop.DBus.Properties", "GetAll", dbus.String("org.example.Fake"))
	if reply.Type() != dbus.MsgTypeMethodReturn {
		t.Fatalf("GetAll failed: %s", reply.Err())
	}
	want := []any{map[any]any{"Name": "renamed", "Count": uint32(2)}}
	var got []any
	for _, v := range reply.Args() {
		got = append(got, v.Native())
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("wrong GetAll reply (-got+want):\n%s", diff)
	}
	if got, want := reply.Signature(), "a{sv}"; got != want {
		t.Errorf("GetAll reply signature is %q, want %q", got, want)
	}

	reply = call(t, conn, "org.freedesktop.DBus.Properties", "Get", dbus.String("org.example.Fake"), dbus.String("Name"))
	if s, _ := reply.Args()[0].Inner().AsString(); s != "renamed" {
		t.Errorf("Get(Name) = %q, want renamed", s)
	}

	reply = call(t, conn, "org.freedesktop.DBus.Properties", "GetAll", dbus.String("org.example.Missing"))
	if got := reply.ErrorName(); got != "org.freedesktop.DBus.Error.UnknownInterface" {
		t.Errorf("GetAll of unknown interface returned %q", got)
	}

	reply = call(t, conn, "org.example.Fake", "Double", dbus.Uint32(21))
	if n, _ := reply.Args()[0].Basic().(uint32); n != 42 {
		t.Errorf("Double(21) = %d, want 42", n)
	}
}
