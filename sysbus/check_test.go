package sysbus

import (
	"fmt"
	"log/slog"
	"testing"

	dbus "github.com/danderson/busloop"
	"github.com/google/go-cmp/cmp"
)

type typeSample struct {
	typ dbus.Type
	val dbus.Value
	// elem, if set, checks the first element of val rather than val
	// itself.
	elem bool
}

func typeSamples(t *testing.T) []typeSample {
	sig, err := dbus.ParseSignature("a{sv}")
	if err != nil {
		t.Fatal(err)
	}
	return []typeSample{
		{typ: dbus.TypeByte, val: dbus.Byte(1)},
		{typ: dbus.TypeBoolean, val: dbus.Bool(true)},
		{typ: dbus.TypeInt16, val: dbus.Int16(-2)},
		{typ: dbus.TypeUint16, val: dbus.Uint16(2)},
		{typ: dbus.TypeInt32, val: dbus.Int32(-3)},
		{typ: dbus.TypeUint32, val: dbus.Uint32(3)},
		{typ: dbus.TypeInt64, val: dbus.Int64(-4)},
		{typ: dbus.TypeUint64, val: dbus.Uint64(4)},
		{typ: dbus.TypeDouble, val: dbus.Double(0.5)},
		{typ: dbus.TypeString, val: dbus.String("str")},
		{typ: dbus.TypeObjectPath, val: dbus.Path("/obj")},
		{typ: dbus.TypeSignature, val: dbus.Sig(sig)},
		{typ: dbus.TypeUnixFD, val: dbus.UnixFD(0)},
		{typ: dbus.TypeArray, val: dbus.Array("s", dbus.String("a"))},
		{typ: dbus.TypeVariant, val: dbus.Variant(dbus.Uint32(5))},
		{typ: dbus.TypeStruct, val: dbus.Struct(dbus.Byte(1), dbus.String("x"))},
		{typ: dbus.TypeDictEntry, val: dbus.Dict("s", "u", dbus.DictEntry(dbus.String("k"), dbus.Uint32(1))), elem: true},
	}
}

func (s typeSample) iter(t *testing.T) (*dbus.Message, *dbus.Iter) {
	t.Helper()
	msg := dbus.NewMessage(dbus.MsgTypeMethodReturn)
	if err := msg.AppendArgs(dbus.String("first"), s.val); err != nil {
		t.Fatal(err)
	}
	it, _ := msg.Iter()
	it.Next()
	if s.elem {
		it = it.Recurse()
	}
	return msg, it
}

func TestCheckTypeNeverMoves(t *testing.T) {
	samples := typeSamples(t)
	logger, logs := newLogCapture(t)
	c := &Client{logger: logger}

	for _, have := range samples {
		for _, want := range samples {
			t.Run(fmt.Sprintf("%s/%s", have.typ, want.typ), func(t *testing.T) {
				msg, it := have.iter(t)
				pos := it.Pos()
				got := c.CheckType(msg, it, want.typ)
				if got != (have.typ == want.typ) {
					t.Errorf("CheckType(%s, %s) = %v", have.typ, want.typ, got)
				}
				if it.Pos() != pos {
					t.Errorf("CheckType moved iterator from %d to %d", pos, it.Pos())
				}
				if it.ArgType() != have.typ {
					t.Errorf("iterator type changed to %s", it.ArgType())
				}

				errs := logs.take(slog.LevelError)
				if got && len(errs) != 0 {
					t.Errorf("successful check logged %v", errs)
				}
				if !got && len(errs) != 1 {
					t.Errorf("failed check logged %d errors, want 1", len(errs))
				}
			})
		}
	}
}

func TestCheckTypeDefaultIterator(t *testing.T) {
	logger, logs := newLogCapture(t)
	c := &Client{logger: logger}

	msg := dbus.NewMessage(dbus.MsgTypeMethodReturn)
	if err := msg.AppendArgs(dbus.Uint32(1), dbus.String("x")); err != nil {
		t.Fatal(err)
	}
	if !c.CheckType(msg, nil, dbus.TypeUint32) {
		t.Error("CheckType(nil iterator) did not check the first argument")
	}
	if c.CheckType(msg, nil, dbus.TypeString) {
		t.Error("CheckType(nil iterator) checked the wrong argument")
	}
	want := []string{"Unexpected DBus type, expected s instead of u in 'us'"}
	if diff := cmp.Diff(logs.messages(slog.LevelError), want); diff != "" {
		t.Errorf("wrong log messages (-got+want):\n%s", diff)
	}

	empty := dbus.NewMessage(dbus.MsgTypeMethodReturn)
	if c.CheckType(empty, nil, dbus.TypeArray) {
		t.Error("CheckType on an empty message succeeded")
	}
	want = []string{"Empty parameter list in reply expecting 'a'"}
	if diff := cmp.Diff(logs.messages(slog.LevelError), want); diff != "" {
		t.Errorf("wrong log messages (-got+want):\n%s", diff)
	}
}

func TestCheckTypeReleased(t *testing.T) {
	logger, _ := newLogCapture(t)
	c := &Client{logger: logger}

	msg := dbus.NewMessage(dbus.MsgTypeMethodReturn)
	if err := msg.AppendArgs(dbus.String("x")); err != nil {
		t.Fatal(err)
	}
	it, _ := msg.Iter()
	msg.Release()
	if c.CheckType(msg, it, dbus.TypeString) {
		t.Error("CheckType succeeded on a released message")
	}
}

func TestCheckTypeLogSource(t *testing.T) {
	logger, logs := newLogCapture(t)
	c := &Client{logger: logger}

	c.CheckType(dbus.NewMessage(dbus.MsgTypeMethodReturn), nil, dbus.TypeString)
	recs := logs.take(slog.LevelError)
	if len(recs) != 1 {
		t.Fatalf("got %d log records, want 1", len(recs))
	}
	if got, want := shortFunc(recs[0].Function), "sysbus.TestCheckTypeLogSource"; got != want {
		t.Errorf("log attributed to %q, want %q", got, want)
	}
}
