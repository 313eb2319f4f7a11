package dbus

import (
	"testing"

	"github.com/danderson/busloop/fragments"
	"github.com/google/go-cmp/cmp"
)

func TestValueSignature(t *testing.T) {
	tests := []struct {
		in   Value
		want string
	}{
		{Byte(1), "y"},
		{Bool(true), "b"},
		{Int16(-1), "n"},
		{Uint16(1), "q"},
		{Int32(-1), "i"},
		{Uint32(1), "u"},
		{Int64(-1), "x"},
		{Uint64(1), "t"},
		{Double(1.5), "d"},
		{String("foo"), "s"},
		{Path("/foo"), "o"},
		{Sig(mustParseSignature("as")), "g"},
		{UnixFD(0), "h"},
		{Variant(String("foo")), "v"},
		{Array("s"), "as"},
		{Array("s", String("a"), String("b")), "as"},
		{Struct(Int16(1), Bool(false)), "(nb)"},
		{Dict("s", "v", DictEntry(String("k"), Variant(Uint32(1)))), "a{sv}"},
		{DictEntry(String("k"), Int32(1)), "{si}"},
		{Array("(nb)", Struct(Int16(1), Bool(false))), "a(nb)"},
		{Value{}, ""},
	}

	for _, tc := range tests {
		if got := tc.in.Signature(); got != tc.want {
			t.Errorf("%s.Signature() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValueElemSignature(t *testing.T) {
	tests := []struct {
		in   Value
		want string
	}{
		{Array("s"), "s"},
		{Array("(nb)", Struct(Int16(1), Bool(false))), "(nb)"},
		{Dict("s", "v"), "{sv}"},
		{String("a"), ""},
		{Struct(String("a")), ""},
	}

	for _, tc := range tests {
		if got := tc.in.ElemSignature(); got != tc.want {
			t.Errorf("%s.ElemSignature() = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestArrayPanics(t *testing.T) {
	tests := []struct {
		name string
		fn   func()
	}{
		{"mismatched element", func() { Array("s", Int32(1)) }},
		{"invalid element signature", func() { Array("{vs}") }},
		{"non-basic dict key", func() { DictEntry(Variant(Int32(1)), Int32(1)) }},
		{"empty struct", func() { Struct() }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("constructor did not panic")
				}
			}()
			tc.fn()
		})
	}
}

func TestValueNative(t *testing.T) {
	v := Struct(
		String("foo"),
		Variant(Uint32(42)),
		Array("as", Array("s", String("a")), Array("s")),
		Dict("s", "v",
			DictEntry(String("x"), Variant(Bool(true))),
			DictEntry(String("y"), Variant(Sig(mustParseSignature("a{sv}"))))),
	)
	want := []any{
		"foo",
		uint32(42),
		[]any{[]any{"a"}, []any{}},
		map[any]any{"x": true, "y": "a{sv}"},
	}
	if diff := cmp.Diff(v.Native(), want); diff != "" {
		t.Errorf("Native() wrong result (-got+want):\n%s", diff)
	}
	if got, want := v.String(), `("foo", <42>, [["a"], []], {"x": <true>, "y": <"a{sv}">})`; got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	vals := []Value{
		Byte(7),
		Bool(true),
		Int16(-300),
		Uint16(300),
		Int32(-70000),
		Uint32(70000),
		Int64(-1 << 40),
		Uint64(1 << 40),
		Double(3.25),
		String("hello"),
		Path("/org/freedesktop/DBus"),
		Sig(mustParseSignature("a{sv}")),
		Variant(Struct(Byte(1), String("x"))),
		Array("t"),
		Array("(yt)", Struct(Byte(1), Uint64(2)), Struct(Byte(3), Uint64(4))),
		Dict("s", "v",
			DictEntry(String("Description"), Variant(String("Example unit"))),
			DictEntry(String("Nested"), Variant(Variant(Int32(-1))))),
	}

	for _, order := range []fragments.ByteOrder{fragments.BigEndian, fragments.LittleEndian} {
		e := fragments.Encoder{Order: order}
		if err := encodeBody(&e, vals); err != nil {
			t.Fatalf("encodeBody failed: %v", err)
		}

		var sig string
		for _, v := range vals {
			sig += v.Signature()
		}
		got, err := decodeBody(order, e.Out, mustParseSignature(sig))
		if err != nil {
			t.Fatalf("decodeBody failed: %v", err)
		}
		if len(got) != len(vals) {
			t.Fatalf("decodeBody returned %d values, want %d", len(got), len(vals))
		}
		for i := range vals {
			if g, w := got[i].String(), vals[i].String(); g != w {
				t.Errorf("value %d round-tripped to %s, want %s", i, g, w)
			}
			if g, w := got[i].Signature(), vals[i].Signature(); g != w {
				t.Errorf("value %d round-tripped with signature %q, want %q", i, g, w)
			}
		}
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		sig  string
		in   []byte
	}{
		{"truncated string", "s", []byte{0, 0, 0, 5, 'a'}},
		{"bad boolean", "b", []byte{0, 0, 0, 2}},
		{"bad object path", "o", []byte{0, 0, 0, 3, 'f', 'o', 'o', 0}},
		{"variant with two types", "v", []byte{2, 'y', 'y', 0, 1, 2}},
		{"variant with bad signature", "v", []byte{1, 'z', 0}},
		{"trailing bytes", "y", []byte{1, 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeBody(fragments.BigEndian, tc.in, mustParseSignature(tc.sig))
			if err == nil {
				t.Fatal("decodeBody succeeded on bad input")
			} else if testing.Verbose() {
				t.Logf("decodeBody err: %v", err)
			}
		})
	}
}

func TestDecodeNestingLimit(t *testing.T) {
	// A chain of variants, each containing the next one.
	var body []byte
	for range maxNesting + 2 {
		body = append(body, 1, 'v', 0)
	}
	body = append(body, 1, 'y', 0, 42)
	if _, err := decodeBody(fragments.BigEndian, body, mustParseSignature("v")); err == nil {
		t.Fatal("decodeBody accepted unbounded variant nesting")
	}
}
