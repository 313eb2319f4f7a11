package dbus

import (
	"fmt"
	"strconv"
	"strings"
)

// A Value is one DBus value of any type.
//
// Basic values carry a Go value: uint8, bool, int16, uint16, int32,
// uint32, int64, uint64, float64, string, [ObjectPath], [Signature],
// or a uint32 file descriptor index for unix fds. Container values
// carry child Values: the elements of an array, the fields of a
// struct, the key and value of a dict entry, or the single value
// wrapped in a variant.
//
// Values are immutable once constructed.
type Value struct {
	typ   Type
	basic any
	// elemSig is the element signature of an array.
	elemSig string
	elems   []Value
}

func Byte(v uint8) Value     { return Value{typ: TypeByte, basic: v} }
func Bool(v bool) Value      { return Value{typ: TypeBoolean, basic: v} }
func Int16(v int16) Value    { return Value{typ: TypeInt16, basic: v} }
func Uint16(v uint16) Value  { return Value{typ: TypeUint16, basic: v} }
func Int32(v int32) Value    { return Value{typ: TypeInt32, basic: v} }
func Uint32(v uint32) Value  { return Value{typ: TypeUint32, basic: v} }
func Int64(v int64) Value    { return Value{typ: TypeInt64, basic: v} }
func Uint64(v uint64) Value  { return Value{typ: TypeUint64, basic: v} }
func Double(v float64) Value { return Value{typ: TypeDouble, basic: v} }
func String(v string) Value  { return Value{typ: TypeString, basic: v} }

// Path returns an object path value.
func Path(p ObjectPath) Value { return Value{typ: TypeObjectPath, basic: p} }

// Sig returns a signature value.
func Sig(s Signature) Value { return Value{typ: TypeSignature, basic: s} }

// UnixFD returns a file descriptor value, referring to the idx'th
// file attached to the enclosing message.
func UnixFD(idx uint32) Value { return Value{typ: TypeUnixFD, basic: idx} }

// Variant returns a variant wrapping v.
func Variant(v Value) Value {
	return Value{typ: TypeVariant, elems: []Value{v}}
}

// Struct returns a struct with the given fields. It panics if no
// fields are provided, since DBus has no empty structs.
func Struct(fields ...Value) Value {
	if len(fields) == 0 {
		panic("dbus.Struct called with no fields")
	}
	return Value{typ: TypeStruct, elems: fields}
}

// DictEntry returns a dict entry, for use as an element of a
// dictionary array. It panics if k is not a basic type.
func DictEntry(k, v Value) Value {
	if !k.typ.IsBasic() {
		panic(fmt.Sprintf("dict entry key must be a basic type, got %s", k.typ))
	}
	return Value{typ: TypeDictEntry, elems: []Value{k, v}}
}

// Array returns an array of elemSig values. elemSig must be a single
// complete type, or a dict entry type such as "{sv}".
//
// Array panics if elemSig is invalid, or if any element's signature
// differs from elemSig.
func Array(elemSig string, elems ...Value) Value {
	if _, err := parseSingle("a" + elemSig); err != nil {
		panic(fmt.Sprintf("invalid array element signature: %v", err))
	}
	for i, e := range elems {
		if got := e.Signature(); got != elemSig {
			panic(fmt.Sprintf("array element %d has signature %q, want %q", i, got, elemSig))
		}
	}
	return Value{typ: TypeArray, elemSig: elemSig, elems: elems}
}

// Dict returns an array of dict entries with the given key and value
// signatures. Each entry must be a [DictEntry] value.
func Dict(keySig, valSig string, entries ...Value) Value {
	return Array("{"+keySig+valSig+"}", entries...)
}

// Type returns the type code of v. The zero Value has type
// [TypeInvalid].
func (v Value) Type() Type { return v.typ }

// IsValid reports whether v holds a value.
func (v Value) IsValid() bool { return v.typ != TypeInvalid }

// Signature returns the signature of v.
func (v Value) Signature() string {
	switch v.typ {
	case TypeInvalid:
		return ""
	case TypeArray:
		return "a" + v.elemSig
	case TypeStruct:
		var b strings.Builder
		b.WriteByte('(')
		for _, f := range v.elems {
			b.WriteString(f.Signature())
		}
		b.WriteByte(')')
		return b.String()
	case TypeDictEntry:
		return "{" + v.elems[0].Signature() + v.elems[1].Signature() + "}"
	default:
		return string(v.typ)
	}
}

// ElemSignature returns the element signature of an array value, or
// the empty string for other types.
func (v Value) ElemSignature() string { return v.elemSig }

// Basic returns the Go value held by a basic value, or nil for
// containers.
func (v Value) Basic() any { return v.basic }

// Elems returns the children of a container value: array elements,
// struct fields, the key and value of a dict entry, or the value
// inside a variant. The returned slice must not be modified.
func (v Value) Elems() []Value { return v.elems }

// Inner returns the value wrapped by a variant, or the zero Value if
// v is not a variant.
func (v Value) Inner() Value {
	if v.typ != TypeVariant {
		return Value{}
	}
	return v.elems[0]
}

// AsString returns the string form of a string, object path or
// signature value.
func (v Value) AsString() (string, bool) {
	switch b := v.basic.(type) {
	case string:
		return b, true
	case ObjectPath:
		return string(b), true
	case Signature:
		return b.String(), true
	}
	return "", false
}

// Native returns v converted to plain Go values: basic values as
// themselves (signatures as strings), variants as their inner value,
// structs and arrays as []any, and arrays of dict entries as
// map[any]any.
func (v Value) Native() any {
	switch v.typ {
	case TypeInvalid:
		return nil
	case TypeVariant:
		return v.elems[0].Native()
	case TypeSignature:
		return v.basic.(Signature).String()
	case TypeStruct, TypeDictEntry:
		ret := make([]any, len(v.elems))
		for i, e := range v.elems {
			ret[i] = e.Native()
		}
		return ret
	case TypeArray:
		if strings.HasPrefix(v.elemSig, "{") {
			ret := make(map[any]any, len(v.elems))
			for _, e := range v.elems {
				ret[e.elems[0].Native()] = e.elems[1].Native()
			}
			return ret
		}
		ret := make([]any, len(v.elems))
		for i, e := range v.elems {
			ret[i] = e.Native()
		}
		return ret
	default:
		return v.basic
	}
}

// String returns a human readable rendering of v, for debugging.
func (v Value) String() string {
	var b strings.Builder
	v.format(&b)
	return b.String()
}

func (v Value) format(b *strings.Builder) {
	switch v.typ {
	case TypeInvalid:
		b.WriteString("<invalid>")
	case TypeString, TypeObjectPath, TypeSignature:
		s, _ := v.AsString()
		b.WriteString(strconv.Quote(s))
	case TypeVariant:
		b.WriteString("<")
		v.elems[0].format(b)
		b.WriteString(">")
	case TypeStruct:
		b.WriteString("(")
		for i, f := range v.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			f.format(b)
		}
		b.WriteString(")")
	case TypeDictEntry:
		v.elems[0].format(b)
		b.WriteString(": ")
		v.elems[1].format(b)
	case TypeArray:
		open, end := "[", "]"
		if strings.HasPrefix(v.elemSig, "{") {
			open, end = "{", "}"
		}
		b.WriteString(open)
		for i, e := range v.elems {
			if i > 0 {
				b.WriteString(", ")
			}
			e.format(b)
		}
		b.WriteString(end)
	default:
		fmt.Fprint(b, v.basic)
	}
}
