package dbus

// An Iter is a read cursor over a sequence of values: the arguments
// of a message, or the children of a container value.
//
// Reading never mutates the underlying values. An Iter derived from a
// message reports [TypeInvalid] once that message is released.
type Iter struct {
	msg  *Message
	vals []Value
	pos  int
}

// Iter returns an iterator over the message's arguments, positioned
// on the first one. It reports false if the message has no
// arguments.
func (m *Message) Iter() (*Iter, bool) {
	it := &Iter{msg: m, vals: m.Args()}
	return it, len(it.vals) > 0
}

func (it *Iter) current() (Value, bool) {
	if it.msg != nil && it.msg.released {
		return Value{}, false
	}
	if it.pos >= len(it.vals) {
		return Value{}, false
	}
	return it.vals[it.pos], true
}

// ArgType returns the type of the value under the cursor, or
// [TypeInvalid] if there is none.
func (it *Iter) ArgType() Type {
	v, _ := it.current()
	return v.typ
}

// ElementType returns the element type of the array under the
// cursor, or [TypeInvalid] if the cursor is not on an array.
func (it *Iter) ElementType() Type {
	v, ok := it.current()
	if !ok || v.typ != TypeArray {
		return TypeInvalid
	}
	switch v.elemSig[0] {
	case '(':
		return TypeStruct
	case '{':
		return TypeDictEntry
	default:
		return Type(v.elemSig[0])
	}
}

// HasNext reports whether another value follows the one under the
// cursor.
func (it *Iter) HasNext() bool {
	if it.msg != nil && it.msg.released {
		return false
	}
	return it.pos+1 < len(it.vals)
}

// Next moves the cursor to the following value, and reports whether
// there is one.
func (it *Iter) Next() bool {
	if it.pos < len(it.vals) {
		it.pos++
	}
	_, ok := it.current()
	return ok
}

// Recurse returns an iterator over the children of the container
// under the cursor: array elements, struct fields, the key and value
// of a dict entry, or the value inside a variant. For basic values
// and exhausted iterators, the returned iterator is empty.
func (it *Iter) Recurse() *Iter {
	ret := &Iter{msg: it.msg}
	if v, ok := it.current(); ok && v.typ.IsContainer() {
		ret.vals = v.elems
	}
	return ret
}

// Value returns the value under the cursor, or the zero Value.
func (it *Iter) Value() Value {
	v, _ := it.current()
	return v
}

// Basic returns the Go value of the basic value under the cursor, or
// nil.
func (it *Iter) Basic() any {
	v, _ := it.current()
	return v.basic
}

// Str returns the string under the cursor, if the cursor is on a
// string, object path or signature.
func (it *Iter) Str() (string, bool) {
	v, ok := it.current()
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Signature returns the signature of the value under the cursor.
func (it *Iter) Signature() string {
	v, _ := it.current()
	return v.Signature()
}

// Pos returns the index of the cursor.
func (it *Iter) Pos() int { return it.pos }
