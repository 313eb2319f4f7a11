package dbus

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxSignatureLen = 255
	maxNesting      = 64
)

// typeSpec is one complete type parsed out of a signature.
type typeSpec struct {
	code Type
	// elems holds the element type of an array, the fields of a
	// struct, or the key and value of a dict entry.
	elems []typeSpec
}

func (t typeSpec) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t typeSpec) write(b *strings.Builder) {
	switch t.code {
	case TypeArray:
		b.WriteByte('a')
		t.elems[0].write(b)
	case TypeStruct:
		b.WriteByte('(')
		for _, f := range t.elems {
			f.write(b)
		}
		b.WriteByte(')')
	case TypeDictEntry:
		b.WriteByte('{')
		t.elems[0].write(b)
		t.elems[1].write(b)
		b.WriteByte('}')
	default:
		b.WriteByte(byte(t.code))
	}
}

// A Signature describes the types of a sequence of DBus values, such
// as a message body.
type Signature struct {
	str   string
	types []typeSpec
}

// String returns the string encoding of the Signature, as described
// in the DBus specification.
func (s Signature) String() string {
	return s.str
}

// IsZero reports whether the signature is the zero value. A zero
// Signature describes a void value.
func (s Signature) IsZero() bool {
	return s.str == ""
}

// Types returns the type codes of the signature's top-level complete
// types.
func (s Signature) Types() []Type {
	ret := make([]Type, len(s.types))
	for i, t := range s.types {
		ret[i] = t.code
	}
	return ret
}

var strToSignature cache[string, Signature]

// ParseSignature parses a DBus type signature string.
func ParseSignature(sig string) (Signature, error) {
	if ret, ok, err := strToSignature.Get(sig); ok {
		return ret, err
	}

	if len(sig) > maxSignatureLen {
		err := fmt.Errorf("invalid type signature %q: longer than %d bytes", sig, maxSignatureLen)
		strToSignature.SetErr(sig, err)
		return Signature{}, err
	}

	var (
		rest  = sig
		parts []typeSpec
		part  typeSpec
		err   error
	)
	for rest != "" {
		part, rest, err = parseOne(rest, false, 0)
		if err != nil {
			err := fmt.Errorf("invalid type signature %q: %w", sig, err)
			strToSignature.SetErr(sig, err)
			return Signature{}, err
		}
		parts = append(parts, part)
	}

	ret := Signature{sig, parts}
	strToSignature.Set(sig, ret)
	return ret, nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// parseSingle parses sig, which must contain exactly one complete
// type.
func parseSingle(sig string) (typeSpec, error) {
	s, err := ParseSignature(sig)
	if err != nil {
		return typeSpec{}, err
	}
	if len(s.types) != 1 {
		return typeSpec{}, fmt.Errorf("signature %q is not a single complete type", sig)
	}
	return s.types[0], nil
}

// parseOne consumes the first complete type from the front of sig,
// and returns the corresponding typeSpec as well as the remainder
// of the type string.
func parseOne(sig string, inArray bool, depth int) (t typeSpec, rest string, err error) {
	if depth > maxNesting {
		return typeSpec{}, "", errors.New("type nesting too deep")
	}
	if c := Type(sig[0]); c.IsBasic() || c == TypeVariant {
		return typeSpec{code: c}, sig[1:], nil
	}

	switch sig[0] {
	case 'a':
		if len(sig) == 1 {
			return typeSpec{}, "", errors.New("missing array element type")
		}
		elem, rest, err := parseOne(sig[1:], true, depth+1)
		if err != nil {
			return typeSpec{}, "", err
		}
		return typeSpec{code: TypeArray, elems: []typeSpec{elem}}, rest, nil
	case '(':
		var (
			fields []typeSpec
			field  typeSpec
			rest   = sig[1:]
			err    error
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = parseOne(rest, false, depth+1)
			if err != nil {
				return typeSpec{}, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return typeSpec{}, "", errors.New("missing closing ) in struct definition")
		}
		if len(fields) == 0 {
			return typeSpec{}, "", errors.New("empty struct")
		}
		return typeSpec{code: TypeStruct, elems: fields}, rest[1:], nil
	case '{':
		if !inArray {
			return typeSpec{}, "", errors.New("dict entry type found outside array")
		}
		if len(sig) < 2 {
			return typeSpec{}, "", errors.New("missing dict entry key type")
		}
		key, rest, err := parseOne(sig[1:], false, depth+1)
		if err != nil {
			return typeSpec{}, "", err
		}
		if !key.code.IsBasic() {
			return typeSpec{}, "", fmt.Errorf("invalid dict entry key type %s, must be a dbus basic type", key)
		}
		if rest == "" {
			return typeSpec{}, "", errors.New("missing dict entry value type")
		}
		val, rest, err := parseOne(rest, false, depth+1)
		if err != nil {
			return typeSpec{}, "", err
		}
		if rest == "" || rest[0] != '}' {
			return typeSpec{}, "", errors.New("missing closing } in dict entry definition")
		}
		return typeSpec{code: TypeDictEntry, elems: []typeSpec{key, val}}, rest[1:], nil
	default:
		return typeSpec{}, "", fmt.Errorf("unknown type specifier %q", sig[0])
	}
}
