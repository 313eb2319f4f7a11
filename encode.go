package dbus

import (
	"fmt"
	"math"

	"github.com/danderson/busloop/fragments"
)

// encodeValue writes v to e.
func encodeValue(e *fragments.Encoder, v Value) error {
	switch v.typ {
	case TypeByte:
		e.Uint8(v.basic.(uint8))
	case TypeBoolean:
		if v.basic.(bool) {
			e.Uint32(1)
		} else {
			e.Uint32(0)
		}
	case TypeInt16:
		e.Uint16(uint16(v.basic.(int16)))
	case TypeUint16:
		e.Uint16(v.basic.(uint16))
	case TypeInt32:
		e.Uint32(uint32(v.basic.(int32)))
	case TypeUint32, TypeUnixFD:
		e.Uint32(v.basic.(uint32))
	case TypeInt64:
		e.Uint64(uint64(v.basic.(int64)))
	case TypeUint64:
		e.Uint64(v.basic.(uint64))
	case TypeDouble:
		e.Uint64(math.Float64bits(v.basic.(float64)))
	case TypeString:
		e.String(v.basic.(string))
	case TypeObjectPath:
		p := v.basic.(ObjectPath)
		if err := p.Valid(); err != nil {
			return TypeError{"object path", err}
		}
		e.String(string(p))
	case TypeSignature:
		e.Signature(v.basic.(Signature).String())
	case TypeVariant:
		inner := v.elems[0]
		if !inner.IsValid() {
			return TypeError{"variant", fmt.Errorf("variant wraps no value")}
		}
		e.Signature(inner.Signature())
		return encodeValue(e, inner)
	case TypeStruct, TypeDictEntry:
		return e.Struct(func() error {
			for _, f := range v.elems {
				if err := encodeValue(e, f); err != nil {
					return err
				}
			}
			return nil
		})
	case TypeArray:
		return e.Array(sigAlignment(v.elemSig), func() error {
			for _, elem := range v.elems {
				if err := encodeValue(e, elem); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return TypeError{v.typ.String(), fmt.Errorf("no wire encoding")}
	}
	return nil
}

// encodeBody writes the values of a message body to e.
func encodeBody(e *fragments.Encoder, vals []Value) error {
	for _, v := range vals {
		if err := encodeValue(e, v); err != nil {
			return err
		}
	}
	return nil
}

// sigAlignment returns the alignment of the first complete type in
// sig.
func sigAlignment(sig string) int {
	switch sig[0] {
	case '(', '{':
		return 8
	default:
		return Type(sig[0]).alignment()
	}
}
