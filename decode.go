package dbus

import (
	"fmt"
	"math"

	"github.com/danderson/busloop/fragments"
)

// decodeValue reads one value of type t from d.
//
// depth counts the variants and containers enclosing the value, so
// that hostile messages cannot nest without bound.
func decodeValue(d *fragments.Decoder, t typeSpec, depth int) (Value, error) {
	if depth > maxNesting {
		return Value{}, fmt.Errorf("value nesting exceeds %d levels", maxNesting)
	}

	switch t.code {
	case TypeByte:
		u, err := d.Uint8()
		return Byte(u), err
	case TypeBoolean:
		u, err := d.Uint32()
		if err != nil {
			return Value{}, err
		}
		if u > 1 {
			return Value{}, fmt.Errorf("invalid boolean value %d", u)
		}
		return Bool(u == 1), nil
	case TypeInt16:
		u, err := d.Uint16()
		return Int16(int16(u)), err
	case TypeUint16:
		u, err := d.Uint16()
		return Uint16(u), err
	case TypeInt32:
		u, err := d.Uint32()
		return Int32(int32(u)), err
	case TypeUint32:
		u, err := d.Uint32()
		return Uint32(u), err
	case TypeUnixFD:
		u, err := d.Uint32()
		return UnixFD(u), err
	case TypeInt64:
		u, err := d.Uint64()
		return Int64(int64(u)), err
	case TypeUint64:
		u, err := d.Uint64()
		return Uint64(u), err
	case TypeDouble:
		u, err := d.Uint64()
		return Double(math.Float64frombits(u)), err
	case TypeString:
		s, err := d.String()
		return String(s), err
	case TypeObjectPath:
		s, err := d.String()
		if err != nil {
			return Value{}, err
		}
		p := ObjectPath(s)
		if err := p.Valid(); err != nil {
			return Value{}, err
		}
		return Path(p), nil
	case TypeSignature:
		s, err := d.Signature()
		if err != nil {
			return Value{}, err
		}
		sig, err := ParseSignature(s)
		if err != nil {
			return Value{}, err
		}
		return Sig(sig), nil
	case TypeVariant:
		s, err := d.Signature()
		if err != nil {
			return Value{}, err
		}
		inner, err := parseSingle(s)
		if err != nil {
			return Value{}, fmt.Errorf("variant signature: %w", err)
		}
		v, err := decodeValue(d, inner, depth+1)
		if err != nil {
			return Value{}, err
		}
		return Variant(v), nil
	case TypeStruct, TypeDictEntry:
		fields := make([]Value, 0, len(t.elems))
		err := d.Struct(func() error {
			for _, ft := range t.elems {
				f, err := decodeValue(d, ft, depth+1)
				if err != nil {
					return err
				}
				fields = append(fields, f)
			}
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		return Value{typ: t.code, elems: fields}, nil
	case TypeArray:
		et := t.elems[0]
		var elems []Value
		_, err := d.Array(et.code.alignment(), func(int) error {
			e, err := decodeValue(d, et, depth+1)
			if err != nil {
				return err
			}
			elems = append(elems, e)
			return nil
		})
		if err != nil {
			return Value{}, err
		}
		return Value{typ: TypeArray, elemSig: et.String(), elems: elems}, nil
	default:
		return Value{}, fmt.Errorf("cannot decode type %s", t.code)
	}
}

// decodeBody reads a message body described by sig.
func decodeBody(order fragments.ByteOrder, body []byte, sig Signature) ([]Value, error) {
	d := &fragments.Decoder{
		Order: order,
		In:    body,
	}
	ret := make([]Value, 0, len(sig.types))
	for _, t := range sig.types {
		v, err := decodeValue(d, t, 0)
		if err != nil {
			return nil, fmt.Errorf("decoding %s argument %d: %w", t, len(ret), err)
		}
		ret = append(ret, v)
	}
	if rest := d.Remaining(); rest > 0 {
		return nil, fmt.Errorf("%d trailing bytes after message body", rest)
	}
	return ret, nil
}
