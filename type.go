package dbus

import (
	"fmt"

	"github.com/creachadair/mds/mapset"
)

// Type is a DBus type code, as it appears in type signatures.
type Type byte

const (
	// TypeInvalid is reported by iterators positioned past the last
	// value, or over a released message.
	TypeInvalid    Type = 0
	TypeByte       Type = 'y'
	TypeBoolean    Type = 'b'
	TypeInt16      Type = 'n'
	TypeUint16     Type = 'q'
	TypeInt32      Type = 'i'
	TypeUint32     Type = 'u'
	TypeInt64      Type = 'x'
	TypeUint64     Type = 't'
	TypeDouble     Type = 'd'
	TypeString     Type = 's'
	TypeObjectPath Type = 'o'
	TypeSignature  Type = 'g'
	TypeUnixFD     Type = 'h'
	TypeArray      Type = 'a'
	TypeVariant    Type = 'v'
	// TypeStruct and TypeDictEntry are the type codes reported for
	// struct and dict entry values. They never appear in signatures,
	// which use parentheses and braces instead.
	TypeStruct    Type = 'r'
	TypeDictEntry Type = 'e'
)

var (
	typeNames = map[Type]string{
		TypeInvalid:    "invalid",
		TypeByte:       "byte",
		TypeBoolean:    "boolean",
		TypeInt16:      "int16",
		TypeUint16:     "uint16",
		TypeInt32:      "int32",
		TypeUint32:     "uint32",
		TypeInt64:      "int64",
		TypeUint64:     "uint64",
		TypeDouble:     "double",
		TypeString:     "string",
		TypeObjectPath: "object_path",
		TypeSignature:  "signature",
		TypeUnixFD:     "unix_fd",
		TypeArray:      "array",
		TypeVariant:    "variant",
		TypeStruct:     "struct",
		TypeDictEntry:  "dict_entry",
	}

	// basicTypes is the set of types that can be dict entry keys.
	basicTypes = mapset.New(
		TypeByte,
		TypeBoolean,
		TypeInt16,
		TypeUint16,
		TypeInt32,
		TypeUint32,
		TypeInt64,
		TypeUint64,
		TypeDouble,
		TypeString,
		TypeObjectPath,
		TypeSignature,
		TypeUnixFD,
	)
)

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("Type(%q)", byte(t))
}

// IsBasic reports whether t is a basic (non-container) type.
func (t Type) IsBasic() bool {
	return basicTypes.Has(t)
}

// IsContainer reports whether t holds other values.
func (t Type) IsContainer() bool {
	switch t {
	case TypeArray, TypeStruct, TypeDictEntry, TypeVariant:
		return true
	}
	return false
}

// alignment returns the wire alignment of values of type t.
func (t Type) alignment() int {
	switch t {
	case TypeByte, TypeSignature, TypeVariant:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeInt64, TypeUint64, TypeDouble, TypeStruct, TypeDictEntry:
		return 8
	default:
		return 4
	}
}
