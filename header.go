package dbus

import (
	"fmt"

	"github.com/danderson/busloop/fragments"
)

// MsgType is the type of a DBus message.
type MsgType byte

const (
	MsgTypeInvalid MsgType = iota
	MsgTypeMethodCall
	MsgTypeMethodReturn
	MsgTypeError
	MsgTypeSignal
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeInvalid:
		return "invalid"
	case MsgTypeMethodCall:
		return "method_call"
	case MsgTypeMethodReturn:
		return "method_return"
	case MsgTypeError:
		return "error"
	case MsgTypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

const (
	flagNoReplyExpected      = 0x1
	flagNoAutoStart          = 0x2
	flagAllowInteractiveAuth = 0x4
)

const (
	protocolVersion = 1
	fixedHeaderLen  = 16
	maxMessageSize  = 128 << 20
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// fieldTypes is the type each known header field must have.
var fieldTypes = map[uint8]Type{
	fieldPath:        TypeObjectPath,
	fieldInterface:   TypeString,
	fieldMember:      TypeString,
	fieldErrName:     TypeString,
	fieldReplySerial: TypeUint32,
	fieldDestination: TypeString,
	fieldSender:      TypeString,
	fieldSignature:   TypeSignature,
	fieldNumFDs:      TypeUint32,
}

// header is a DBus message header
type header struct {
	// Order is the message's byte order.
	Order fragments.ByteOrder
	// Type is the message's type.
	Type MsgType
	// Flags is the message's flag byte.
	Flags byte
	// Version is the DBus protocol version
	Version uint8
	// Length is the length of the message body, not including the
	// header or padding between header and body.
	Length uint32
	// Serial is the serial for this message. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal. Required for MsgTypeMethodCall and MsgTypeSignal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Required for MsgTypeSignal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for MsgTypeMethodCall and MsgTypeSignal.
	Member string
	// ErrName is the name of the error that occurred. Required
	// for MsgTypeError.
	ErrName string
	// ReplySerial is the message serial to which this message is
	// replying. Required for MsgTypeMethodReturn and MsgTypeError.
	ReplySerial uint32
	// Destination is the target for a message.
	Destination string
	// Sender is the client ID of the message sender. The message
	// bus populates this value itself.
	Sender string
	// Signature is the type signature of the message body.
	Signature Signature
	// NumFDs is the number of file descriptors attached to this
	// message.
	NumFDs uint32

	// Unknown collects unknown header fields present in the
	// message.
	Unknown map[uint8]Value
}

// Valid checks that the message header is valid for its message type.
func (h *header) Valid() error {
	if h.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	switch h.Type {
	case MsgTypeInvalid:
		return fmt.Errorf("invalid message with Type 0")
	case MsgTypeMethodCall:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	case MsgTypeMethodReturn:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
	case MsgTypeError:
		if h.ReplySerial == 0 {
			return fmt.Errorf("missing required header field ReplySerial")
		}
		if h.ErrName == "" {
			return fmt.Errorf("missing required header field ErrName")
		}
	case MsgTypeSignal:
		if h.Path == "" {
			return fmt.Errorf("missing required header field Path")
		}
		if h.Interface == "" {
			return fmt.Errorf("missing required header field Interface")
		}
		if h.Member == "" {
			return fmt.Errorf("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but the protocol
		// requires us to gracefully allow them.
	}
	return nil
}

// WantReply reports whether this message requires a response.
func (h *header) WantReply() bool {
	return h.Type == MsgTypeMethodCall && h.Flags&flagNoReplyExpected == 0
}

func (h *header) fields() []Value {
	var ret []Value
	add := func(code uint8, v Value) {
		ret = append(ret, Struct(Byte(code), Variant(v)))
	}
	if h.Path != "" {
		add(fieldPath, Path(h.Path))
	}
	if h.Interface != "" {
		add(fieldInterface, String(h.Interface))
	}
	if h.Member != "" {
		add(fieldMember, String(h.Member))
	}
	if h.ErrName != "" {
		add(fieldErrName, String(h.ErrName))
	}
	if h.ReplySerial != 0 {
		add(fieldReplySerial, Uint32(h.ReplySerial))
	}
	if h.Destination != "" {
		add(fieldDestination, String(h.Destination))
	}
	if h.Sender != "" {
		add(fieldSender, String(h.Sender))
	}
	if !h.Signature.IsZero() {
		add(fieldSignature, Sig(h.Signature))
	}
	if h.NumFDs != 0 {
		add(fieldNumFDs, Uint32(h.NumFDs))
	}
	return ret
}

// encode writes the header, including the trailing padding that
// precedes the message body.
func (h *header) encode(e *fragments.Encoder) error {
	e.Order = h.Order
	e.ByteOrderFlag()
	e.Uint8(uint8(h.Type))
	e.Uint8(h.Flags)
	e.Uint8(h.Version)
	e.Uint32(h.Length)
	e.Uint32(h.Serial)
	fields := Array("(yv)", h.fields()...)
	if err := encodeValue(e, fields); err != nil {
		return err
	}
	e.Pad(8)
	return nil
}

// messageLen returns the total length of the message that starts
// with the fixed header prefix bs.
func messageLen(bs []byte) (int, error) {
	if len(bs) < fixedHeaderLen {
		return 0, fmt.Errorf("short header prefix of %d bytes", len(bs))
	}
	order, ok := fragments.OrderForFlag(bs[0])
	if !ok {
		return 0, fmt.Errorf("unknown byte order flag %q", bs[0])
	}
	if bs[3] != protocolVersion {
		return 0, fmt.Errorf("unsupported protocol version %d", bs[3])
	}
	bodyLen := int(order.Uint32(bs[4:8]))
	fieldsLen := int(order.Uint32(bs[12:16]))
	hdrLen := fixedHeaderLen + fieldsLen
	if pad := hdrLen % 8; pad != 0 {
		hdrLen += 8 - pad
	}
	total := hdrLen + bodyLen
	if bodyLen > maxMessageSize || fieldsLen > maxMessageSize || total > maxMessageSize {
		return 0, fmt.Errorf("message size %d exceeds maximum %d", total, maxMessageSize)
	}
	return total, nil
}

// decodeHeader reads a message header from d, leaving d positioned at
// the start of the message body.
func decodeHeader(d *fragments.Decoder) (header, error) {
	var h header
	if err := d.ByteOrderFlag(); err != nil {
		return h, err
	}
	h.Order = d.Order
	fixed, err := d.Read(3)
	if err != nil {
		return h, err
	}
	h.Type, h.Flags, h.Version = MsgType(fixed[0]), fixed[1], fixed[2]
	if h.Length, err = d.Uint32(); err != nil {
		return h, err
	}
	if h.Serial, err = d.Uint32(); err != nil {
		return h, err
	}

	fields, err := decodeValue(d, mustParseSignature("a(yv)").types[0], 0)
	if err != nil {
		return h, fmt.Errorf("decoding header fields: %w", err)
	}
	for _, f := range fields.Elems() {
		code := f.elems[0].basic.(uint8)
		v := f.elems[1].Inner()
		want, known := fieldTypes[code]
		if !known {
			if h.Unknown == nil {
				h.Unknown = map[uint8]Value{}
			}
			h.Unknown[code] = v
			continue
		}
		if v.typ != want {
			return h, fmt.Errorf("header field %d has type %s, want %s", code, v.typ, want)
		}
		switch code {
		case fieldPath:
			h.Path = v.basic.(ObjectPath)
		case fieldInterface:
			h.Interface = v.basic.(string)
		case fieldMember:
			h.Member = v.basic.(string)
		case fieldErrName:
			h.ErrName = v.basic.(string)
		case fieldReplySerial:
			h.ReplySerial = v.basic.(uint32)
		case fieldDestination:
			h.Destination = v.basic.(string)
		case fieldSender:
			h.Sender = v.basic.(string)
		case fieldSignature:
			h.Signature = v.basic.(Signature)
		case fieldNumFDs:
			h.NumFDs = v.basic.(uint32)
		}
	}
	if err := d.Pad(8); err != nil {
		return h, err
	}
	return h, nil
}
