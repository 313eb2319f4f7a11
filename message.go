package dbus

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danderson/busloop/fragments"
)

// A Message is a DBus message: a method call, a method return, an
// error or a signal.
//
// Messages received from a [Conn] are owned by whoever receives them,
// and should be released with [Message.Release] once no longer
// needed. Releasing a message invalidates every [Iter] derived from
// it.
type Message struct {
	hdr      header
	args     []Value
	files    []*os.File
	released bool
}

// NewMessage returns an empty message of type t.
func NewMessage(t MsgType) *Message {
	return &Message{
		hdr: header{
			Order:   fragments.NativeEndian,
			Type:    t,
			Version: protocolVersion,
		},
	}
}

// NewMethodCall returns a call of method on the given destination,
// object and interface. iface may be empty, but destination, path and
// method are required.
func NewMethodCall(destination string, path ObjectPath, iface, method string) (*Message, error) {
	if destination == "" {
		return nil, errors.New("method call requires a destination")
	}
	if err := path.Valid(); err != nil {
		return nil, err
	}
	if method == "" {
		return nil, errors.New("method call requires a method name")
	}
	ret := NewMessage(MsgTypeMethodCall)
	ret.hdr.Destination = destination
	ret.hdr.Path = path
	ret.hdr.Interface = iface
	ret.hdr.Member = method
	return ret, nil
}

// NewMethodReturn returns an empty successful reply to call.
func NewMethodReturn(call *Message) *Message {
	ret := NewMessage(MsgTypeMethodReturn)
	ret.hdr.ReplySerial = call.hdr.Serial
	ret.hdr.Destination = call.hdr.Sender
	return ret
}

// NewError returns an error reply to call, with the given error name
// and human-readable detail.
func NewError(call *Message, name, detail string) *Message {
	ret := NewMessage(MsgTypeError)
	ret.hdr.ReplySerial = call.hdr.Serial
	ret.hdr.Destination = call.hdr.Sender
	ret.hdr.ErrName = name
	if detail != "" {
		ret.AppendArgs(String(detail))
	}
	return ret
}

// NewSignal returns a signal named member on iface, emitted by the
// given object.
func NewSignal(path ObjectPath, iface, member string) (*Message, error) {
	if err := path.Valid(); err != nil {
		return nil, err
	}
	if iface == "" || member == "" {
		return nil, errors.New("signal requires an interface and member")
	}
	ret := NewMessage(MsgTypeSignal)
	ret.hdr.Path = path
	ret.hdr.Interface = iface
	ret.hdr.Member = member
	return ret, nil
}

// AppendArgs appends vals to the message body.
func (m *Message) AppendArgs(vals ...Value) error {
	var sig strings.Builder
	sig.WriteString(m.hdr.Signature.String())
	for _, v := range vals {
		if !v.IsValid() {
			return errors.New("cannot append invalid Value to message")
		}
		sig.WriteString(v.Signature())
	}
	s, err := ParseSignature(sig.String())
	if err != nil {
		return err
	}
	m.hdr.Signature = s
	m.args = append(m.args, vals...)
	return nil
}

// AppendFile attaches f to the message, and returns the [UnixFD]
// value that refers to it. The returned value must still be added to
// the body with [Message.AppendArgs].
func (m *Message) AppendFile(f *os.File) Value {
	m.files = append(m.files, f)
	m.hdr.NumFDs = uint32(len(m.files))
	return UnixFD(uint32(len(m.files) - 1))
}

// SetNoReply sets whether the sender of a method call expects no
// reply.
func (m *Message) SetNoReply(noReply bool) {
	if noReply {
		m.hdr.Flags |= flagNoReplyExpected
	} else {
		m.hdr.Flags &^= flagNoReplyExpected
	}
}

// NoReply reports whether the message's sender expects no reply.
func (m *Message) NoReply() bool { return m.hdr.Flags&flagNoReplyExpected != 0 }

func (m *Message) Type() MsgType       { return m.hdr.Type }
func (m *Message) Serial() uint32      { return m.hdr.Serial }
func (m *Message) ReplySerial() uint32 { return m.hdr.ReplySerial }
func (m *Message) Path() ObjectPath    { return m.hdr.Path }
func (m *Message) Interface() string   { return m.hdr.Interface }
func (m *Message) Member() string      { return m.hdr.Member }
func (m *Message) ErrorName() string   { return m.hdr.ErrName }
func (m *Message) Destination() string { return m.hdr.Destination }
func (m *Message) Sender() string      { return m.hdr.Sender }

// Signature returns the signature of the whole message body.
func (m *Message) Signature() string { return m.hdr.Signature.String() }

// Args returns the values in the message body, or nil once the
// message is released.
func (m *Message) Args() []Value {
	if m.released {
		return nil
	}
	return m.args
}

// Files returns the files attached to the message. They remain owned
// by the message, and are closed when it is released.
func (m *Message) Files() []*os.File {
	if m.released {
		return nil
	}
	return m.files
}

// ErrorDetail returns the human-readable detail of an error message,
// which by convention is its first argument when that is a string.
func (m *Message) ErrorDetail() string {
	if m.released || len(m.args) == 0 {
		return ""
	}
	s, _ := m.args[0].basic.(string)
	return s
}

// Err returns a [CallError] for error messages, and nil otherwise.
func (m *Message) Err() error {
	if m.hdr.Type != MsgTypeError {
		return nil
	}
	return CallError{
		Name:   m.hdr.ErrName,
		Detail: m.ErrorDetail(),
	}
}

// Release releases the message's contents. Iterators over a released
// message report no values.
func (m *Message) Release() {
	if m.released {
		return
	}
	m.released = true
	m.args = nil
	for _, f := range m.files {
		f.Close()
	}
	m.files = nil
}

// Released reports whether Release has been called.
func (m *Message) Released() bool { return m.released }

func (m *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s serial=%d", m.hdr.Type, m.hdr.Serial)
	if m.hdr.ReplySerial != 0 {
		fmt.Fprintf(&b, " reply_serial=%d", m.hdr.ReplySerial)
	}
	if m.hdr.Sender != "" {
		fmt.Fprintf(&b, " sender=%s", m.hdr.Sender)
	}
	if m.hdr.Destination != "" {
		fmt.Fprintf(&b, " destination=%s", m.hdr.Destination)
	}
	if m.hdr.Path != "" {
		fmt.Fprintf(&b, " path=%s", m.hdr.Path)
	}
	if m.hdr.Interface != "" {
		fmt.Fprintf(&b, " interface=%s", m.hdr.Interface)
	}
	if m.hdr.Member != "" {
		fmt.Fprintf(&b, " member=%s", m.hdr.Member)
	}
	if m.hdr.ErrName != "" {
		fmt.Fprintf(&b, " error_name=%s", m.hdr.ErrName)
	}
	if sig := m.hdr.Signature.String(); sig != "" {
		fmt.Fprintf(&b, " signature=%s", sig)
	}
	return b.String()
}

// marshal returns the wire encoding of the message, stamped with
// serial.
func (m *Message) marshal(serial uint32) ([]byte, error) {
	m.hdr.Serial = serial
	if err := m.hdr.Valid(); err != nil {
		return nil, err
	}

	body := fragments.Encoder{Order: m.hdr.Order}
	if err := encodeBody(&body, m.args); err != nil {
		return nil, err
	}
	m.hdr.Length = uint32(len(body.Out))

	msg := fragments.Encoder{Order: m.hdr.Order}
	if err := m.hdr.encode(&msg); err != nil {
		return nil, err
	}
	msg.Write(body.Out)
	if len(msg.Out) > maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", len(msg.Out), maxMessageSize)
	}
	return msg.Out, nil
}

// parseMessage decodes one complete wire message. bs must be exactly
// the length reported by messageLen.
func parseMessage(bs []byte) (*Message, error) {
	d := &fragments.Decoder{
		Order: fragments.NativeEndian,
		In:    bs,
	}
	hdr, err := decodeHeader(d)
	if err != nil {
		return nil, err
	}
	if err := hdr.Valid(); err != nil {
		return nil, fmt.Errorf("received invalid header: %w", err)
	}
	body, err := d.Read(int(hdr.Length))
	if err != nil {
		return nil, err
	}
	if hdr.Signature.IsZero() && len(body) > 0 {
		return nil, errors.New("message has a body but no signature")
	}
	args, err := decodeBody(hdr.Order, body, hdr.Signature)
	if err != nil {
		return nil, err
	}
	return &Message{
		hdr:  hdr,
		args: args,
	}, nil
}
