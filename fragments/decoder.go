package fragments

import (
	"fmt"
	"io"
)

// A Decoder provides utilities to read a DBus wire format message
// from a byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by DBus alignment rules, except for [Decoder.Read]
// which reads bytes verbatim.
//
// Truncated input is reported as [io.ErrUnexpectedEOF]. The decoder
// never reads past the end of In, or past the end of the array
// currently being decoded.
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the message data to read.
	In []byte

	// offset is the read position within In. Alignment is relative
	// to the start of In, so In must begin at an 8-byte boundary of
	// the message.
	offset int
	// limit is the end of the innermost array being read, or
	// len(In) outside of arrays.
	limit int
	limited bool
}

func (d *Decoder) end() int {
	if d.limited {
		return d.limit
	}
	return len(d.In)
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.offset }

// Remaining returns the number of bytes left to read in the current
// array, or in the whole input outside of arrays.
func (d *Decoder) Remaining() int { return d.end() - d.offset }

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes. If the decoder is already correctly
// aligned, no bytes are consumed.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.offset+skip > d.end() {
		return io.ErrUnexpectedEOF
	}
	for _, b := range d.In[d.offset : d.offset+skip] {
		if b != 0 {
			return fmt.Errorf("non-zero padding byte at offset %d", d.offset)
		}
	}
	d.offset += skip
	return nil
}

// Read reads n bytes, with no framing or padding. The returned slice
// aliases In.
func (d *Decoder) Read(n int) ([]byte, error) {
	if n < 0 || d.offset+n > d.end() {
		return nil, io.ErrUnexpectedEOF
	}
	ret := d.In[d.offset : d.offset+n : d.offset+n]
	d.offset += n
	return ret, nil
}

// Bytes reads a DBus byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	bs, err := d.Read(int(ln))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), bs...), nil
}

// String reads a DBus string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

// Signature reads a DBus signature string.
func (d *Decoder) Signature() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	return d.terminated(int(ln))
}

func (d *Decoder) terminated(ln int) (string, error) {
	bs, err := d.Read(ln + 1)
	if err != nil {
		return "", err
	}
	if bs[ln] != 0 {
		return "", fmt.Errorf("string of length %d is missing its terminator", ln)
	}
	return string(bs[:ln]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. readElement must consume at least one byte per call,
// and cannot read beyond the end of the array data.
//
// Array returns the total number of array elements that were
// processed.
//
// align is the alignment of the array's element type, so that the
// decoder consumes array header padding appropriately even if the
// array contains no elements.
func (d *Decoder) Array(align int, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if err := d.Pad(align); err != nil {
		return 0, err
	}
	if ln == 0 {
		return 0, nil
	}
	arrayEnd := d.offset + int(ln)
	if arrayEnd > d.end() {
		return 0, io.ErrUnexpectedEOF
	}

	outerLimit, outerLimited := d.limit, d.limited
	d.limit, d.limited = arrayEnd, true
	defer func() {
		d.limit, d.limited = outerLimit, outerLimited
	}()

	idx := 0
	for d.offset < arrayEnd {
		before := d.offset
		if err := readElement(idx); err != nil {
			return idx, err
		}
		if d.offset == before {
			return idx, fmt.Errorf("array element %d consumed no data", idx)
		}
		idx++
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a DBus byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	o, ok := OrderForFlag(v)
	if !ok {
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	d.Order = o
	return nil
}
