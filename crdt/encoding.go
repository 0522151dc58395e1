package crdt

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// The framing primitives below are the only integer and byte-array encoding
// used anywhere on the wire: unsigned integers are variable-length (LEB128
// as produced by encoding/binary), byte arrays and strings are preceded by
// their length as such an integer. Package comm builds its frame envelope
// from these same primitives.

// Functions

// AppendUvarint appends v to buf as a variable-length unsigned integer.
func AppendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(buf, v)
}

// AppendBytes appends p to buf preceded by its length.
func AppendBytes(buf []byte, p []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(p)))
	return append(buf, p...)
}

// AppendString appends s to buf as a length-prefixed UTF-8 byte array.
func AppendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// Structs

// Reader decodes a buffer written with the Append* functions. The first
// failed read poisons the reader so callers may check the error once after
// a sequence of reads.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader wraps b for decoding. The reader does not copy b; byte slices
// it returns alias the underlying buffer.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Uvarint decodes the next variable-length unsigned integer.
func (r *Reader) Uvarint() (uint64, error) {

	if r.err != nil {
		return 0, r.err
	}

	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.err = fmt.Errorf("truncated or oversized uvarint at offset %d", r.off)
		return 0, r.err
	}

	r.off += n

	return v, nil
}

// Byte decodes a single raw byte.
func (r *Reader) Byte() (byte, error) {

	if r.err != nil {
		return 0, r.err
	}

	if r.off >= len(r.buf) {
		r.err = fmt.Errorf("truncated buffer at offset %d, expected one more byte", r.off)
		return 0, r.err
	}

	b := r.buf[r.off]
	r.off++

	return b, nil
}

// Bytes decodes a length-prefixed byte array.
func (r *Reader) Bytes() ([]byte, error) {

	n, err := r.Uvarint()
	if err != nil {
		return nil, err
	}

	if uint64(len(r.buf)-r.off) < n {
		r.err = fmt.Errorf("byte array of length %d exceeds remaining buffer of %d", n, len(r.buf)-r.off)
		return nil, r.err
	}

	p := r.buf[r.off : r.off+int(n)]
	r.off += int(n)

	return p, nil
}

// String decodes a length-prefixed UTF-8 string. Invalid UTF-8 is rejected
// so malformed peers cannot smuggle broken runes into text containers.
func (r *Reader) String() (string, error) {

	p, err := r.Bytes()
	if err != nil {
		return "", err
	}

	if !utf8.Valid(p) {
		r.err = fmt.Errorf("string at offset %d is not valid UTF-8", r.off-len(p))
		return "", r.err
	}

	return string(p), nil
}

// Len returns the number of undecoded bytes left.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Err returns the first decode error encountered, if any.
func (r *Reader) Err() error {
	return r.err
}
