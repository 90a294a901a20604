// Package wire implements the primitive data encoding used throughout the
// SSH wire protocol: uint32, string, mpint, name-list and boolean, per
// RFC 4251 section 5.
//
// Copyright (c) 2017-2024 Russell Magee
// Licensed under the terms of the MIT license (see LICENSE.mit in this
// distribution)
package wire

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformed is returned (wrapped) whenever a length prefix would overrun
// the remaining buffer, or a buffer is too short for the primitive being
// decoded.
var ErrMalformed = errors.New("malformed message")

// Buffer is an growable byte buffer used to build outbound SSH payloads. It
// purposefully mirrors the shape of bytes.Buffer but only exposes the
// primitive writers this protocol needs, so call sites read as an ordered
// field list rather than ad-hoc byte slicing.
type Buffer struct {
	b []byte
}

// NewBuffer returns an empty encoding Buffer.
func NewBuffer() *Buffer { return &Buffer{} }

// Bytes returns the accumulated encoded bytes.
func (w *Buffer) Bytes() []byte { return w.b }

// Len returns the number of bytes written so far.
func (w *Buffer) Len() int { return len(w.b) }

// WriteByte appends a single byte.
func (w *Buffer) WriteByte(b byte) {
	w.b = append(w.b, b)
}

// WriteBool appends a boolean (single byte, 0 or 1).
func (w *Buffer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

// WriteUint32 appends a big-endian uint32.
func (w *Buffer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

// WriteUint64 appends a big-endian uint64.
func (w *Buffer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

// WriteRaw appends b verbatim, with no length prefix. Used for
// already-encoded trailing field regions (e.g. a CHANNEL_OPEN's
// type-specific fields) that the caller decoded as an opaque blob and is
// now re-emitting unchanged.
func (w *Buffer) WriteRaw(b []byte) {
	w.b = append(w.b, b...)
}

// WriteString appends an SSH "string": a uint32 length followed by the
// literal bytes. It is binary safe; UTF-8 interpretation is a caller
// concern, not a codec rule.
func (w *Buffer) WriteString(s []byte) {
	w.WriteUint32(uint32(len(s)))
	w.b = append(w.b, s...)
}

// WriteStringS is WriteString for a Go string.
func (w *Buffer) WriteStringS(s string) {
	w.WriteString([]byte(s))
}

// WriteNameList appends a comma-joined name-list as an SSH string. An empty
// slice encodes as an empty string.
func (w *Buffer) WriteNameList(names []string) {
	w.WriteStringS(strings.Join(names, ","))
}

// WriteMPInt appends a two's-complement mpint per RFC 4251 5.2: a leading
// 0x00 byte is prepended when the magnitude's MSB is set, to keep the value
// non-negative; zero encodes as an empty string. Negative values are not
// supported by this protocol subset (SSH mpints used here are always
// non-negative: DH public values, KEX shared secrets).
func (w *Buffer) WriteMPInt(n *big.Int) {
	if n.Sign() == 0 {
		w.WriteString(nil)
		return
	}
	b := n.Bytes()
	if b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	w.WriteString(b)
}

// Reader decodes the same primitive vocabulary Buffer encodes, failing with
// a wrapped ErrMalformed whenever a length prefix would overrun the
// remaining bytes.
type Reader struct {
	b   []byte
	pos int
}

// NewReader wraps b for sequential decoding.
func NewReader(b []byte) *Reader { return &Reader{b: b} }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.b) - r.pos }

// Rest returns (without consuming) all remaining undecoded bytes.
func (r *Reader) Rest() []byte { return r.b[r.pos:] }

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.b) {
		return errors.Wrapf(ErrMalformed, "need %d bytes, have %d", n, r.Len())
	}
	return nil
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.b[r.pos]
	r.pos++
	return b, nil
}

// ReadBool reads a boolean (any nonzero byte is true).
func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadUint32 reads a big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

// ReadUint64 reads a big-endian uint64.
func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadString reads an SSH "string": a uint32 length prefix followed by that
// many raw bytes. Fails with ErrMalformed if the length overruns the buffer.
func (r *Reader) ReadString() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	s := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return s, nil
}

// ReadStringS is ReadString returning a Go string.
func (r *Reader) ReadStringS() (string, error) {
	b, err := r.ReadString()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadNameList reads a name-list: an SSH string whose payload is a
// comma-separated sequence of printable US-ASCII names. An empty string
// decodes to an empty (non-nil) slice.
func (r *Reader) ReadNameList() ([]string, error) {
	s, err := r.ReadStringS()
	if err != nil {
		return nil, err
	}
	if s == "" {
		return []string{}, nil
	}
	return strings.Split(s, ","), nil
}

// ReadMPInt reads a two's-complement big-endian mpint. The empty-string
// encoding decodes to zero.
func (r *Reader) ReadMPInt() (*big.Int, error) {
	b, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}
