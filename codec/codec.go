// Package codec implements the wire encoding used to ship an argument
// value across a simulated rank boundary (see package world). It plays
// the role spec.md §6 assigns to a "data_descriptor": header/payload
// pack and unpack for an opaque per-type value.
package codec

import (
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

// Descriptor packs and unpacks values of type V for active-message
// transport. The default Descriptor (see Default) covers any
// msgpack-serializable type; callers needing a specialized wire format
// (e.g. a hand-rolled zero-copy layout for a trivially-copyable numeric
// type) may supply their own.
type Descriptor[V any] interface {
	// Pack encodes v into a self-delimiting byte payload.
	Pack(v V) ([]byte, error)
	// Unpack decodes a payload produced by Pack back into a V.
	Unpack(b []byte) (V, error)
}

// msgpackDescriptor is the default Descriptor, backed by
// github.com/vmihailenco/msgpack/v5.
type msgpackDescriptor[V any] struct{}

func (msgpackDescriptor[V]) Pack(v V) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (msgpackDescriptor[V]) Unpack(b []byte) (V, error) {
	var v V
	err := msgpack.Unmarshal(b, &v)
	return v, err
}

// Default returns the default Descriptor for V.
func Default[V any]() Descriptor[V] {
	return msgpackDescriptor[V]{}
}

// fixedWidthDescriptor implements the "trivially-copyable" fast path
// mentioned in spec.md §6: fixed-size numeric types are packed with
// encoding/binary rather than going through the general-purpose
// msgpack encoder, mirroring the memcpy default descriptor for
// trivially-copyable types.
type fixedWidthDescriptor[V any] struct {
	order binary.ByteOrder
}

func (d fixedWidthDescriptor[V]) Pack(v V) ([]byte, error) {
	buf := make([]byte, binary.Size(v))
	if err := binaryWrite(d.order, buf, v); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d fixedWidthDescriptor[V]) Unpack(b []byte) (V, error) {
	var v V
	err := binaryRead(d.order, b, &v)
	return v, err
}

func binaryWrite(order binary.ByteOrder, buf []byte, v interface{}) error {
	w := sliceWriter{buf: buf}
	return binary.Write(&w, order, v)
}

func binaryRead(order binary.ByteOrder, buf []byte, v interface{}) error {
	r := sliceReader{buf: buf}
	return binary.Read(&r, order, v)
}

// sliceWriter/sliceReader adapt a fixed byte slice to io.Writer/io.Reader
// without an extra allocation via bytes.Buffer.
type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n
	return n, nil
}

type sliceReader struct {
	buf []byte
	off int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.off:])
	r.off += n
	return n, nil
}

// FixedWidth returns a Descriptor for V using a fixed-width binary
// encoding (little-endian) suitable for trivially-copyable numeric
// types (V must have a fixed, reflect-computable size).
func FixedWidth[V any]() Descriptor[V] {
	return fixedWidthDescriptor[V]{order: binary.LittleEndian}
}
