package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/orneryd/mosaicdb/pkg/pool"
)

// Binary encoding
//
// Every value is a one-byte kind tag followed by a fixed-width little-endian
// payload; strings, arrays and maps carry a u64 length prefix. The encoding is
// prefix-free, which makes an encoded value usable as a secondary-index key
// and as a scan prefix.
//
// Records start with a u64 little-endian label length and the label bytes so
// the label can be compared without decoding the rest:
//
//	node:   label | u8 version | u8 hasProps | props
//	edge:   label | u8 version | from[16] | to[16] | u8 unique | u8 hasProps | props
//	vector: label | u8 version | u8 deleted | u8 hasProps | props

// AppendValue appends the encoding of v to buf. Empty cannot be encoded.
func AppendValue(buf []byte, v Value) ([]byte, error) {
	buf = append(buf, byte(v.kind))
	switch v.kind {
	case KindEmpty:
		return nil, fmt.Errorf("%w: cannot encode an empty value", ErrInvalidInput)
	case KindNull:
	case KindI8:
		buf = append(buf, byte(int8(v.i)))
	case KindI16:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(int16(v.i)))
	case KindI32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v.i)))
	case KindI64:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.i))
	case KindI128:
		buf = binary.LittleEndian.AppendUint64(buf, v.u)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v.i))
	case KindU8:
		buf = append(buf, byte(v.u))
	case KindU16:
		buf = binary.LittleEndian.AppendUint16(buf, uint16(v.u))
	case KindU32:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v.u))
	case KindU64:
		buf = binary.LittleEndian.AppendUint64(buf, v.u)
	case KindU128:
		buf = binary.LittleEndian.AppendUint64(buf, v.u)
		buf = binary.LittleEndian.AppendUint64(buf, v.hi)
	case KindF32:
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v.f)))
	case KindF64:
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.f))
	case KindBool:
		buf = append(buf, byte(v.u))
	case KindString:
		buf = appendString(buf, v.s)
	case KindUUID:
		buf = append(buf, v.id[:]...)
	case KindF32Array:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(v.f32s)))
		for _, f := range v.f32s {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
	case KindF64Array:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(v.f64s)))
		for _, f := range v.f64s {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
		}
	case KindArray:
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(v.arr)))
		for _, e := range v.arr {
			var err error
			if buf, err = AppendValue(buf, e); err != nil {
				return nil, err
			}
		}
	case KindObject:
		var err error
		if buf, err = appendProps(buf, v.obj); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown value kind %d", ErrInvalidInput, v.kind)
	}
	return buf, nil
}

// EncodeValue returns the encoding of v.
func EncodeValue(v Value) ([]byte, error) {
	return AppendValue(nil, v)
}

// DecodeValue decodes one value and returns the number of bytes consumed.
func DecodeValue(b []byte) (Value, int, error) {
	d := decoder{buf: b}
	v := d.value(0)
	return v, d.off, d.err
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

// appendProps writes a map as u64 count + (key, value) pairs in key order.
// Empty values are skipped.
func appendProps(buf []byte, props map[string]Value) ([]byte, error) {
	keys := make([]string, 0, len(props))
	for k, v := range props {
		if !v.IsEmpty() {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		var err error
		if buf, err = AppendValue(buf, props[k]); err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
	}
	return buf, nil
}

const maxNesting = 64

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: %s at offset %d", ErrDecode, fmt.Sprintf(format, args...), d.off)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.fail("need %d bytes, have %d", n, len(d.buf)-d.off)
		return nil
	}
	out := d.buf[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// count reads a u64 length and bounds it by the remaining bytes.
func (d *decoder) count(elemSize int) int {
	n := d.u64()
	if d.err != nil {
		return 0
	}
	if n > uint64(len(d.buf)-d.off)/uint64(max(elemSize, 1)) {
		d.fail("length %d exceeds record", n)
		return 0
	}
	return int(n)
}

func (d *decoder) str() string {
	n := d.count(1)
	return string(d.take(n))
}

func (d *decoder) id() ID {
	var id ID
	if b := d.take(16); b != nil {
		copy(id[:], b)
	}
	return id
}

func (d *decoder) value(depth int) Value {
	if depth > maxNesting {
		d.fail("nesting deeper than %d", maxNesting)
		return Value{}
	}
	kind := ValueKind(d.u8())
	if d.err != nil {
		return Value{}
	}
	switch kind {
	case KindNull:
		return Null()
	case KindI8:
		return I8(int8(d.u8()))
	case KindI16:
		return I16(int16(d.u16()))
	case KindI32:
		return I32(int32(d.u32()))
	case KindI64:
		return I64(int64(d.u64()))
	case KindI128:
		lo := d.u64()
		return I128(int64(d.u64()), lo)
	case KindU8:
		return U8(d.u8())
	case KindU16:
		return U16(d.u16())
	case KindU32:
		return U32(d.u32())
	case KindU64:
		return U64(d.u64())
	case KindU128:
		lo := d.u64()
		return U128(d.u64(), lo)
	case KindF32:
		return F32(math.Float32frombits(d.u32()))
	case KindF64:
		return F64(math.Float64frombits(d.u64()))
	case KindBool:
		b := d.u8()
		if b > 1 {
			d.fail("bool byte %d", b)
		}
		return Bool(b == 1)
	case KindString:
		return String(d.str())
	case KindUUID:
		return UUID(d.id())
	case KindF32Array:
		n := d.count(4)
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(d.u32())
		}
		return F32Array(out)
	case KindF64Array:
		n := d.count(8)
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(d.u64())
		}
		return F64Array(out)
	case KindArray:
		n := d.count(1)
		out := make([]Value, 0, n)
		for range n {
			out = append(out, d.value(depth+1))
			if d.err != nil {
				return Value{}
			}
		}
		return Array(out...)
	case KindObject:
		return Object(d.props(depth + 1))
	}
	d.fail("unknown value kind %d", kind)
	return Value{}
}

func (d *decoder) props(depth int) map[string]Value {
	n := d.count(9)
	out := make(map[string]Value, n)
	for range n {
		k := d.str()
		v := d.value(depth)
		if d.err != nil {
			return nil
		}
		out[k] = v
	}
	return out
}

func (d *decoder) optionalProps() map[string]Value {
	switch d.u8() {
	case 0:
		return nil
	case 1:
		return d.props(0)
	default:
		d.fail("bad property marker")
		return nil
	}
}

func (d *decoder) done() {
	if d.err == nil && d.off != len(d.buf) {
		d.fail("%d trailing bytes", len(d.buf)-d.off)
	}
}

// =============================================================================
// Records
// =============================================================================

func appendHeader(buf []byte, label string, version uint32) ([]byte, error) {
	if version > math.MaxUint8 {
		return nil, fmt.Errorf("%w: schema version %d exceeds 255", ErrInvalidInput, version)
	}
	buf = appendString(buf, label)
	return append(buf, byte(version)), nil
}

func appendOptionalProps(buf []byte, props map[string]Value) ([]byte, error) {
	if props == nil {
		return append(buf, 0), nil
	}
	return appendProps(append(buf, 1), props)
}

// RecordLabel returns the label bytes of a record without decoding the rest.
func RecordLabel(rec []byte) ([]byte, error) {
	if len(rec) < 8 {
		return nil, fmt.Errorf("%w: record shorter than label header", ErrDecode)
	}
	n := binary.LittleEndian.Uint64(rec)
	if n > uint64(len(rec)-8) {
		return nil, fmt.Errorf("%w: label length %d exceeds record", ErrDecode, n)
	}
	return rec[8 : 8+n], nil
}

// HasLabel reports whether rec starts with label.
func HasLabel(rec []byte, label string) bool {
	l, err := RecordLabel(rec)
	return err == nil && bytes.Equal(l, []byte(label))
}

// encodeRecord builds a record in a pooled scratch buffer and returns a copy.
// Badger holds written values until commit, so the scratch buffer never
// leaves this function.
func encodeRecord(build func(buf []byte) ([]byte, error)) ([]byte, error) {
	buf, err := build(pool.GetByteBuffer())
	if err != nil {
		return nil, err
	}
	rec := bytes.Clone(buf)
	pool.PutByteBuffer(buf)
	return rec, nil
}

func encodeNode(n *Node) ([]byte, error) {
	return encodeRecord(func(buf []byte) ([]byte, error) {
		buf, err := appendHeader(buf, n.Label, n.Version)
		if err != nil {
			return nil, err
		}
		return appendOptionalProps(buf, n.Properties)
	})
}

func decodeNode(id ID, rec []byte) (*Node, error) {
	d := decoder{buf: rec}
	n := &Node{ID: id, Label: d.str(), Version: uint32(d.u8())}
	n.Properties = d.optionalProps()
	d.done()
	if d.err != nil {
		return nil, fmt.Errorf("node %s: %w", id, d.err)
	}
	return n, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return encodeRecord(func(buf []byte) ([]byte, error) {
		buf, err := appendHeader(buf, e.Label, e.Version)
		if err != nil {
			return nil, err
		}
		buf = append(buf, e.From[:]...)
		buf = append(buf, e.To[:]...)
		buf = append(buf, byte(boolBit(e.Unique)))
		return appendOptionalProps(buf, e.Properties)
	})
}

func decodeEdge(id ID, rec []byte) (*Edge, error) {
	d := decoder{buf: rec}
	e := &Edge{ID: id, Label: d.str(), Version: uint32(d.u8())}
	e.From = d.id()
	e.To = d.id()
	e.Unique = d.u8() == 1
	e.Properties = d.optionalProps()
	d.done()
	if d.err != nil {
		return nil, fmt.Errorf("edge %s: %w", id, d.err)
	}
	return e, nil
}

func encodeVectorMeta(v *Vector) ([]byte, error) {
	return encodeRecord(func(buf []byte) ([]byte, error) {
		buf, err := appendHeader(buf, v.Label, v.Version)
		if err != nil {
			return nil, err
		}
		buf = append(buf, byte(boolBit(v.Deleted)))
		return appendOptionalProps(buf, v.Properties)
	})
}

func decodeVectorMeta(id ID, rec []byte) (*Vector, error) {
	d := decoder{buf: rec}
	v := &Vector{ID: id, Label: d.str(), Version: uint32(d.u8())}
	v.Deleted = d.u8() == 1
	v.Properties = d.optionalProps()
	d.done()
	if d.err != nil {
		return nil, fmt.Errorf("vector %s: %w", id, d.err)
	}
	return v, nil
}

// vectorDeletedOffset locates the deleted flag so a tombstone check or flip
// touches a single byte.
func vectorDeletedOffset(rec []byte) (int, error) {
	label, err := RecordLabel(rec)
	if err != nil {
		return 0, err
	}
	off := 8 + len(label) + 1
	if off >= len(rec) {
		return 0, fmt.Errorf("%w: vector record truncated", ErrDecode)
	}
	return off, nil
}

func encodeFloats(data []float32) []byte {
	buf := make([]byte, 0, len(data)*4)
	for _, f := range data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// decodeFloats decodes a packed payload into dst when it has room.
func decodeFloats(raw []byte, dst []float32) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: vector payload of %d bytes", ErrDecode, len(raw))
	}
	n := len(raw) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return dst, nil
}
