package storage

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"slices"
	"strconv"
	"time"
)

// ValueKind tags the variant held by a Value. The numeric value of each kind
// is its encoding tag and must never change.
type ValueKind uint8

const (
	KindEmpty ValueKind = iota
	KindNull
	KindI8
	KindI16
	KindI32
	KindI64
	KindI128
	KindU8
	KindU16
	KindU32
	KindU64
	KindU128
	KindF32
	KindF64
	KindBool
	KindString
	KindUUID
	KindF32Array
	KindF64Array
	KindArray
	KindObject
)

var valueKindNames = [...]string{
	"empty", "null", "i8", "i16", "i32", "i64", "i128", "u8", "u16", "u32", "u64", "u128",
	"f32", "f64", "bool", "string", "uuid", "f32[]", "f64[]", "array", "object",
}

func (k ValueKind) String() string {
	if int(k) < len(valueKindNames) {
		return valueKindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a property value: a tagged union over integers of every width,
// floats, bool, string, UUID, float arrays, nested arrays and maps, null and
// Empty. Empty marks an absent property and is never stored.
//
// The zero Value is Empty.
type Value struct {
	kind ValueKind
	i    int64  // signed integers; high word of i128
	u    uint64 // unsigned integers; low word of i128/u128
	hi   uint64 // high word of u128
	f    float64
	s    string
	id   ID
	f32s []float32
	f64s []float64
	arr  []Value
	obj  map[string]Value
}

// Constructors.

func Empty() Value               { return Value{} }
func Null() Value                { return Value{kind: KindNull} }
func I8(v int8) Value            { return Value{kind: KindI8, i: int64(v)} }
func I16(v int16) Value          { return Value{kind: KindI16, i: int64(v)} }
func I32(v int32) Value          { return Value{kind: KindI32, i: int64(v)} }
func I64(v int64) Value          { return Value{kind: KindI64, i: v} }
func U8(v uint8) Value           { return Value{kind: KindU8, u: uint64(v)} }
func U16(v uint16) Value         { return Value{kind: KindU16, u: uint64(v)} }
func U32(v uint32) Value         { return Value{kind: KindU32, u: uint64(v)} }
func U64(v uint64) Value         { return Value{kind: KindU64, u: v} }
func F32(v float32) Value        { return Value{kind: KindF32, f: float64(v)} }
func F64(v float64) Value        { return Value{kind: KindF64, f: v} }
func Bool(v bool) Value          { return Value{kind: KindBool, u: boolBit(v)} }
func String(v string) Value      { return Value{kind: KindString, s: v} }
func UUID(v ID) Value            { return Value{kind: KindUUID, id: v} }
func F32Array(v []float32) Value { return Value{kind: KindF32Array, f32s: v} }
func F64Array(v []float64) Value { return Value{kind: KindF64Array, f64s: v} }
func Array(v ...Value) Value     { return Value{kind: KindArray, arr: v} }
func Object(v map[string]Value) Value {
	return Value{kind: KindObject, obj: v}
}

// I128 builds a signed 128-bit integer from its high and low words.
func I128(hi int64, lo uint64) Value { return Value{kind: KindI128, i: hi, u: lo} }

// U128 builds an unsigned 128-bit integer from its high and low words.
func U128(hi, lo uint64) Value { return Value{kind: KindU128, hi: hi, u: lo} }

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsEmpty reports whether v is the absent-property marker.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) isSigned() bool {
	return v.kind >= KindI8 && v.kind <= KindI64
}

func (v Value) isUnsigned() bool {
	return v.kind >= KindU8 && v.kind <= KindU64
}

// IsNumeric reports whether v holds an integer or float of any width.
func (v Value) IsNumeric() bool {
	return v.kind >= KindI8 && v.kind <= KindF64
}

// AsInt returns the value as int64 when it is an integer that fits.
func (v Value) AsInt() (int64, bool) {
	switch {
	case v.isSigned():
		return v.i, true
	case v.isUnsigned():
		if v.u > math.MaxInt64 {
			return 0, false
		}
		return int64(v.u), true
	case v.kind == KindI128:
		lo := int64(v.u)
		if (v.i == 0 && lo >= 0) || (v.i == -1 && lo < 0) {
			return lo, true
		}
	case v.kind == KindU128:
		if v.hi == 0 && v.u <= math.MaxInt64 {
			return int64(v.u), true
		}
	}
	return 0, false
}

// AsFloat returns any numeric value as float64.
func (v Value) AsFloat() (float64, bool) {
	switch {
	case v.kind == KindF32, v.kind == KindF64:
		return v.f, true
	case v.isSigned():
		return float64(v.i), true
	case v.isUnsigned():
		return float64(v.u), true
	case v.kind == KindI128, v.kind == KindU128:
		f, _ := new(big.Float).SetInt(v.bigInt()).Float64()
		return f, true
	}
	return 0, false
}

func (v Value) bigInt() *big.Int {
	hi := new(big.Int)
	if v.kind == KindI128 {
		hi.SetInt64(v.i)
	} else {
		hi.SetUint64(v.hi)
	}
	hi.Lsh(hi, 64)
	return hi.Add(hi, new(big.Int).SetUint64(v.u))
}

// AsString returns the string payload.
func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

// AsBool returns the bool payload.
func (v Value) AsBool() (bool, bool) {
	return v.u == 1, v.kind == KindBool
}

// AsTime reads a timestamp stored as Unix milliseconds or as an RFC3339
// string.
func (v Value) AsTime() (time.Time, bool) {
	if ms, ok := v.AsInt(); ok {
		return time.UnixMilli(ms), true
	}
	if f, ok := v.AsFloat(); ok {
		return time.UnixMilli(int64(f)), true
	}
	if s, ok := v.AsString(); ok {
		t, err := time.Parse(time.RFC3339Nano, s)
		return t, err == nil
	}
	return time.Time{}, false
}

// AsUUID returns the UUID payload.
func (v Value) AsUUID() (ID, bool) {
	return v.id, v.kind == KindUUID
}

// AsF32Array returns float arrays as []float32, converting f64 arrays.
func (v Value) AsF32Array() ([]float32, bool) {
	switch v.kind {
	case KindF32Array:
		return v.f32s, true
	case KindF64Array:
		out := make([]float32, len(v.f64s))
		for i, f := range v.f64s {
			out[i] = float32(f)
		}
		return out, true
	}
	return nil, false
}

// AsF64Array returns the f64 array payload.
func (v Value) AsF64Array() ([]float64, bool) {
	return v.f64s, v.kind == KindF64Array
}

// AsArray returns the nested array payload.
func (v Value) AsArray() ([]Value, bool) {
	return v.arr, v.kind == KindArray
}

// AsObject returns the nested map payload.
func (v Value) AsObject() (map[string]Value, bool) {
	return v.obj, v.kind == KindObject
}

// Equal reports deep equality, including the variant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindF32Array:
		return slices.Equal(v.f32s, o.f32s)
	case KindF64Array:
		return slices.Equal(v.f64s, o.f64s)
	case KindArray:
		return slices.EqualFunc(v.arr, o.arr, Value.Equal)
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, x := range v.obj {
			y, ok := o.obj[k]
			if !ok || !x.Equal(y) {
				return false
			}
		}
		return true
	}
	return v.i == o.i && v.u == o.u && v.hi == o.hi && v.f == o.f && v.s == o.s && v.id == o.id
}

// Compare orders values for sorting. Numbers compare numerically across
// widths; values of unrelated variants order by variant tag, with Empty and
// null first.
func Compare(a, b Value) int {
	if a.IsNumeric() && b.IsNumeric() {
		ai, aok := a.AsInt()
		bi, bok := b.AsInt()
		if aok && bok {
			return cmp.Compare(ai, bi)
		}
		af, _ := a.AsFloat()
		bf, _ := b.AsFloat()
		return cmp.Compare(af, bf)
	}
	if a.kind != b.kind {
		return cmp.Compare(a.kind, b.kind)
	}
	switch a.kind {
	case KindString:
		return cmp.Compare(a.s, b.s)
	case KindBool:
		return cmp.Compare(a.u, b.u)
	case KindUUID:
		return a.id.Compare(b.id)
	case KindArray:
		return slices.CompareFunc(a.arr, b.arr, Compare)
	case KindF32Array:
		return slices.Compare(a.f32s, b.f32s)
	case KindF64Array:
		return slices.Compare(a.f64s, b.f64s)
	}
	return 0
}

// String renders v for logs and errors.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return v.kind.String()
	}
	return string(b)
}

// Any converts v into plain Go values (the shape encoding/json produces).
func (v Value) Any() any {
	switch v.kind {
	case KindEmpty, KindNull:
		return nil
	case KindI8, KindI16, KindI32, KindI64:
		return v.i
	case KindU8, KindU16, KindU32, KindU64:
		return v.u
	case KindI128, KindU128:
		return v.bigInt().String()
	case KindF32, KindF64:
		return v.f
	case KindBool:
		return v.u == 1
	case KindString:
		return v.s
	case KindUUID:
		return v.id.String()
	case KindF32Array:
		return v.f32s
	case KindF64Array:
		return v.f64s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, x := range v.arr {
			out[i] = x.Any()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, x := range v.obj {
			out[k] = x.Any()
		}
		return out
	}
	return nil
}

// MarshalJSON renders v as natural JSON. Empty and null both become null.
func (v Value) MarshalJSON() ([]byte, error) {
	if (v.kind == KindF32 || v.kind == KindF64) && (math.IsNaN(v.f) || math.IsInf(v.f, 0)) {
		return []byte("null"), nil
	}
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes natural JSON: integral numbers become i64, other
// numbers f64, arrays and objects nest.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FromAny converts plain Go values (including decoded JSON) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return I64(int64(t)), nil
	case int8:
		return I8(t), nil
	case int16:
		return I16(t), nil
	case int32:
		return I32(t), nil
	case int64:
		return I64(t), nil
	case uint:
		return U64(uint64(t)), nil
	case uint8:
		return U8(t), nil
	case uint16:
		return U16(t), nil
	case uint32:
		return U32(t), nil
	case uint64:
		return U64(t), nil
	case float32:
		return F32(t), nil
	case float64:
		return F64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return I64(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrInvalidInput, t)
		}
		return F64(f), nil
	case ID:
		return UUID(t), nil
	case []float32:
		return F32Array(t), nil
	case []float64:
		return F64Array(t), nil
	case []any:
		arr := make([]Value, len(t))
		for i, e := range t {
			val, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			arr[i] = val
		}
		return Array(arr...), nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			val, err := FromAny(e)
			if err != nil {
				return Value{}, err
			}
			obj[k] = val
		}
		return Object(obj), nil
	}
	return Value{}, fmt.Errorf("%w: unsupported property type %T", ErrInvalidInput, x)
}

// Props converts a plain map into a property map.
func Props(m map[string]any) (map[string]Value, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]Value, len(m))
	for k, x := range m {
		v, err := FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
