package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeValue_RoundTripAllKinds(t *testing.T) {
	id := NewID()
	values := []Value{
		Null(), I8(-3), I16(-300), I32(-70000), I64(-1 << 40), I128(-1, 42),
		U8(3), U16(300), U32(70000), U64(1 << 40), U128(7, 9),
		F32(1.5), F64(-2.25), Bool(true), Bool(false),
		String(""), String("héllo"), UUID(id),
		F32Array([]float32{1, 2, 3}), F64Array([]float64{0.5}),
		Array(I32(1), String("x"), Array(Null())),
		Object(map[string]Value{"a": I64(1), "b": String("two")}),
	}
	for _, v := range values {
		t.Run(v.Kind().String(), func(t *testing.T) {
			enc, err := EncodeValue(v)
			require.NoError(t, err)
			got, n, err := DecodeValue(enc)
			require.NoError(t, err)
			assert.Equal(t, len(enc), n)
			assert.True(t, v.Equal(got), "want %v got %v", v, got)
		})
	}
}

func TestEncodeValue_EmptyRejected(t *testing.T) {
	_, err := EncodeValue(Empty())
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEncodeValue_PrefixFree(t *testing.T) {
	a, err := EncodeValue(String("ab"))
	require.NoError(t, err)
	b, err := EncodeValue(String("abc"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b[:len(a)])
}

func TestDecodeValue_Truncated(t *testing.T) {
	enc, err := EncodeValue(String("truncated"))
	require.NoError(t, err)
	_, _, err = DecodeValue(enc[:len(enc)-2])
	assert.ErrorIs(t, err, ErrDecode)
}

func TestRecords_LabelHeader(t *testing.T) {
	n := &Node{Label: "person", Version: 1, Properties: map[string]Value{"name": String("alice")}}
	rec, err := encodeNode(n)
	require.NoError(t, err)

	label, err := RecordLabel(rec)
	require.NoError(t, err)
	assert.Equal(t, "person", string(label))
	assert.True(t, HasLabel(rec, "person"))
	assert.False(t, HasLabel(rec, "persons"))

	id := NewID()
	got, err := decodeNode(id, rec)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	name, _ := got.Properties["name"].AsString()
	assert.Equal(t, "alice", name)
}

func TestRecords_EdgeRoundTrip(t *testing.T) {
	e := &Edge{Label: "knows", Version: 2, From: NewID(), To: NewID(), Unique: true}
	rec, err := encodeEdge(e)
	require.NoError(t, err)

	id := NewID()
	got, err := decodeEdge(id, rec)
	require.NoError(t, err)
	assert.Equal(t, e.From, got.From)
	assert.Equal(t, e.To, got.To)
	assert.True(t, got.Unique)
	assert.Equal(t, uint32(2), got.Version)
	assert.Nil(t, got.Properties)
}

func TestRecords_VectorDeletedFlag(t *testing.T) {
	v := &Vector{Label: "doc", Version: 1, Properties: map[string]Value{"k": I32(1)}}
	rec, err := encodeVectorMeta(v)
	require.NoError(t, err)

	off, err := vectorDeletedOffset(rec)
	require.NoError(t, err)
	assert.Equal(t, byte(0), rec[off])

	rec[off] = 1
	got, err := decodeVectorMeta(NewID(), rec)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestRecords_DoNotAliasScratchBuffers(t *testing.T) {
	first, err := encodeNode(&Node{Label: "person", Version: 1,
		Properties: map[string]Value{"name": String("alice")}})
	require.NoError(t, err)

	// Reuse the pooled scratch buffers several times over.
	for i := 0; i < 8; i++ {
		_, err := encodeEdge(&Edge{Label: "knows", Version: 1, From: NewID(), To: NewID()})
		require.NoError(t, err)
		_, err = encodeNode(&Node{Label: "zzzzzz", Version: 9})
		require.NoError(t, err)
	}

	got, err := decodeNode(NewID(), first)
	require.NoError(t, err)
	assert.Equal(t, "person", got.Label)
	name, _ := got.Properties["name"].AsString()
	assert.Equal(t, "alice", name)
}

func TestRecords_VersionOverflow(t *testing.T) {
	_, err := encodeNode(&Node{Label: "x", Version: 256})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindDuplicateKey, KindOf(ErrDuplicateKey))
	assert.Equal(t, KindVectorDeleted, KindOf(ErrVectorDeleted))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
	assert.Equal(t, Kind(""), KindOf(nil))
}
