package pool

// Arena is a per-request bump allocator.
//
// A request allocates its scratch memory (encoded keys, vector payloads)
// from its arena and hands every slab back with a single Release when the
// request completes. Slices handed out by an Arena must not be retained after
// Release.
//
// An Arena is owned by exactly one request and is not safe for concurrent use.
// A nil *Arena is valid and falls back to ordinary heap allocation.
type Arena struct {
	bytes     []byte
	byteSlabs [][]byte

	floats     []float32
	floatSlabs [][]float32

	allocated int
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Bytes returns a zeroed byte slice of length n.
func (a *Arena) Bytes(n int) []byte {
	if a == nil || n > globalConfig.MaxSize/4 {
		return make([]byte, n)
	}
	if cap(a.bytes)-len(a.bytes) < n {
		buf := GetByteBuffer()
		if cap(buf) < n {
			buf = make([]byte, 0, max(n, 1024))
		}
		a.byteSlabs = append(a.byteSlabs, buf)
		a.bytes = buf
	}
	start := len(a.bytes)
	a.bytes = a.bytes[:start+n]
	out := a.bytes[start : start+n : start+n]
	clear(out)
	a.allocated += n
	return out
}

// Float32s returns a zeroed float32 slice of length n.
func (a *Arena) Float32s(n int) []float32 {
	if a == nil || n > slabFloats {
		return make([]float32, n)
	}
	if cap(a.floats)-len(a.floats) < n {
		slab := getFloat32Slab()
		a.floatSlabs = append(a.floatSlabs, slab)
		a.floats = slab
	}
	start := len(a.floats)
	a.floats = a.floats[:start+n]
	out := a.floats[start : start+n : start+n]
	clear(out)
	a.allocated += n * 4
	return out
}

// Allocated reports the number of bytes handed out since the last Release.
func (a *Arena) Allocated() int {
	if a == nil {
		return 0
	}
	return a.allocated
}

// Release returns every slab to the shared pools and resets the arena.
func (a *Arena) Release() {
	if a == nil {
		return
	}
	for _, b := range a.byteSlabs {
		PutByteBuffer(b)
	}
	for _, f := range a.floatSlabs {
		putFloat32Slab(f)
	}
	a.bytes, a.byteSlabs = nil, nil
	a.floats, a.floatSlabs = nil, nil
	a.allocated = 0
}
