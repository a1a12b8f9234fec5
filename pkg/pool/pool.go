// Package pool provides object pooling and per-request arenas for MosaicDB.
//
// Object pooling reuses allocated buffers instead of creating new ones,
// reducing GC pressure on the hot read path (record encoding, key building,
// vector payload decoding).
//
// Pooled objects:
// - Byte buffers (record and key encoding)
// - Float32 slabs (vector payloads, backing Arena allocations)
//
// Usage:
//
//	buf := pool.GetByteBuffer()
//	defer pool.PutByteBuffer(buf)
//
//	buf = append(buf, key...)
package pool

import (
	"sync"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the capacity of buffers returned to a pool; larger
	// buffers are left to the garbage collector.
	MaxSize int
}

var globalConfig = PoolConfig{
	Enabled: true,
	MaxSize: 1 << 20,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	globalConfig = config
	initPools()
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

func initPools() {
	byteBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 1024)
			return &b
		},
	}
	float32SlabPool = sync.Pool{
		New: func() any {
			s := make([]float32, 0, slabFloats)
			return &s
		},
	}
}

// =============================================================================
// Byte Buffer Pool
// =============================================================================

var byteBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 1024)
		return &b
	},
}

// GetByteBuffer gets an empty byte buffer from the pool.
func GetByteBuffer() []byte {
	if !globalConfig.Enabled {
		return make([]byte, 0, 1024)
	}
	return (*byteBufferPool.Get().(*[]byte))[:0]
}

// PutByteBuffer returns a byte buffer to the pool.
func PutByteBuffer(buf []byte) {
	if !globalConfig.Enabled || buf == nil || cap(buf) > globalConfig.MaxSize {
		return
	}
	buf = buf[:0]
	byteBufferPool.Put(&buf)
}

// =============================================================================
// Float32 Slab Pool
// =============================================================================

const slabFloats = 16 * 1024

var float32SlabPool = sync.Pool{
	New: func() any {
		s := make([]float32, 0, slabFloats)
		return &s
	},
}

func getFloat32Slab() []float32 {
	if !globalConfig.Enabled {
		return make([]float32, 0, slabFloats)
	}
	return (*float32SlabPool.Get().(*[]float32))[:0]
}

func putFloat32Slab(s []float32) {
	if !globalConfig.Enabled || cap(s) != slabFloats {
		return
	}
	s = s[:0]
	float32SlabPool.Put(&s)
}
