package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool recycles byte slices in fixed size classes. The reactor takes
// its read buffer from it; the client takes one per exchange.
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

// Size classes: request heads, typical bodies, and full socket reads.
var defaultSizes = []int{
	512,
	4096,
	32768,
	131072,
}

// NewBytePool creates a pool with the default size classes.
func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes creates a pool with the given ascending size classes.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}
	for i, size := range sizes {
		size := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return bp
}

// Get returns a slice of length size. Sizes above the largest class are
// allocated and never pooled.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, class := range bp.sizes {
		if size <= class {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put returns buf to its class. Slices whose capacity matches no class are
// dropped.
func (bp *BytePool) Put(buf []byte) {
	c := cap(buf)
	for i, class := range bp.sizes {
		if c == class {
			buf = buf[:c]
			bp.pools[i].Put(&buf)
			bp.puts.Add(1)
			return
		}
	}
}

// BytePoolStats counts pool traffic.
type BytePoolStats struct {
	Gets   uint64
	Puts   uint64
	Misses uint64 // requests larger than every class
}

func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:   bp.gets.Load(),
		Puts:   bp.puts.Load(),
		Misses: bp.misses.Load(),
	}
}
