package optimize

import (
	"sync"
	"sync/atomic"
)

// BytePool recycles byte slices of one fixed size, used for canvas planes
// and PCM frames that are allocated on every tick.
type BytePool struct {
	pool  sync.Pool
	size  int
	news  atomic.Int64
	reuse atomic.Int64
}

// NewBytePool creates a pool handing out slices of len size.
func NewBytePool(size int) *BytePool {
	p := &BytePool{size: size}
	p.pool.New = func() interface{} {
		p.news.Add(1)
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a slice whose contents are undefined.
func (p *BytePool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	return (*bp)[:p.size]
}

// GetZeroed returns a cleared slice.
func (p *BytePool) GetZeroed() []byte {
	b := p.Get()
	clear(b)
	return b
}

// Put hands b back. Slices smaller than the pool size are discarded.
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	p.reuse.Add(1)
	b = b[:p.size]
	p.pool.Put(&b)
}

func (p *BytePool) Size() int {
	return p.size
}

// Stats reports how many slices were allocated and how many were returned.
func (p *BytePool) Stats() (allocated, returned int64) {
	return p.news.Load(), p.reuse.Load()
}
