package wsio

import "sync"

// DefaultPoolCap is the default free-list cap P.
const DefaultPoolCap = 1000

// PoolMetrics is a point-in-time snapshot of pool activity counters.
type PoolMetrics struct {
	Hits     uint64
	Misses   uint64
	Discards uint64
}

// Pool is a process-wide (or per-loop) free list of Buffer slabs. Acquire
// never blocks: an empty pool allocates fresh. Release is best-effort: a
// full pool frees the slab instead of keeping it. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	free    []*Buffer
	size    int
	cap     int
	hits    uint64
	misses  uint64
	discard uint64
}

// NewPool builds a pool of slabs sized bufSize, keeping at most cap idle
// slabs at a time.
func NewPool(bufSize, cap int) *Pool {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if cap < 0 {
		cap = 0
	}
	return &Pool{size: bufSize, cap: cap}
}

// Acquire removes a slab from the pool, or allocates a fresh one when the
// pool is empty. The returned buffer is cleared (empty readable window).
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		p.addMisses(1)
		return newBuffer(p.size)
	}
	buf := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	p.mu.Unlock()
	p.addHits(1)
	buf.Clear()
	return buf
}

// Release returns buf to the pool, or discards it if the pool is at cap.
// Releasing nil is a no-op.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	buf.Clear()
	p.mu.Lock()
	if len(p.free) < p.cap {
		p.free = append(p.free, buf)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.addDiscards(1)
}

// Len reports the current number of idle slabs held by the pool. Used by
// tests asserting the pool-cap invariant.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Metrics returns a snapshot of the pool's activity counters.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolMetrics{Hits: p.hits, Misses: p.misses, Discards: p.discard}
}

func (p *Pool) addHits(n uint64) {
	p.mu.Lock()
	p.hits += n
	p.mu.Unlock()
}

func (p *Pool) addMisses(n uint64) {
	p.mu.Lock()
	p.misses += n
	p.mu.Unlock()
}

func (p *Pool) addDiscards(n uint64) {
	p.mu.Lock()
	p.discard += n
	p.mu.Unlock()
}
