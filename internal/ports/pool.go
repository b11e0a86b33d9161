// Package ports manages the global port range from which each container
// receives an exclusive block for its lifetime. Allocation and release are
// serialized; blocks held by live containers are always disjoint.
package ports

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted indicates no contiguous block of the requested size is free.
// It is fatal for the current attempt; capacity frees up when containers
// are removed.
var ErrExhausted = errors.New("port pool exhausted")

// Block is a contiguous run of ports reserved for one container.
type Block struct {
	Base  int
	Count int
}

// Ports expands the block into the individual port numbers.
func (b Block) Ports() []int {
	out := make([]int, b.Count)
	for i := range out {
		out[i] = b.Base + i
	}
	return out
}

func (b Block) String() string {
	if b.Count == 0 {
		return "[]"
	}
	return fmt.Sprintf("[%d-%d]", b.Base, b.Base+b.Count-1)
}

// Pool hands out disjoint port blocks from a fixed range. Construct one
// instance and inject it; it is safe for concurrent use.
type Pool struct {
	mu    sync.Mutex
	base  int
	count int
	used  map[int]bool // port offset -> allocated
}

// NewPool creates a pool over [base, base+count).
func NewPool(base, count int) (*Pool, error) {
	if base <= 0 || count <= 0 || base+count-1 > 65535 {
		return nil, fmt.Errorf("invalid port range [%d, %d)", base, base+count)
	}
	return &Pool{base: base, count: count, used: make(map[int]bool)}, nil
}

// Allocate reserves a contiguous block of n ports.
func (p *Pool) Allocate(n int) (Block, error) {
	if n <= 0 {
		return Block{}, fmt.Errorf("allocate %d ports: size must be positive", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	run := 0
	for off := 0; off < p.count; off++ {
		if p.used[off] {
			run = 0
			continue
		}
		run++
		if run == n {
			start := off - n + 1
			for i := start; i <= off; i++ {
				p.used[i] = true
			}
			return Block{Base: p.base + start, Count: n}, nil
		}
	}
	return Block{}, fmt.Errorf("allocate %d ports: %w", n, ErrExhausted)
}

// Release returns a block to the pool. Releasing ports that are not
// currently allocated is an error: it indicates double release or a block
// from a different pool.
func (p *Pool) Release(b Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < b.Count; i++ {
		off := b.Base - p.base + i
		if off < 0 || off >= p.count || !p.used[off] {
			return fmt.Errorf("release %s: port %d is not allocated from this pool", b, b.Base+i)
		}
	}
	for i := 0; i < b.Count; i++ {
		delete(p.used, b.Base-p.base+i)
	}
	return nil
}

// Reserve marks a specific block as allocated. Used when re-adopting
// containers that survived a manager restart; fails if any port of the
// block is outside the range or already held.
func (p *Pool) Reserve(b Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < b.Count; i++ {
		off := b.Base - p.base + i
		if off < 0 || off >= p.count {
			return fmt.Errorf("reserve %s: port %d outside pool range", b, b.Base+i)
		}
		if p.used[off] {
			return fmt.Errorf("reserve %s: port %d already allocated", b, b.Base+i)
		}
	}
	for i := 0; i < b.Count; i++ {
		p.used[b.Base-p.base+i] = true
	}
	return nil
}

// Free reports how many ports are currently unallocated.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count - len(p.used)
}
