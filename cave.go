package hookcave

import (
	"sync"

	"github.com/pkg/errors"
)

// Allocator hands out executable space in the target for trampoline code.
type Allocator interface {
	Alloc(size int) (uintptr, error)
	// Release returns everything this allocator handed out. For a shared
	// cave this drops one reference; backing bytes are only restored when
	// the last reference is gone.
	Release() error
}

// PageAllocator backs every request with fresh executable pages. Each hook
// owns its allocations and they are freed individually on release.
type PageAllocator struct {
	io MemoryIO

	mu    sync.Mutex
	addrs []uintptr
}

func NewPageAllocator(io MemoryIO) *PageAllocator {
	return &PageAllocator{io: io}
}

func (a *PageAllocator) Alloc(size int) (uintptr, error) {
	if size <= 0 {
		return 0, errors.Errorf("bad allocation size %d", size)
	}
	addr, err := a.io.Allocate(size)
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	a.addrs = append(a.addrs, addr)
	a.mu.Unlock()
	return addr, nil
}

func (a *PageAllocator) Release() error {
	a.mu.Lock()
	addrs := a.addrs
	a.addrs = nil
	a.mu.Unlock()

	var firstErr error
	for _, addr := range addrs {
		if err := a.io.Free(addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SharedCave repurposes a bounded byte range inside an existing, rarely
// invoked function of the target. On first use the original bytes are saved
// and the range is zero-filled; hooks then carve allocations off a cursor.
// The original bytes come back only when the last referencing hook releases.
//
// Cursor space from an individually released hook is not reclaimed; only
// the final release resets the cursor. Caves are small and short-lived, and
// reclaiming would let a later hook overwrite a still-live trampoline.
type SharedCave struct {
	io       MemoryIO
	base     uintptr
	capacity int

	prepMu   sync.Mutex
	prepared bool
	original []byte

	mu        sync.Mutex
	cursor    int
	instances int
}

func NewSharedCave(io MemoryIO, base uintptr, capacity int) *SharedCave {
	return &SharedCave{io: io, base: base, capacity: capacity}
}

func (c *SharedCave) Base() uintptr { return c.base }

func (c *SharedCave) Capacity() int { return c.capacity }

// Instances reports how many hooks currently reference the cave.
func (c *SharedCave) Instances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances
}

// Ref returns an Allocator view for one hook. The hook is counted as an
// instance from its first successful Alloc until Release.
func (c *SharedCave) Ref() Allocator {
	return &caveRef{cave: c}
}

// prepare saves the original bytes and zero-fills the cave. Single-flight:
// concurrent first allocations from multiple hooks serialize here.
func (c *SharedCave) prepare() error {
	c.prepMu.Lock()
	defer c.prepMu.Unlock()
	if c.prepared {
		return nil
	}

	original, err := c.io.ReadBytes(c.base, c.capacity)
	if err != nil {
		return errors.WithMessage(err, "saving cave original bytes")
	}
	// zero-fill so stale instructions can't collide with trampolines
	if err := c.io.WriteBytes(c.base, make([]byte, c.capacity)); err != nil {
		return errors.WithMessage(err, "zero-filling cave")
	}
	c.original = original
	c.prepared = true
	return nil
}

func (c *SharedCave) alloc(size int) (uintptr, error) {
	if size <= 0 {
		return 0, errors.Errorf("bad allocation size %d", size)
	}
	if err := c.prepare(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursor+size > c.capacity {
		return 0, &CaveExhaustedError{Requested: size, Cursor: c.cursor, Capacity: c.capacity}
	}
	addr := c.base + uintptr(c.cursor)
	c.cursor += size
	return addr, nil
}

func (c *SharedCave) addInstance() {
	c.mu.Lock()
	c.instances++
	c.mu.Unlock()
}

// dropInstance decrements the refcount and, when it reaches zero, restores
// the original bytes and resets the cursor. The restore write happens
// outside the lock; no other hook references the cave at that point.
func (c *SharedCave) dropInstance() error {
	c.mu.Lock()
	c.instances--
	last := c.instances == 0
	if !last {
		c.mu.Unlock()
		return nil
	}
	original := c.original
	c.cursor = 0
	c.mu.Unlock()

	c.prepMu.Lock()
	c.prepared = false
	c.original = nil
	c.prepMu.Unlock()

	if original == nil {
		return nil
	}
	return errors.WithMessage(c.io.WriteBytes(c.base, original), "restoring cave bytes")
}

type caveRef struct {
	cave *SharedCave

	mu     sync.Mutex
	active bool
}

func (r *caveRef) Alloc(size int) (uintptr, error) {
	addr, err := r.cave.alloc(size)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	if !r.active {
		r.active = true
		r.cave.addInstance()
	}
	r.mu.Unlock()
	return addr, nil
}

func (r *caveRef) Release() error {
	r.mu.Lock()
	wasActive := r.active
	r.active = false
	r.mu.Unlock()
	if !wasActive {
		return nil
	}
	return r.cave.dropInstance()
}
