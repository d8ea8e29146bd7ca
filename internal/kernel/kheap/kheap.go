// Package kheap implements the kernel heap (spec §4.3, C3): a binary-buddy
// pool for power-of-two page-backed allocations, and slab caches for
// fixed-size small objects on top of it.
package kheap

import (
	"math/bits"
	"sync"

	kerrors "github.com/mollenos/valicore/pkg/errors"
)

const (
	minBuddyOrder = 6  // 2^6 = 64 bytes, spec's stated floor
	maxBuddyOrder = 21 // 2 MiB ceiling for a single buddy block in this model
)

// Buddy is the page-backed power-of-two allocator beneath the slab caches.
type Buddy struct {
	mu sync.Mutex

	poolSize  uint64
	used      map[uint64]int // offset -> order, for allocated (non-free) blocks
	freeLists [maxBuddyOrder + 1][]uint64
}

func (b *Buddy) lock()   { b.mu.Lock() }
func (b *Buddy) unlock() { b.mu.Unlock() }

// NewBuddy creates a pool of poolSize bytes (rounded up to a power of two
// capped at 2^maxBuddyOrder).
func NewBuddy(poolSize uint64) *Buddy {
	order := orderFor(poolSize)
	if order > maxBuddyOrder {
		order = maxBuddyOrder
	}
	size := uint64(1) << order
	b := &Buddy{poolSize: size, used: make(map[uint64]int)}
	b.freeLists[order] = append(b.freeLists[order], 0)
	return b
}

func orderFor(size uint64) int {
	if size <= (1 << minBuddyOrder) {
		return minBuddyOrder
	}
	order := bits.Len64(size - 1)
	if order < minBuddyOrder {
		order = minBuddyOrder
	}
	return order
}

// Allocate returns the byte offset of a block of at least size bytes.
func (b *Buddy) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, kerrors.Newf(kerrors.InvalidParameters, "buddy: size must be > 0")
	}
	order := orderFor(size)
	if order > maxBuddyOrder {
		return 0, kerrors.Newf(kerrors.InvalidParameters, "buddy: size %d exceeds pool block limit", size)
	}

	b.lock()
	defer b.unlock()

	found := -1
	for o := order; o <= maxBuddyOrder; o++ {
		if len(b.freeLists[o]) > 0 {
			found = o
			break
		}
	}
	if found == -1 {
		return 0, kerrors.Newf(kerrors.OutOfMemory, "buddy: no block satisfies order %d", order)
	}

	n := len(b.freeLists[found]) - 1
	offset := b.freeLists[found][n]
	b.freeLists[found] = b.freeLists[found][:n]

	// Split down to the requested order, pushing each buddy half back onto
	// the free list at its own order.
	for o := found; o > order; o-- {
		half := uint64(1) << (o - 1)
		buddy := offset + half
		b.freeLists[o-1] = append(b.freeLists[o-1], buddy)
	}

	b.used[offset] = order
	return offset, nil
}

// Free returns a previously allocated offset to the pool, coalescing with
// its buddy where possible.
func (b *Buddy) Free(offset uint64) {
	b.lock()
	defer b.unlock()

	order, ok := b.used[offset]
	if !ok {
		return
	}
	delete(b.used, offset)

	cur := offset
	for order < maxBuddyOrder {
		buddyOffset := cur ^ (uint64(1) << order)
		idx := -1
		for i, o := range b.freeLists[order] {
			if o == buddyOffset {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		b.freeLists[order] = append(b.freeLists[order][:idx], b.freeLists[order][idx+1:]...)
		if buddyOffset < cur {
			cur = buddyOffset
		}
		order++
	}
	b.freeLists[order] = append(b.freeLists[order], cur)
}

// Cache is a slab cache of fixed-size objects (spec §4.3 cache_create()).
type Cache struct {
	mu sync.Mutex

	name      string
	objSize   uint64
	align     uint64
	minCount  int
	userspace bool
	ctor, dtor func(obj uint64)

	buddy    *Buddy
	slabSize uint64

	// free holds object offsets (within the buddy pool's address space)
	// ready for cache_allocate; live tracks outstanding allocations so
	// cache_reap can tell when a whole slab is free.
	free []uint64
	live map[uint64]bool
	// slabs maps a slab's base offset to the object offsets it contains,
	// so a fully-free slab can be identified and returned to the buddy pool.
	slabs map[uint64][]uint64
}

// CacheOptions configures cache_create (spec §4.3).
type CacheOptions struct {
	Name      string
	Size      uint64
	Align     uint64
	MinCount  int
	Userspace bool
	Ctor, Dtor func(obj uint64)
}

// NewCache creates a slab cache backed by buddy.
func NewCache(buddy *Buddy, opts CacheOptions) (*Cache, error) {
	if opts.Size == 0 {
		return nil, kerrors.Newf(kerrors.InvalidParameters, "cache_create: size must be > 0")
	}
	align := opts.Align
	if align == 0 {
		align = 8
	}
	minCount := opts.MinCount
	if minCount <= 0 {
		minCount = 8
	}
	objSize := alignUp(opts.Size, align)

	c := &Cache{
		name: opts.Name, objSize: objSize, align: align, minCount: minCount,
		userspace: opts.Userspace, ctor: opts.Ctor, dtor: opts.Dtor,
		buddy: buddy, live: make(map[uint64]bool), slabs: make(map[uint64][]uint64),
	}
	c.slabSize = objSize * uint64(minCount)
	return c, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func (c *Cache) growSlab() error {
	base, err := c.buddy.Allocate(c.slabSize)
	if err != nil {
		return err
	}
	var objs []uint64
	for off := uint64(0); off+c.objSize <= c.slabSize; off += c.objSize {
		obj := base + off
		objs = append(objs, obj)
		c.free = append(c.free, obj)
	}
	c.slabs[base] = objs
	return nil
}

// Allocate returns one object's offset, growing the cache if it's empty.
func (c *Cache) Allocate() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.free) == 0 {
		if err := c.growSlab(); err != nil {
			return 0, err
		}
	}
	n := len(c.free) - 1
	obj := c.free[n]
	c.free = c.free[:n]
	c.live[obj] = true
	if c.ctor != nil {
		c.ctor(obj)
	}
	return obj, nil
}

// Free returns obj to the cache's free list.
func (c *Cache) Free(obj uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.live[obj] {
		return
	}
	if c.dtor != nil {
		c.dtor(obj)
	}
	delete(c.live, obj)
	c.free = append(c.free, obj)
}

// Reap releases every slab whose objects are all free, returning the number
// of pages (buddy blocks) reclaimed (spec §4.3 cache_reap()).
func (c *Cache) Reap() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	reclaimed := 0
	for base, objs := range c.slabs {
		allFree := true
		for _, o := range objs {
			if c.live[o] {
				allFree = false
				break
			}
		}
		if !allFree {
			continue
		}
		freeSet := make(map[uint64]bool, len(objs))
		for _, o := range objs {
			freeSet[o] = true
		}
		kept := c.free[:0]
		for _, o := range c.free {
			if !freeSet[o] {
				kept = append(kept, o)
			}
		}
		c.free = kept
		delete(c.slabs, base)
		c.buddy.Free(base)
		reclaimed++
	}
	return reclaimed
}

// Destroy flushes the cache's outstanding free objects back to the buddy
// pool (spec §4.3 "per-CPU magazine caches are flushed on cache destroy";
// this model has no per-CPU magazines, so Destroy plays that role directly).
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for base := range c.slabs {
		c.buddy.Free(base)
	}
	c.slabs = make(map[uint64][]uint64)
	c.free = nil
	c.live = make(map[uint64]bool)
}

// Heap is the kmalloc()/kfree() front-end that routes to the smallest
// fitting fixed cache or to the buddy pool directly for large sizes.
type Heap struct {
	mu      sync.Mutex
	buddy   *Buddy
	tiers   []uint64 // ascending object sizes with a dedicated cache
	caches  map[uint64]*Cache
	large   map[uint64]uint64 // obj offset -> size, for buddy-direct allocations
}

// defaultTiers mirrors common slab-size ladders (16B .. 2KiB) used by
// general-purpose kmalloc-style allocators.
var defaultTiers = []uint64{16, 32, 64, 128, 256, 512, 1024, 2048}

// NewHeap builds a kmalloc/kfree front-end over a fresh buddy pool sized to
// poolSize bytes.
func NewHeap(poolSize uint64) *Heap {
	buddy := NewBuddy(poolSize)
	h := &Heap{buddy: buddy, tiers: defaultTiers, caches: make(map[uint64]*Cache), large: make(map[uint64]uint64)}
	for _, size := range h.tiers {
		c, _ := NewCache(buddy, CacheOptions{Name: "kmalloc", Size: size})
		h.caches[size] = c
	}
	return h
}

// Kmalloc allocates size bytes, routing to the smallest tier cache that
// fits, or to the buddy pool directly for large sizes.
func (h *Heap) Kmalloc(size uint64) (uint64, error) {
	if size == 0 {
		return 0, kerrors.Newf(kerrors.InvalidParameters, "kmalloc: size must be > 0")
	}
	for _, tier := range h.tiers {
		if size <= tier {
			return h.caches[tier].Allocate()
		}
	}
	off, err := h.buddy.Allocate(size)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.large[off] = size
	h.mu.Unlock()
	return off, nil
}

// Kfree releases an object previously returned by Kmalloc.
func (h *Heap) Kfree(obj uint64) {
	h.mu.Lock()
	_, isLarge := h.large[obj]
	delete(h.large, obj)
	h.mu.Unlock()
	if isLarge {
		h.buddy.Free(obj)
		return
	}
	for _, tier := range h.tiers {
		h.caches[tier].Free(obj)
	}
}
