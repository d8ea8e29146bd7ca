// Package frame implements the physical frame allocator (spec §4.1, C1): it
// owns all simulated RAM and hands out aligned page frames partitioned into
// DMA-mask buckets, tracking per-frame reference counts.
package frame

import (
	"sort"
	"sync"

	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// PageSize is the frame size in bytes (4 KiB on both 32- and 64-bit targets;
// spec §3 notes optional super-pages are a C2 mapping concern, not a C1 one).
const PageSize = 4096

// Number identifies a physical frame by its page number (physical address / PageSize).
type Number uint64

// Mask constrains allocation to frames reachable by a given DMA engine,
// narrowest first, per spec §4.1.
type Mask int

const (
	// MaskISA restricts to the first 1 MiB (legacy ISA DMA).
	MaskISA Mask = iota
	// Mask16 restricts to the first 16 MiB (classic ISA bus-master DMA).
	Mask16
	// Mask32 restricts to the first 4 GiB (32-bit capable controllers).
	Mask32
	// MaskAny places no constraint on the frame's address.
	MaskAny
)

// bucketCeilings gives the exclusive upper page-number bound for each mask,
// in increasing order; MaskAny has no ceiling.
var bucketCeilings = map[Mask]uint64{
	MaskISA: (1 << 20) / PageSize,
	Mask16:  (16 << 20) / PageSize,
	Mask32:  (4 << 30) / PageSize,
}

// Region owns one contiguous run of physical RAM, e.g. one spec.config.MemoryRegion.
type Region struct {
	mu   sync.Mutex
	base Number
	// buckets[m] holds free frames whose page number is below bucketCeilings[m]
	// and at or above the previous (narrower) bucket's ceiling; MaskAny holds
	// everything else. A bucket is omitted (nil) when the region's RAM isn't
	// covered by that mask at all, per spec §4.1 ("at most five buckets").
	buckets map[Mask][]Number
	refs    map[Number]*int32
}

func newRegion(base Number, count uint64) *Region {
	r := &Region{
		base:    base,
		buckets: make(map[Mask][]Number),
		refs:    make(map[Number]*int32, count),
	}
	for i := uint64(0); i < count; i++ {
		pfn := base + Number(i)
		r.refs[pfn] = new(int32)
		r.buckets[bucketOf(pfn)] = append(r.buckets[bucketOf(pfn)], pfn)
	}
	return r
}

func bucketOf(pfn Number) Mask {
	for _, m := range []Mask{MaskISA, Mask16, Mask32} {
		if uint64(pfn) < bucketCeilings[m] {
			return m
		}
	}
	return MaskAny
}

// Allocator owns one or more physical regions and serves allocation requests
// across them (spec §4.1).
type Allocator struct {
	regions []*Region

	// contentMu guards the simulated physical memory backing each frame, used
	// by C2's COW resolution to prove byte-exact copy semantics (spec §8
	// scenario 3) without this package needing to know about page tables.
	contentMu sync.RWMutex
	content   map[Number][]byte
}

// New builds an Allocator over the given (base, count) physical ranges.
func New(regions []struct {
	Base  uint64
	Count uint64
}) *Allocator {
	a := &Allocator{content: make(map[Number][]byte)}
	for _, r := range regions {
		a.regions = append(a.regions, newRegion(Number(r.Base), r.Count))
	}
	return a
}

// ReadFrame returns a copy of pfn's simulated physical bytes (zero-filled if
// never written).
func (a *Allocator) ReadFrame(pfn Number) []byte {
	a.contentMu.RLock()
	defer a.contentMu.RUnlock()
	buf := make([]byte, PageSize)
	copy(buf, a.content[pfn])
	return buf
}

// WriteFrame overwrites pfn's simulated physical bytes with data (truncated
// or zero-padded to PageSize).
func (a *Allocator) WriteFrame(pfn Number, data []byte) {
	a.contentMu.Lock()
	defer a.contentMu.Unlock()
	buf := make([]byte, PageSize)
	copy(buf, data)
	a.content[pfn] = buf
}

// compatibleBuckets returns the buckets that satisfy mask, widest first,
// so allocation prefers exhausting the most constrained pool last.
func compatibleBuckets(mask Mask) []Mask {
	switch mask {
	case MaskISA:
		return []Mask{MaskISA}
	case Mask16:
		return []Mask{Mask16, MaskISA}
	case Mask32:
		return []Mask{Mask32, Mask16, MaskISA}
	default:
		return []Mask{MaskAny, Mask32, Mask16, MaskISA}
	}
}

// Allocate returns count frames each satisfying mask, each initialized to a
// refcount of 1. It is O(count). Returns InvalidParameters for count == 0,
// OutOfMemory if no region can satisfy the request.
func (a *Allocator) Allocate(count int, mask Mask) ([]Number, error) {
	if count <= 0 {
		return nil, kerrors.Newf(kerrors.InvalidParameters, "allocate: count must be > 0, got %d", count)
	}

	out := make([]Number, 0, count)
	for _, region := range a.regions {
		region.mu.Lock()
		for _, bucket := range compatibleBuckets(mask) {
			frames := region.buckets[bucket]
			for len(frames) > 0 && len(out) < count {
				n := len(frames) - 1
				pfn := frames[n]
				frames = frames[:n]
				*region.refs[pfn] = 1
				out = append(out, pfn)
			}
			region.buckets[bucket] = frames
			if len(out) == count {
				break
			}
		}
		region.mu.Unlock()
		if len(out) == count {
			return out, nil
		}
	}

	// Partial allocation must be rolled back: free what we took before failing.
	if len(out) > 0 {
		a.Free(out)
	}
	return nil, kerrors.Newf(kerrors.OutOfMemory, "allocate: could not satisfy %d frames under mask %d", count, mask)
}

// AllocateContiguous serves a best-effort physically-contiguous run of count
// frames under mask, required by SHM "device" buffers (spec §4.9).
func (a *Allocator) AllocateContiguous(count int, mask Mask) ([]Number, error) {
	if count <= 0 {
		return nil, kerrors.Newf(kerrors.InvalidParameters, "allocate: count must be > 0, got %d", count)
	}
	for _, region := range a.regions {
		region.mu.Lock()
		for _, bucket := range compatibleBuckets(mask) {
			frames := append([]Number(nil), region.buckets[bucket]...)
			sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
			for i := 0; i+count <= len(frames); i++ {
				contiguous := true
				for j := 1; j < count; j++ {
					if frames[i+j] != frames[i]+Number(j) {
						contiguous = false
						break
					}
				}
				if !contiguous {
					continue
				}
				run := append([]Number(nil), frames[i:i+count]...)
				region.removeFromBucket(bucket, run)
				for _, pfn := range run {
					*region.refs[pfn] = 1
				}
				region.mu.Unlock()
				return run, nil
			}
		}
		region.mu.Unlock()
	}
	return nil, kerrors.Newf(kerrors.OutOfMemory, "allocate: no contiguous run of %d frames under mask %d", count, mask)
}

func (r *Region) removeFromBucket(bucket Mask, remove []Number) {
	toRemove := make(map[Number]bool, len(remove))
	for _, n := range remove {
		toRemove[n] = true
	}
	kept := r.buckets[bucket][:0]
	for _, n := range r.buckets[bucket] {
		if !toRemove[n] {
			kept = append(kept, n)
		}
	}
	r.buckets[bucket] = kept
}

// Free returns frames to their originating region's free list. Frames whose
// refcount is still positive are ignored by IncRef/DecRef bookkeeping; Free
// unconditionally returns the frame regardless of refcount, mirroring a final
// destructor call once a handle's last holder has released it.
func (a *Allocator) Free(frames []Number) {
	for _, pfn := range frames {
		region := a.regionFor(pfn)
		if region == nil {
			continue
		}
		region.mu.Lock()
		*region.refs[pfn] = 0
		region.buckets[bucketOf(pfn)] = append(region.buckets[bucketOf(pfn)], pfn)
		region.mu.Unlock()
	}
}

// IncRef adds one to the frame's reference count (a new mapping to it).
func (a *Allocator) IncRef(pfn Number) {
	region := a.regionFor(pfn)
	if region == nil {
		return
	}
	region.mu.Lock()
	defer region.mu.Unlock()
	if ref, ok := region.refs[pfn]; ok {
		*ref++
	}
}

// DecRef drops one reference; when it reaches zero the frame returns to its
// region's free list and DecRef reports true.
func (a *Allocator) DecRef(pfn Number) bool {
	region := a.regionFor(pfn)
	if region == nil {
		return false
	}
	region.mu.Lock()
	defer region.mu.Unlock()
	ref, ok := region.refs[pfn]
	if !ok {
		return false
	}
	*ref--
	if *ref <= 0 {
		*ref = 0
		region.buckets[bucketOf(pfn)] = append(region.buckets[bucketOf(pfn)], pfn)
		return true
	}
	return false
}

// RefCount reports the live reference count of pfn, for invariant checks.
func (a *Allocator) RefCount(pfn Number) int32 {
	region := a.regionFor(pfn)
	if region == nil {
		return 0
	}
	region.mu.Lock()
	defer region.mu.Unlock()
	if ref, ok := region.refs[pfn]; ok {
		return *ref
	}
	return 0
}

// Contains reports whether pfn belongs to any region owned by a.
func (a *Allocator) Contains(pfn Number) bool {
	return a.regionFor(pfn) != nil
}

func (a *Allocator) regionFor(pfn Number) *Region {
	for _, region := range a.regions {
		if _, ok := region.refs[pfn]; ok {
			return region
		}
	}
	return nil
}

// FreeCount returns the number of currently-free frames across all regions,
// used by the handle-destruction-cascade test (spec §8 scenario 5).
func (a *Allocator) FreeCount() int {
	n := 0
	for _, region := range a.regions {
		region.mu.Lock()
		for _, bucket := range region.buckets {
			n += len(bucket)
		}
		region.mu.Unlock()
	}
	return n
}
