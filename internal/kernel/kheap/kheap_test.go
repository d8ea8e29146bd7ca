package kheap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/kheap"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

func TestBuddyAllocateFreeCoalesces(t *testing.T) {
	b := kheap.NewBuddy(1 << 12)

	a1, err := b.Allocate(100)
	require.NoError(t, err)
	a2, err := b.Allocate(100)
	require.NoError(t, err)
	require.NotEqual(t, a1, a2)

	b.Free(a1)
	b.Free(a2)

	// The whole pool should be available again as one block.
	whole, err := b.Allocate(1 << 12)
	require.NoError(t, err)
	require.Zero(t, whole)
}

func TestBuddyOutOfMemory(t *testing.T) {
	b := kheap.NewBuddy(1 << 10)
	_, err := b.Allocate(1 << 11)
	require.Equal(t, kerrors.OutOfMemory, kerrors.CodeOf(err))

	_, err = b.Allocate(1 << 10)
	require.NoError(t, err)
	_, err = b.Allocate(64)
	require.Equal(t, kerrors.OutOfMemory, kerrors.CodeOf(err))
}

func TestCacheAllocateFreeReap(t *testing.T) {
	b := kheap.NewBuddy(1 << 20)
	c, err := kheap.NewCache(b, kheap.CacheOptions{Name: "test", Size: 64, MinCount: 4})
	require.NoError(t, err)

	objs := make([]uint64, 0, 4)
	for i := 0; i < 4; i++ {
		o, err := c.Allocate()
		require.NoError(t, err)
		objs = append(objs, o)
	}

	require.Equal(t, 0, c.Reap(), "no fully-free slab yet")

	for _, o := range objs {
		c.Free(o)
	}
	require.Equal(t, 1, c.Reap())
}

func TestCacheCtorDtorCalled(t *testing.T) {
	b := kheap.NewBuddy(1 << 16)
	var constructed, destructed []uint64
	c, err := kheap.NewCache(b, kheap.CacheOptions{
		Name: "ctor", Size: 32, MinCount: 2,
		Ctor: func(obj uint64) { constructed = append(constructed, obj) },
		Dtor: func(obj uint64) { destructed = append(destructed, obj) },
	})
	require.NoError(t, err)

	obj, err := c.Allocate()
	require.NoError(t, err)
	require.Equal(t, []uint64{obj}, constructed)

	c.Free(obj)
	require.Equal(t, []uint64{obj}, destructed)
}

func TestHeapKmallocRoutesBySize(t *testing.T) {
	h := kheap.NewHeap(1 << 20)

	small, err := h.Kmalloc(20)
	require.NoError(t, err)
	h.Kfree(small)

	large, err := h.Kmalloc(1 << 16)
	require.NoError(t, err)
	h.Kfree(large)
}

func TestKmallocZeroIsInvalid(t *testing.T) {
	h := kheap.NewHeap(1 << 16)
	_, err := h.Kmalloc(0)
	require.Equal(t, kerrors.InvalidParameters, kerrors.CodeOf(err))
}
