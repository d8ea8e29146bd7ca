package shm_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/frame"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/shm"
	"github.com/mollenos/valicore/internal/kernel/vmm"
	kerrors "github.com/mollenos/valicore/pkg/errors"
	"github.com/mollenos/valicore/pkg/klog"
)

func newHarness(t *testing.T) (*shm.Manager, *vmm.Manager, *frame.Allocator, *handle.Table, *vmm.Space) {
	t.Helper()
	alloc := frame.New([]struct {
		Base  uint64
		Count uint64
	}{{Base: 0, Count: 256}})
	vmMgr := vmm.New(alloc, klog.Discard())
	handles, err := handle.New(klog.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = handles.Close() })

	mgr := shm.New(alloc, vmMgr, handles, klog.Discard())
	space, err := vmMgr.Create(vmm.KindApplication, nil)
	require.NoError(t, err)
	return mgr, vmMgr, alloc, handles, space
}

func TestCreateAttachDetachDestroyReturnsAllFrames(t *testing.T) {
	mgr, vmMgr, frames, handles, space := newHarness(t)
	before := frames.FreeCount()

	id, _, err := mgr.Create(space, 3*frame.PageSize, 0, shm.Read|shm.Write)
	require.NoError(t, err)
	require.Less(t, frames.FreeCount(), before)

	other, err := vmMgr.Create(vmm.KindApplication, nil)
	require.NoError(t, err)
	_, err = mgr.Attach(id, other, shm.Read)
	require.NoError(t, err)

	require.NoError(t, mgr.Detach(id, space))
	require.NoError(t, mgr.Detach(id, other))
	require.NoError(t, handles.Destroy(id))

	require.Equal(t, before, frames.FreeCount())
}

func TestCreateZeroSizeRejected(t *testing.T) {
	mgr, _, _, _, space := newHarness(t)
	_, _, err := mgr.Create(space, 0, 0, shm.Read)
	require.Equal(t, kerrors.InvalidParameters, kerrors.CodeOf(err))
}

func TestDeviceBufferIsContiguous(t *testing.T) {
	mgr, _, _, _, space := newHarness(t)
	id, _, err := mgr.Create(space, 4*frame.PageSize, shm.Device, shm.Read|shm.Write)
	require.NoError(t, err)

	contig, err := mgr.IsContiguous(id)
	require.NoError(t, err)
	require.True(t, contig)

	sg, err := mgr.GetSGTable(id)
	require.NoError(t, err)
	require.Len(t, sg, 1)
	require.Equal(t, uint64(4*frame.PageSize), sg[0].Length)
}

func TestSGTableOffsetLocatesFragment(t *testing.T) {
	mgr, _, _, _, space := newHarness(t)
	id, _, err := mgr.Create(space, 2*frame.PageSize, shm.Device, shm.Read)
	require.NoError(t, err)

	idx, intra, err := mgr.SGTableOffset(id, frame.PageSize+10)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	require.Equal(t, uint64(frame.PageSize+10), intra)
}

func TestAttachPermissionIsIntersection(t *testing.T) {
	mgr, vmMgr, _, _, space := newHarness(t)
	id, _, err := mgr.Create(space, frame.PageSize, 0, shm.Read)
	require.NoError(t, err)

	other, err := vmMgr.Create(vmm.KindApplication, nil)
	require.NoError(t, err)
	addr, err := mgr.Attach(id, other, shm.Read|shm.Write)
	require.NoError(t, err)

	flags, _, err := vmMgr.Query(other, addr)
	require.NoError(t, err)
	require.Zero(t, flags&vmm.Writable, "a read-only buffer must not map writable")
}
