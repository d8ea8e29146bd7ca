package ipc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/frame"
	"github.com/mollenos/valicore/internal/kernel/futex"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/ipc"
	"github.com/mollenos/valicore/internal/kernel/sched"
	"github.com/mollenos/valicore/internal/kernel/shm"
	"github.com/mollenos/valicore/internal/kernel/streambuf"
	"github.com/mollenos/valicore/internal/kernel/vmm"
	"github.com/mollenos/valicore/pkg/config"
	kerrors "github.com/mollenos/valicore/pkg/errors"
	"github.com/mollenos/valicore/pkg/klog"
)

func newHarness(t *testing.T) (*ipc.Manager, *handle.Table, *sched.Scheduler) {
	t.Helper()
	alloc := frame.New([]struct {
		Base  uint64
		Count uint64
	}{{Base: 0, Count: 256}})
	vmMgr := vmm.New(alloc, klog.Discard())
	handles, err := handle.New(klog.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = handles.Close() })

	shmMgr := shm.New(alloc, vmMgr, handles, klog.Discard())
	fx := futex.New()

	cfg := config.DefaultBootConfig()
	cfg.CoreCount = 2
	cfg.QuantumBase = 5 * time.Millisecond
	s := sched.New(cfg, klog.Discard())
	t.Cleanup(s.Shutdown)

	return ipc.New(alloc, shmMgr, handles, fx, klog.Discard()), handles, s
}

func TestSendThenRecvByteExactSenderPreserved(t *testing.T) {
	m, _, _ := newHarness(t)

	receiver, err := m.Create(4096, "/svc/test")
	require.NoError(t, err)

	const senderHandle = handle.ID(42)
	payload := make([]byte, 128)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, m.Send(context.Background(), receiver, senderHandle, payload, streambuf.NoBlock, nil, time.Time{}))

	from, got, err := m.Recv(receiver, streambuf.NoBlock, nil, time.Time{})
	require.NoError(t, err)
	require.Equal(t, senderHandle, from)
	require.Equal(t, payload, got)
}

func TestResolveByPath(t *testing.T) {
	m, _, _ := newHarness(t)

	ctx, err := m.Create(4096, "/svc/test")
	require.NoError(t, err)

	resolved, err := m.Resolve("/svc/test")
	require.NoError(t, err)
	require.Equal(t, ctx.ID, resolved.ID)
}

func TestRecvEmptyNonBlockingWouldBlock(t *testing.T) {
	m, _, _ := newHarness(t)
	ctx, err := m.Create(4096, "")
	require.NoError(t, err)

	_, _, err = m.Recv(ctx, streambuf.NoBlock, nil, time.Time{})
	require.Equal(t, kerrors.WouldBlock, kerrors.CodeOf(err))
}

func TestDestroyWakesBlockedReceiverCancelled(t *testing.T) {
	m, _, s := newHarness(t)
	ctx, err := m.Create(4096, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	th, err := s.Create(0, 1, func(thread *sched.Thread) {
		_, _, err := m.Recv(ctx, 0, thread, time.Time{})
		done <- err
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.Cancel(ctx)

	require.NoError(t, th.Join())
	require.Equal(t, kerrors.Cancelled, kerrors.CodeOf(<-done))
}
