package streambuf_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mollenos/valicore/internal/kernel/futex"
	"github.com/mollenos/valicore/internal/kernel/sched"
	"github.com/mollenos/valicore/internal/kernel/streambuf"
	"github.com/mollenos/valicore/pkg/config"
	kerrors "github.com/mollenos/valicore/pkg/errors"
	"github.com/mollenos/valicore/pkg/klog"
)

func newScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	cfg := config.DefaultBootConfig()
	cfg.CoreCount = 2
	cfg.QuantumBase = 5 * time.Millisecond
	s := sched.New(cfg, klog.Discard())
	t.Cleanup(s.Shutdown)
	return s
}

func TestWritePacketThenReadPacketByteExact(t *testing.T) {
	fx := futex.New()
	b, err := streambuf.New(64, fx)
	require.NoError(t, err)

	payload := []byte("hello ipc")
	require.NoError(t, b.WritePacket(payload, streambuf.NoBlock, nil, time.Time{}))

	got, err := b.ReadPacket(streambuf.NoBlock, nil, time.Time{})
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadPacketEmptyNonBlockingWouldBlock(t *testing.T) {
	fx := futex.New()
	b, err := streambuf.New(16, fx)
	require.NoError(t, err)

	_, err = b.ReadPacket(streambuf.NoBlock, nil, time.Time{})
	require.Equal(t, kerrors.WouldBlock, kerrors.CodeOf(err))
}

func TestWritePacketExactlyFillingRingSucceeds(t *testing.T) {
	fx := futex.New()
	b, err := streambuf.New(16, fx)
	require.NoError(t, err)

	// capacity 16, header 4 -> exactly 12 bytes of payload fills the ring.
	payload := make([]byte, 12)
	require.NoError(t, b.WritePacket(payload, streambuf.NoBlock, nil, time.Time{}))

	_, err = b.WritePacket([]byte{0x01}, streambuf.NoBlock, nil, time.Time{})
	require.Equal(t, kerrors.WouldBlock, kerrors.CodeOf(err))
}

func TestWritePacketBlocksUntilConsumerFreesSpace(t *testing.T) {
	s := newScheduler(t)
	fx := futex.New()
	b, err := streambuf.New(16, fx)
	require.NoError(t, err)

	payload := make([]byte, 12)
	require.NoError(t, b.WritePacket(payload, streambuf.NoBlock, nil, time.Time{}))

	writeErr := make(chan error, 1)
	th, err := s.Create(0, 1, func(t *sched.Thread) {
		writeErr <- b.WritePacket([]byte{0xAA}, 0, t, time.Time{})
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = b.ReadPacket(streambuf.NoBlock, nil, time.Time{})
	require.NoError(t, err)

	require.NoError(t, th.Join())
	require.NoError(t, <-writeErr)
}

func TestWritePacketDeadlineInPastTimesOutImmediately(t *testing.T) {
	s := newScheduler(t)
	fx := futex.New()
	b, err := streambuf.New(16, fx)
	require.NoError(t, err)

	payload := make([]byte, 12)
	require.NoError(t, b.WritePacket(payload, streambuf.NoBlock, nil, time.Time{}))

	done := make(chan error, 1)
	th, err := s.Create(0, 1, func(t *sched.Thread) {
		done <- b.WritePacket([]byte{0x01}, 0, t, time.Now().Add(-time.Second))
	})
	require.NoError(t, err)
	require.NoError(t, th.Join())
	require.Equal(t, kerrors.Timeout, kerrors.CodeOf(<-done))
}

func TestCancelWakesBlockedReader(t *testing.T) {
	s := newScheduler(t)
	fx := futex.New()
	b, err := streambuf.New(16, fx)
	require.NoError(t, err)

	done := make(chan error, 1)
	th, err := s.Create(0, 1, func(t *sched.Thread) {
		_, err := b.ReadPacket(0, t, time.Time{})
		done <- err
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	b.Cancel()

	require.NoError(t, th.Join())
	require.Equal(t, kerrors.Cancelled, kerrors.CodeOf(<-done))
}

func TestNewRejectsNonPowerOfTwoCapacity(t *testing.T) {
	_, err := streambuf.New(17, futex.New())
	require.Equal(t, kerrors.InvalidParameters, kerrors.CodeOf(err))
}
