// Package ipc implements the per-process IPC context and gracht-framed RPC
// dispatch (spec §4.11, C11): a stream-buffer-backed mailbox, addressed by
// handle ID or global path, carrying length-prefixed sender-tagged packets.
//
// Grounded on original_source/librt/libos/ipc.c's IPCContextCreate (allocate
// a stream-buffer, optionally register a path) and IPCContextRecv (frame as
// sender handle + payload, non-blocking via a streambuffer option flag), and
// on the teacher's internal/intake/worker.go for the bounded-backoff retry
// idiom reused here for a transiently contended send.
package ipc

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/mollenos/valicore/internal/kernel/frame"
	"github.com/mollenos/valicore/internal/kernel/futex"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/ipc/netdbg"
	"github.com/mollenos/valicore/internal/kernel/sched"
	"github.com/mollenos/valicore/internal/kernel/shm"
	"github.com/mollenos/valicore/internal/kernel/streambuf"
	kerrors "github.com/mollenos/valicore/pkg/errors"
)

// Type is the handle.Type an IPC context is registered under.
const Type handle.Type = 0x495043 // "IPC"

// senderHandleSize is the width of the sender handle prefix every framed
// packet carries (spec §3 "IPC context": "[16-bit length][sender-handle]
// [payload]" — this model widens the sender field to a full handle.ID so
// it round-trips exactly instead of truncating to 16 bits).
const senderHandleSize = 8

// Context is one process's IPC mailbox: a stream-buffer ring exported as a
// shared-memory handle, plus the context's own handle for addressing and
// activity marking.
type Context struct {
	ID    handle.ID // this context's own handle, marked active on delivery
	SHMID handle.ID // the backing shm buffer's handle

	ring *streambuf.Buffer
}

// readyBit is the activity bit MarkActivity sets on a context's own handle
// when a packet is waiting (spec §4.4/§4.11's "marks the target's context
// handle active").
const readyBit uint64 = 1

// Manager owns every IPC context and dispatches RPC requests.
type Manager struct {
	mu       sync.RWMutex
	frames   *frame.Allocator
	shm      *shm.Manager
	handles  *handle.Table
	futex    *futex.Futex
	log      logr.Logger
	contexts map[handle.ID]*Context
	exporter *netdbg.Exporter
}

// New builds a Manager over the given frame allocator, SHM manager, handle
// table, and futex hub.
func New(frames *frame.Allocator, shmMgr *shm.Manager, handles *handle.Table, fx *futex.Futex, log logr.Logger) *Manager {
	return &Manager{
		frames:   frames,
		shm:      shmMgr,
		handles:  handles,
		futex:    fx,
		log:      log,
		contexts: make(map[handle.ID]*Context),
	}
}

// SetExporter attaches a netdbg exporter that every subsequent Send call
// mirrors its frame to, for an external observer to trace over gRPC
// without the kernel itself depending on anything beyond this package.
func (m *Manager) SetExporter(e *netdbg.Exporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exporter = e
}

// Create allocates a stream-buffer of capacity bytes, exports it as a
// shared-memory handle, and registers the resulting context under an
// optional path in this Manager's handle table (spec §4.11,
// ipc_context_create()). capacity must be
// a power of two.
func (m *Manager) Create(capacity uint32, path string) (*Context, error) {
	pages := (uint64(capacity) + frame.PageSize - 1) / frame.PageSize
	if pages == 0 {
		pages = 1
	}
	frames, err := m.frames.Allocate(int(pages), frame.MaskAny)
	if err != nil {
		return nil, err
	}

	shmID, err := m.shm.Export(frames, uint64(capacity), shm.Read|shm.Write)
	if err != nil {
		m.frames.Free(frames)
		return nil, err
	}

	ring, err := streambuf.New(capacity, m.futex)
	if err != nil {
		return nil, err
	}

	ctx := &Context{SHMID: shmID, ring: ring}
	ctx.ID = m.handles.Create(Type, ctx, m.destroy)

	if path != "" {
		if err := m.handles.SetPath(ctx.ID, path); err != nil {
			_ = m.handles.Destroy(ctx.ID)
			return nil, err
		}
	}

	m.mu.Lock()
	m.contexts[ctx.ID] = ctx
	m.mu.Unlock()
	return ctx, nil
}

func (m *Manager) destroy(payload any) {
	ctx := payload.(*Context)
	ctx.ring.Cancel()
	_ = m.handles.Destroy(ctx.SHMID)
	m.mu.Lock()
	delete(m.contexts, ctx.ID)
	m.mu.Unlock()
}

func (m *Manager) lookup(id handle.ID) (*Context, error) {
	m.mu.RLock()
	ctx, ok := m.contexts[id]
	m.mu.RUnlock()
	if !ok {
		return nil, kerrors.Newf(kerrors.NotFound, "ipc: no context for handle %d", id)
	}
	return ctx, nil
}

// Resolve returns the context registered at path (spec's path addressing,
// resolved through the handle path map, §4.4/§4.11).
func (m *Manager) Resolve(path string) (*Context, error) {
	id, err := m.handles.FindByPath(path)
	if err != nil {
		return nil, err
	}
	return m.lookup(id)
}

// Send frames (senderHandle, payload) and writes it into target's ring,
// then marks target's own handle active so a blocked receiver wakes (spec
// §4.11 "Sending"). A transient write-window contention (streambuf.Busy)
// is retried with bounded backoff per SPEC_FULL's C11 domain-stack entry;
// a hard deadline still wins even across retries.
func (m *Manager) Send(ctx context.Context, target *Context, sender handle.ID, payload []byte, opts streambuf.Options, t *sched.Thread, deadline time.Time) error {
	framed := make([]byte, senderHandleSize+len(payload))
	binary.LittleEndian.PutUint64(framed, uint64(sender))
	copy(framed[senderHandleSize:], payload)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		werr := target.ring.WritePacket(framed, opts, t, deadline)
		if werr == nil {
			return struct{}{}, nil
		}
		if kerrors.IsRetryable(werr) {
			return struct{}{}, werr // retryable: backoff.Retry retries non-permanent errors
		}
		return struct{}{}, backoff.Permanent(werr)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(8))
	if err != nil {
		return unwrapPermanent(err)
	}

	m.mu.RLock()
	exporter := m.exporter
	m.mu.RUnlock()
	if exporter != nil {
		exporter.Capture(uint64(target.ID), payload)
	}

	return m.handles.MarkActivity(target.ID, readyBit)
}

// unwrapPermanent strips backoff's wrapping so callers see the original
// KernelError and its Code.
func unwrapPermanent(err error) error {
	var kerr *kerrors.KernelError
	if kerrors.As(err, &kerr) {
		return kerr
	}
	return err
}

// Recv reads one packet addressed to ctx, returning the sender's handle and
// the payload (spec §4.11 IPCContextRecv). Blocks unless opts carries
// streambuf.NoBlock.
func (m *Manager) Recv(ctx *Context, opts streambuf.Options, t *sched.Thread, deadline time.Time) (handle.ID, []byte, error) {
	framed, err := ctx.ring.ReadPacket(opts, t, deadline)
	if err != nil {
		return 0, nil, err
	}
	if len(framed) < senderHandleSize {
		return 0, nil, kerrors.Newf(kerrors.Incomplete, "ipc: packet shorter than sender-handle prefix")
	}
	sender := handle.ID(binary.LittleEndian.Uint64(framed))
	return sender, framed[senderHandleSize:], nil
}

// Cancel marks ctx inactive and wakes every waiter blocked on it with
// Cancelled (spec §4.11 "Cancellation").
func (m *Manager) Cancel(ctx *Context) {
	ctx.ring.Cancel()
}
