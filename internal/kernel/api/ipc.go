package api

import (
	"context"
	"time"

	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/ipc"
	"github.com/mollenos/valicore/internal/kernel/sched"
	"github.com/mollenos/valicore/internal/kernel/streambuf"
)

// IPCContextCreate allocates a mailbox for p, optionally registering it
// under a path in p's own handle table (spec §6 ipc_context_create).
func (k *Kernel) IPCContextCreate(p *Process, capacity uint32, path string) (*ipc.Context, error) {
	return p.IPC.Create(capacity, path)
}

// IPCSend frames payload behind sender and enqueues it on target, retrying
// a transiently busy ring (spec §6 ipc_send).
func (k *Kernel) IPCSend(ctx context.Context, p *Process, target *ipc.Context, sender handle.ID, payload []byte, opts streambuf.Options, t *sched.Thread, deadline time.Time) error {
	return p.IPC.Send(ctx, target, sender, payload, opts, t, deadline)
}

// IPCRecv dequeues the next packet from ctx, returning its sender handle
// and payload (spec §6 ipc_recv).
func (k *Kernel) IPCRecv(p *Process, ctx *ipc.Context, opts streambuf.Options, t *sched.Thread, deadline time.Time) (handle.ID, []byte, error) {
	return p.IPC.Recv(ctx, opts, t, deadline)
}

// IPCResolve looks up a mailbox registered under path.
func (k *Kernel) IPCResolve(p *Process, path string) (*ipc.Context, error) {
	return p.IPC.Resolve(path)
}
