// Package api exposes the kernel's syscall surface (spec §6) as a Go API:
// one method per syscall, taking a *Process/*sched.Thread context instead
// of trapping from ring 3, with type-asserted request/response values
// instead of a register ABI. It is the seam a user-space runtime (or, in
// this tree, a test) calls through instead of issuing int 0x80.
//
// Kernel aggregates every component (C1-C13); Process is the per-process
// context a syscall acts on, grounded on the same "small struct of already-
// built subsystem handles" shape cmd/main.go wires its manager's runnables
// through.
package api

import (
	"github.com/go-logr/logr"

	"github.com/mollenos/valicore/internal/kernel/frame"
	"github.com/mollenos/valicore/internal/kernel/futex"
	"github.com/mollenos/valicore/internal/kernel/handle"
	"github.com/mollenos/valicore/internal/kernel/handleset"
	"github.com/mollenos/valicore/internal/kernel/intr"
	"github.com/mollenos/valicore/internal/kernel/ipc"
	"github.com/mollenos/valicore/internal/kernel/ipc/netdbg"
	"github.com/mollenos/valicore/internal/kernel/loader"
	"github.com/mollenos/valicore/internal/kernel/sched"
	"github.com/mollenos/valicore/internal/kernel/shm"
	"github.com/mollenos/valicore/internal/kernel/timebase"
	"github.com/mollenos/valicore/internal/kernel/vmm"
	"github.com/mollenos/valicore/pkg/config"
)

// Kernel owns every subsystem a syscall might touch. One instance is built
// at boot and shared by every process.
type Kernel struct {
	Frames   *frame.Allocator
	VMM      *vmm.Manager
	Sched    *sched.Scheduler
	Futex    *futex.Futex
	Sync     *futex.GlobalRegistry
	Timebase *timebase.Timebase
	Deferred *intr.DeferredQueue
	Intr     *intr.Controller
	SHM      *shm.Manager
	HSets    *handleset.Manager
	Loader   *loader.Manager
	Netdbg   *netdbg.Exporter

	log     logr.Logger
	nextPID uint64
}

// New wires every C1-C13 component over a fresh frame allocator built from
// cfg's memory map, the same construction order cmd/valikernd's boot
// sequence drives each stage through.
func New(cfg config.BootConfig, resolver loader.Resolver, log logr.Logger) (*Kernel, error) {
	regions := make([]struct {
		Base  uint64
		Count uint64
	}, len(cfg.MemoryMap))
	for i, r := range cfg.MemoryMap {
		regions[i] = struct {
			Base  uint64
			Count uint64
		}{Base: r.BasePage, Count: r.PageCount}
	}
	frames := frame.New(regions)
	vmMgr := vmm.New(frames, log.WithName("vmm"))
	schedr := sched.New(cfg, log.WithName("sched"))
	fx := futex.New()

	globalHandles, err := handle.New(log.WithName("handle.global"))
	if err != nil {
		return nil, err
	}
	deferred := intr.NewDeferredQueue(globalHandles)
	intrCtl := intr.New(globalHandles, deferred, log.WithName("intr"))
	tb := timebase.New(log.WithName("timebase"))
	shmMgr := shm.New(frames, vmMgr, globalHandles, log.WithName("shm"))
	hsets := handleset.New(globalHandles, fx, log.WithName("handleset"))
	ldr := loader.New(vmMgr, frames, globalHandles, resolver, log.WithName("loader"))
	sync := futex.NewGlobalRegistry(globalHandles, fx)
	exporter := netdbg.NewExporter()

	return &Kernel{
		Frames: frames, VMM: vmMgr, Sched: schedr, Futex: fx, Sync: sync,
		Timebase: tb, Deferred: deferred, Intr: intrCtl, SHM: shmMgr,
		HSets: hsets, Loader: ldr, Netdbg: exporter, log: log,
	}, nil
}

// Process is a process-scoped context: its own handle table (spec §4.4,
// "process-scoped integer IDs"), address space, and IPC mailbox.
type Process struct {
	ID      uint64
	Handles *handle.Table
	Space   *vmm.Space
	IPC     *ipc.Manager
	kernel  *Kernel
}

// CreateProcess allocates a fresh process context: a handle table, a user
// address space, and an IPC manager scoped to that table.
func (k *Kernel) CreateProcess() (*Process, error) {
	handles, err := handle.New(k.log.WithName("handle"))
	if err != nil {
		return nil, err
	}
	space, err := k.VMM.Create(vmm.KindApplication, nil)
	if err != nil {
		_ = handles.Close()
		return nil, err
	}

	k.nextPID++
	mgr := ipc.New(k.Frames, k.SHM, handles, k.Futex, k.log.WithName("ipc"))
	mgr.SetExporter(k.Netdbg)
	return &Process{
		ID:      k.nextPID,
		Handles: handles,
		Space:   space,
		IPC:     mgr,
		kernel:  k,
	}, nil
}

// Destroy releases the process's handle table. Address-space teardown is
// left to the VMM's own lifecycle (spec §5 scopes process exit as "destroy
// every handle the process owns"); this is the handle-table half of that.
func (p *Process) Destroy() error {
	return p.Handles.Close()
}

