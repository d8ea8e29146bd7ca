package intr

import (
	"context"

	"k8s.io/client-go/util/workqueue"

	"github.com/mollenos/valicore/internal/kernel/handle"
)

// activityMark is one pending "mark this handle active" job, queued by a
// fast handler so the actual handle-table write (which may block on a
// lock) happens outside IRQ context, per spec §4.7.
type activityMark struct {
	id   handle.ID
	bits uint64
}

// DeferredQueue carries deferred-dispatch work from fast handlers to the
// handle table, on the same workqueue type the teacher's intake worker
// uses to carry batches to its outgoing stream. Each mark is applied once:
// a mark whose handle is no longer in the table is dropped, and nothing is
// re-added or retried.
type DeferredQueue struct {
	handles *handle.Table
	queue   workqueue.TypedRateLimitingInterface[activityMark]
}

// NewDeferredQueue builds a queue that marks handles active against
// handles.
func NewDeferredQueue(handles *handle.Table) *DeferredQueue {
	limiter := workqueue.DefaultTypedControllerRateLimiter[activityMark]()
	q := workqueue.NewTypedRateLimitingQueueWithConfig(limiter,
		workqueue.TypedRateLimitingQueueConfig[activityMark]{Name: "intr-deferred"},
	)
	return &DeferredQueue{handles: handles, queue: q}
}

// Enqueue schedules handle id to be marked active with bits.
func (d *DeferredQueue) Enqueue(id handle.ID, bits uint64) {
	d.queue.Add(activityMark{id: id, bits: bits})
}

// Run drains the queue until ctx is cancelled, marking each handle active.
func (d *DeferredQueue) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		d.queue.ShutDown()
	}()

	for {
		mark, shutdown := d.queue.Get()
		if shutdown {
			return
		}
		d.process(mark)
		d.queue.Done(mark)
	}
}

func (d *DeferredQueue) process(mark activityMark) {
	if err := d.handles.MarkActivity(mark.id, mark.bits); err != nil {
		d.queue.Forget(mark)
		return
	}
	d.queue.Forget(mark)
}

// Shutdown stops the queue immediately, dropping anything still pending.
func (d *DeferredQueue) Shutdown() {
	d.queue.ShutDown()
}
