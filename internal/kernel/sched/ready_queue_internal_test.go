package sched

import "testing"

// These are white-box tests of Core's ready-queue algorithm in isolation,
// independent of the goroutine-orchestration machinery, so the
// priority/round-robin invariants from spec §4.5 can be checked
// deterministically rather than racing real dispatch loops.

func newTestCore() *Core {
	return &Core{tiers: make([][]*Thread, 4), nudge: make(chan struct{}, 1)}
}

func TestDequeuePrefersHighestPriorityTier(t *testing.T) {
	c := newTestCore()
	low := &Thread{ID: 1, Priority: 3}
	high := &Thread{ID: 2, Priority: 0}

	c.enqueue(low)
	c.enqueue(high)

	got := c.dequeue()
	if got != high {
		t.Fatalf("expected high-priority thread first, got %+v", got)
	}
	got = c.dequeue()
	if got != low {
		t.Fatalf("expected low-priority thread second, got %+v", got)
	}
}

func TestDequeueIsFIFOWithinTier(t *testing.T) {
	c := newTestCore()
	a := &Thread{ID: 1, Priority: 1}
	b := &Thread{ID: 2, Priority: 1}
	c2 := &Thread{ID: 3, Priority: 1}

	c.enqueue(a)
	c.enqueue(b)
	c.enqueue(c2)

	if got := c.dequeue(); got != a {
		t.Fatalf("expected a first, got %+v", got)
	}
	if got := c.dequeue(); got != b {
		t.Fatalf("expected b second, got %+v", got)
	}
	if got := c.dequeue(); got != c2 {
		t.Fatalf("expected c last, got %+v", got)
	}
}

func TestEnqueueFrontPutsYieldedThreadAtHead(t *testing.T) {
	c := newTestCore()
	a := &Thread{ID: 1, Priority: 1}
	b := &Thread{ID: 2, Priority: 1}

	c.enqueue(a)
	_ = c.dequeue() // a is "running"
	c.enqueue(b)    // b arrives while a runs
	c.enqueueFront(a) // a yields, goes back to the head, ahead of b

	if got := c.dequeue(); got != a {
		t.Fatalf("expected yielded thread a at head, got %+v", got)
	}
	if got := c.dequeue(); got != b {
		t.Fatalf("expected b after a, got %+v", got)
	}
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	c := newTestCore()
	if got := c.dequeue(); got != nil {
		t.Fatalf("expected nil from empty core, got %+v", got)
	}
}
