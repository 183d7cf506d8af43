package statekeeper

import (
	"context"
	"testing"
	"time"
)

func TestQueue_PushPopOrder(t *testing.T) {
	q := NewRootHashJobQueue(nil)
	q.Push(BlockRootHashJob{Block: 1})
	q.Push(BlockRootHashJob{Block: 2})
	q.Push(BlockRootHashJob{Block: 3})

	for _, want := range []BlockNumber{1, 2, 3} {
		job, ok := q.Pop()
		if !ok {
			t.Fatalf("expected a job, queue empty")
		}
		if job.Block != want {
			t.Fatalf("pop order: want block %d, got %d", want, job.Block)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatalf("expected queue to be empty")
	}
}

func TestQueue_SizeTracksPushPop(t *testing.T) {
	q := NewRootHashJobQueue(nil)
	if q.Size() != 0 {
		t.Fatalf("new queue: want size 0, got %d", q.Size())
	}
	q.Push(BlockRootHashJob{Block: 1})
	q.Push(BlockRootHashJob{Block: 2})
	if q.Size() != 2 {
		t.Fatalf("after 2 pushes: want size 2, got %d", q.Size())
	}
	q.Pop()
	if q.Size() != 1 {
		t.Fatalf("after 1 pop: want size 1, got %d", q.Size())
	}
}

func TestQueue_ShouldThrottle(t *testing.T) {
	q := NewRootHashJobQueue(nil, WithThrottleThreshold(2))
	if q.ShouldThrottle() {
		t.Fatalf("empty queue should not throttle")
	}
	q.Push(BlockRootHashJob{Block: 1})
	if q.ShouldThrottle() {
		t.Fatalf("queue of size 1 should not throttle at threshold 2")
	}
	q.Push(BlockRootHashJob{Block: 2})
	if !q.ShouldThrottle() {
		t.Fatalf("queue of size 2 should throttle at threshold 2")
	}
}

func TestQueue_ThrottleUnblocksWhenDrained(t *testing.T) {
	q := NewRootHashJobQueue(nil, WithThrottleThreshold(1), WithThrottlePollInterval(time.Millisecond))
	q.Push(BlockRootHashJob{Block: 1})

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { done <- q.Throttle(ctx) }()

	// Give Throttle a moment to observe the non-empty queue before draining it.
	time.Sleep(5 * time.Millisecond)
	q.Pop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Throttle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Throttle did not unblock after queue drained")
	}
}

func TestQueue_ThrottleRespectsContextCancellation(t *testing.T) {
	q := NewRootHashJobQueue(nil, WithThrottleThreshold(1), WithThrottlePollInterval(time.Millisecond))
	q.Push(BlockRootHashJob{Block: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := q.Throttle(ctx); err == nil {
		t.Fatalf("expected Throttle to return an error for a canceled context")
	}
}
