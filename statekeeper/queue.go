package statekeeper

import (
	"context"
	"sync"
	"time"

	"github.com/l2node/rollup/metrics"
)

// defaultThrottleThreshold is the queue depth at which Throttle begins blocking.
// Outstanding work is bounded to "one block sealed but not yet hashed, one
// block hashed but not yet persisted" -- a depth of 2 keeps the sequencer at
// most one sealed block ahead of the root hash calculator without stalling
// it on every single block.
const defaultThrottleThreshold = 2

// defaultThrottlePollInterval is how often Throttle rechecks queue depth
// while waiting for it to drain.
const defaultThrottlePollInterval = 25 * time.Millisecond

// BlockRootHashJob is a unit of work for the RootHashCalculator: a sealed
// block's account updates, awaiting root hash computation.
type BlockRootHashJob struct {
	Block   BlockNumber
	Updates AccountUpdates
}

// RootHashJobQueue is a bounded FIFO handoff between the block-sealing path
// and the background RootHashCalculator. Push/Pop are cheap and
// non-blocking; back-pressure is applied separately via Throttle so the
// sequencer can choose exactly where in its own loop to wait.
type RootHashJobQueue struct {
	mu    sync.Mutex
	queue []BlockRootHashJob
	size  atomicSize

	throttleThreshold    int
	throttlePollInterval time.Duration
	sizeGauge            *metrics.Gauge
}

// atomicSize is a tiny wrapper kept distinct from a bare int so every access
// site is visibly atomic; it mirrors the queue's use of an AtomicUsize
// alongside its mutex-guarded deque.
type atomicSize struct {
	mu sync.Mutex
	n  int
}

func (a *atomicSize) add(delta int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n += delta
	return a.n
}

func (a *atomicSize) load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// QueueOption configures a RootHashJobQueue at construction time.
type QueueOption func(*RootHashJobQueue)

// WithThrottleThreshold overrides the default should-throttle depth.
func WithThrottleThreshold(n int) QueueOption {
	return func(q *RootHashJobQueue) { q.throttleThreshold = n }
}

// WithThrottlePollInterval overrides the default Throttle poll interval.
func WithThrottlePollInterval(d time.Duration) QueueOption {
	return func(q *RootHashJobQueue) { q.throttlePollInterval = d }
}

// WithSizeGauge routes queue-depth reporting to the given gauge instead of
// the package default (metrics.RootHashJobQueueSize).
func WithSizeGauge(g *metrics.Gauge) QueueOption {
	return func(q *RootHashJobQueue) { q.sizeGauge = g }
}

// NewRootHashJobQueue creates an empty queue, optionally pre-seeded with
// jobs recovered from a previous run.
func NewRootHashJobQueue(seed []BlockRootHashJob, opts ...QueueOption) *RootHashJobQueue {
	q := &RootHashJobQueue{
		queue:                append([]BlockRootHashJob{}, seed...),
		throttleThreshold:    defaultThrottleThreshold,
		throttlePollInterval: defaultThrottlePollInterval,
		sizeGauge:            metrics.RootHashJobQueueSize,
	}
	q.size.add(len(seed))
	q.reportSize()
	return q
}

func (q *RootHashJobQueue) reportSize() {
	if q.sizeGauge != nil {
		q.sizeGauge.Set(int64(q.size.load()))
	}
}

// Push appends job to the back of the queue.
func (q *RootHashJobQueue) Push(job BlockRootHashJob) {
	q.mu.Lock()
	q.queue = append(q.queue, job)
	q.mu.Unlock()

	q.size.add(1)
	q.reportSize()
}

// Pop removes and returns the job at the front of the queue, or ok=false if
// the queue is empty.
func (q *RootHashJobQueue) Pop() (job BlockRootHashJob, ok bool) {
	q.mu.Lock()
	if len(q.queue) == 0 {
		q.mu.Unlock()
		return BlockRootHashJob{}, false
	}
	job = q.queue[0]
	q.queue = q.queue[1:]
	q.mu.Unlock()

	q.size.add(-1)
	q.reportSize()
	return job, true
}

// Size returns the current queue depth.
func (q *RootHashJobQueue) Size() int {
	return q.size.load()
}

// ShouldThrottle reports whether the queue has reached its back-pressure
// threshold.
func (q *RootHashJobQueue) ShouldThrottle() bool {
	return q.Size() >= q.throttleThreshold
}

// Throttle blocks until ShouldThrottle no longer holds, polling at
// throttlePollInterval, or returns early with ctx.Err() if ctx is canceled
// first. Callers invoke this from the block-sealing path immediately before
// sealing the next block, so the sequencer -- not the queue -- decides the
// exact point at which to absorb back-pressure.
func (q *RootHashJobQueue) Throttle(ctx context.Context) error {
	ticker := time.NewTicker(q.throttlePollInterval)
	defer ticker.Stop()

	for q.ShouldThrottle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
