/*
queue.go - Priority-debounced serialization of balance writes

PURPOSE:
  A many-producer, single-consumer queue. Exactly one mutation is ever in
  flight against the Store; no two update requests run concurrently. This
  single-writer rule is the load-bearing invariant that eliminates lost
  updates and torn reads on the hot path.

PRIORITIES AND DEBOUNCE:
  Tiers drain by priority (immediate > high > normal > low), FIFO within a
  tier. Each tier has a debounce window:

    immediate: 0, processed as soon as drained
    high:      ~50ms
    normal:    ~300ms
    low:       drained only when no higher tier has pending work

  Debounce coalesces rapid-fire requests: it affects WHEN processing happens,
  never WHAT gets applied. Deltas are summed by the processor, not dropped.
  A tier within its debounce window does not block lower non-low tiers whose
  windows have expired; cross-tier ordering is priority-first among eligible
  work.

BACKPRESSURE:
  Enqueue never blocks. At capacity (default 1000 pending) it rejects with
  ErrQueueFull, a signal for producers to retry with backoff or demote to a
  batch. After Stop it rejects with ErrQueueStopped, which is not retryable.

FAILURE:
  A failing request is logged and dropped; the loop continues with the next
  request. One bad request never stalls the pipeline.
*/
package balance

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/balance-engine/observability"
)

// Queue defaults. Debounce windows are tuned for interactive use: high is
// short enough to feel instant, normal absorbs bursts from bulk edits.
const (
	DefaultQueueCapacity  = 1000
	DefaultDebounceHigh   = 50 * time.Millisecond
	DefaultDebounceNormal = 300 * time.Millisecond
)

// ProcessFunc applies one request against the store. Set by the Coordinator.
type ProcessFunc func(*UpdateRequest) error

// QueueConfig tunes capacity and debounce windows. Zero values fall back to
// the defaults above.
type QueueConfig struct {
	Capacity       int
	DebounceHigh   time.Duration
	DebounceNormal time.Duration
}

// =============================================================================
// UPDATE QUEUE
// =============================================================================

// UpdateQueue serializes all write intents against the Store.
type UpdateQueue struct {
	mu          sync.Mutex
	cond        *sync.Cond // signaled when the queue becomes empty
	tiers       [numPriorities][]*UpdateRequest
	lastEnqueue [numPriorities]time.Time
	pending     int
	inFlight    int
	forceDrain  bool // Flush: ignore debounce until drained
	stopped     bool

	capacity int
	debounce [numPriorities]time.Duration

	process ProcessFunc
	logger  *zap.Logger
	metrics *observability.Metrics

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewUpdateQueue creates a queue. Call Start to launch the consumer.
func NewUpdateQueue(cfg QueueConfig, process ProcessFunc, logger *zap.Logger, metrics *observability.Metrics) *UpdateQueue {
	if cfg.Capacity < 1 {
		cfg.Capacity = DefaultQueueCapacity
	}
	if cfg.DebounceHigh <= 0 {
		cfg.DebounceHigh = DefaultDebounceHigh
	}
	if cfg.DebounceNormal <= 0 {
		cfg.DebounceNormal = DefaultDebounceNormal
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &UpdateQueue{
		capacity: cfg.Capacity,
		process:  process,
		logger:   logger,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	q.debounce[PriorityImmediate] = 0
	q.debounce[PriorityHigh] = cfg.DebounceHigh
	q.debounce[PriorityNormal] = cfg.DebounceNormal
	// Low has no window of its own: it waits for higher tiers to empty.
	q.debounce[PriorityLow] = 0
	return q
}

// Start launches the single consumer goroutine.
func (q *UpdateQueue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Stop shuts the consumer down. Requests still pending are dropped; waiters
// receive ErrQueueStopped. Call Flush first for a clean drain.
func (q *UpdateQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	close(q.stopCh)
	q.wg.Wait()

	q.mu.Lock()
	for p := PriorityImmediate; p < numPriorities; p++ {
		for _, req := range q.tiers[p] {
			if req.done != nil {
				req.done <- ErrQueueStopped
			}
		}
		q.tiers[p] = nil
	}
	q.pending = 0
	q.cond.Broadcast()
	q.mu.Unlock()
}

// =============================================================================
// PRODUCER SIDE
// =============================================================================

// Enqueue accepts a request, or rejects it with ErrQueueFull at capacity and
// ErrQueueStopped after shutdown. Never blocks.
func (q *UpdateQueue) Enqueue(req *UpdateRequest) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.logger.Warn("rejecting request, queue stopped",
			zap.String("request_id", req.ID.String()))
		return ErrQueueStopped
	}
	if q.pending >= q.capacity {
		q.mu.Unlock()
		q.logger.Warn("rejecting request, queue at capacity",
			zap.String("request_id", req.ID.String()),
			zap.Int("capacity", q.capacity))
		if q.metrics != nil {
			q.metrics.IncrRejected()
		}
		return ErrQueueFull
	}

	req.EnqueuedAt = time.Now()
	q.tiers[req.Priority] = append(q.tiers[req.Priority], req)
	q.lastEnqueue[req.Priority] = req.EnqueuedAt
	q.pending++
	depth := q.pending
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SetQueueDepth(depth)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush forces immediate processing of all pending requests regardless of
// debounce windows and blocks until the queue is empty. Required before
// reads that must observe a fully up-to-date balance.
func (q *UpdateQueue) Flush() {
	q.mu.Lock()
	if q.pending == 0 && q.inFlight == 0 {
		q.mu.Unlock()
		return
	}
	q.forceDrain = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.mu.Lock()
	for (q.pending > 0 || q.inFlight > 0) && !q.stopped {
		q.cond.Wait()
	}
	q.mu.Unlock()
}

// Pending returns the number of queued, not yet processed requests.
func (q *UpdateQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// =============================================================================
// CONSUMER SIDE
// =============================================================================

func (q *UpdateQueue) run() {
	defer q.wg.Done()

	for {
		req, wait := q.next(time.Now())
		if req != nil {
			q.handle(req)
			continue
		}

		if wait < 0 {
			// Nothing pending: sleep until woken or stopped.
			select {
			case <-q.wake:
			case <-q.stopCh:
				return
			}
			continue
		}

		// Pending work exists but every tier is inside its debounce window.
		timer := time.NewTimer(wait)
		select {
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		case <-q.stopCh:
			timer.Stop()
			return
		}
	}
}

// next pops the highest-priority eligible request, or returns the time until
// the earliest tier becomes eligible. A negative wait means the queue is
// empty.
func (q *UpdateQueue) next(now time.Time) (*UpdateRequest, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending == 0 {
		return nil, -1
	}

	minWait := time.Duration(-1)
	higherPending := false

	for p := PriorityImmediate; p < numPriorities; p++ {
		tier := q.tiers[p]
		if len(tier) == 0 {
			continue
		}

		eligible := false
		switch p {
		case PriorityImmediate:
			eligible = true
		case PriorityHigh, PriorityNormal:
			wait := q.debounce[p] - now.Sub(q.lastEnqueue[p])
			if q.forceDrain || wait <= 0 {
				eligible = true
			} else if minWait < 0 || wait < minWait {
				minWait = wait
			}
		case PriorityLow:
			eligible = q.forceDrain || !higherPending
		}

		if eligible {
			q.tiers[p] = tier[1:]
			q.pending--
			q.inFlight++
			return tier[0], 0
		}
		higherPending = true
	}

	return nil, minWait
}

// handle runs one request through the processor. Failures are logged and the
// result is delivered to the waiter, if any.
func (q *UpdateQueue) handle(req *UpdateRequest) {
	start := time.Now()
	err := q.safeProcess(req)

	if q.metrics != nil {
		q.metrics.RecordProcessDuration(string(req.Operation.Kind), time.Since(start))
	}
	if err != nil {
		q.logger.Error("update request failed",
			zap.String("request_id", req.ID.String()),
			zap.String("operation", string(req.Operation.Kind)),
			zap.String("priority", req.Priority.String()),
			zap.Error(err))
		if q.metrics != nil {
			q.metrics.IncrProcessed(req.Priority.String(), "error")
		}
	} else if q.metrics != nil {
		q.metrics.IncrProcessed(req.Priority.String(), "ok")
	}

	if req.done != nil {
		req.done <- err
	}

	q.mu.Lock()
	q.inFlight--
	depth := q.pending
	if q.pending == 0 && q.inFlight == 0 {
		q.forceDrain = false
		q.cond.Broadcast()
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.SetQueueDepth(depth)
	}
}

// safeProcess isolates processor panics so one bad request cannot kill the
// consumer goroutine.
func (q *UpdateQueue) safeProcess(req *UpdateRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing request: %v", r)
		}
	}()
	return q.process(req)
}
