package automation

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryTask is one unit of work on a retry queue. It reports whether the
// attempt must be retried; a positive retryAfter overrides the backoff delay
// for the next attempt (server-directed retry intervals).
type RetryTask func(ctx context.Context) (retry bool, retryAfter time.Duration)

// RetryQueues runs tasks on named serial queues with exponential backoff.
//
// Each queue name owns one worker goroutine created on first use. Tasks on
// the same queue run strictly one at a time in enqueue order; a retrying task
// blocks its queue until it succeeds or the queue context is cancelled.
// Different queues run concurrently.
type RetryQueues struct {
	ctx            context.Context
	initialBackoff time.Duration
	maxBackoff     time.Duration
	sleeper        Sleeper
	logger         Logger

	mu     sync.Mutex
	queues map[string]*retryQueue
}

// NewRetryQueues creates the queue set. Workers stop when ctx is cancelled.
func NewRetryQueues(ctx context.Context, initialBackoff, maxBackoff time.Duration, sleeper Sleeper, logger Logger) *RetryQueues {
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	if maxBackoff < initialBackoff {
		maxBackoff = 10 * initialBackoff
	}
	if sleeper == nil {
		sleeper = SystemSleeper
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &RetryQueues{
		ctx:            ctx,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		sleeper:        sleeper,
		logger:         logger,
		queues:         make(map[string]*retryQueue),
	}
}

// Enqueue appends a task to the named queue, creating the queue's worker on
// first use. An empty name selects the default queue.
func (q *RetryQueues) Enqueue(name string, task RetryTask) {
	if name == "" {
		name = "default"
	}

	q.mu.Lock()
	queue, ok := q.queues[name]
	if !ok {
		queue = newRetryQueue(name, q)
		q.queues[name] = queue
		go queue.run(q.ctx)
	}
	q.mu.Unlock()

	queue.push(task)
}

// retryQueue is one named FIFO with a serial worker.
type retryQueue struct {
	name  string
	owner *RetryQueues
	mu    sync.Mutex
	tasks []RetryTask
	wake  chan struct{}
}

func newRetryQueue(name string, owner *RetryQueues) *retryQueue {
	return &retryQueue{
		name:  name,
		owner: owner,
		wake:  make(chan struct{}, 1),
	}
}

// push appends a task and nudges the worker.
func (q *retryQueue) push(task RetryTask) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop removes the oldest task, or returns nil when the queue is empty.
func (q *retryQueue) pop() RetryTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task
}

// run is the worker loop: one task at a time, retried in place with backoff.
func (q *retryQueue) run(ctx context.Context) {
	for {
		task := q.pop()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.runTask(ctx, task)

		if ctx.Err() != nil {
			return
		}
	}
}

// runTask executes one task until it stops requesting retries or ctx ends.
func (q *retryQueue) runTask(ctx context.Context, task RetryTask) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.owner.initialBackoff
	bo.MaxInterval = q.owner.maxBackoff
	bo.MaxElapsedTime = 0 // retry until cancelled
	bo.Reset()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		retry, retryAfter := task(ctx)
		if !retry {
			return
		}

		attempt++
		delay := bo.NextBackOff()
		if retryAfter > 0 {
			delay = retryAfter
		}
		q.owner.logger.Debug("retrying queued task",
			"queue", q.name,
			"attempt", attempt,
			"delay", delay.String(),
		)
		if err := q.owner.sleeper.Sleep(ctx, delay); err != nil {
			return
		}
	}
}
