package learner

import (
	"log/slog"
	"sync"
)

const defaultQueueCapacity = 64

// taskQueue runs best-effort background work on a single worker. Learning
// persistence goes through here so a slow or failing store never blocks the
// generation call path; failures are logged, never propagated.
type taskQueue struct {
	tasks chan func() error
	wg    sync.WaitGroup
	log   *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newTaskQueue(logger *slog.Logger) *taskQueue {
	q := &taskQueue{
		tasks: make(chan func() error, defaultQueueCapacity),
		log:   logger,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *taskQueue) run() {
	defer q.wg.Done()
	for task := range q.tasks {
		if err := task(); err != nil {
			q.log.Error("background learning task failed", "error", err)
		}
	}
}

// submit enqueues a task without blocking. When the queue is full the task
// is dropped and the drop is logged; learning is an enhancement, not a
// correctness requirement.
func (q *taskQueue) submit(name string, task func() error) {
	// The lock is held across the send so close cannot close the channel
	// between the closed check and the send. The send never blocks, so
	// holding the lock here is cheap.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	select {
	case q.tasks <- task:
	default:
		q.log.Warn("learning task queue full, dropping task", "task", name)
	}
}

// close drains pending tasks and stops the worker.
func (q *taskQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.tasks)
	q.wg.Wait()
}
