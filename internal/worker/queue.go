package worker

import (
	"sync"

	"github.com/AlessioNetti/finj-go/internal/task"
)

// taskQueue is an unbounded, thread-safe FIFO of pending tasks. Unlike
// a buffered channel it never rejects a Push under load from a large
// pre-send window; workers block on Pop via a condition variable,
// mirroring the semaphore-guarded queue in spec.md §4.5.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []task.Task
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends t to the tail of the queue and wakes one blocked Pop.
func (q *taskQueue) push(t task.Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available or the queue is closed. ok is
// false only when the queue was closed with nothing left to drain.
func (q *taskQueue) pop() (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return task.Task{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// close wakes every blocked Pop; subsequent pops drain remaining
// items, then return ok=false.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// reset clears the queue and un-closes it, for reuse across sessions.
func (q *taskQueue) reset() {
	q.mu.Lock()
	q.items = nil
	q.closed = false
	q.mu.Unlock()
}
