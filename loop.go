package routerlink

import "sync"

// taskQueue is an unbounded FIFO of closures feeding the run loop. Posting
// never blocks; a closed queue rejects new tasks.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	notify chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{notify: make(chan struct{}, 1)}
}

func (q *taskQueue) post(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// take removes and returns every queued task.
func (q *taskQueue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	tasks := q.tasks
	q.tasks = nil
	return tasks
}

// close rejects further posts. Tasks already queued stay for take.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
