package schedule

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// Config holds the parameters needed to create a Queue.
type Config struct {
	// IdleWait is returned by TimeUntilNext when the queue is empty.
	IdleWait time.Duration
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Queue is the shared ordered set of pending tasks. Every read of the earliest
// task and every structural change happens under mu.
type Queue struct {
	mu    sync.Mutex
	h     taskHeap
	index map[slotKey]*item
	seq   uint64

	wake     chan struct{}
	idleWait time.Duration
	now      func() time.Time
}

// New creates an empty Queue.
func New(c Config) *Queue {
	idle := c.IdleWait
	if idle <= 0 {
		idle = DefaultIdleWait
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}
	return &Queue{
		index:    make(map[slotKey]*item),
		wake:     make(chan struct{}, 1),
		idleWait: idle,
		now:      now,
	}
}

// Upsert inserts t in due-time order, replacing any task already queued in the
// same slot. It reports whether t is now the earliest task. The consumer is
// always signalled; a wake that does not change the earliest deadline only
// costs it a re-check.
func (q *Queue) Upsert(t Task) bool {
	if !t.Forced {
		t.ReplyID = NoReply
		t.ReplyTo = ""
	}

	q.mu.Lock()
	if old, ok := q.index[t.key()]; ok {
		heap.Remove(&q.h, old.index)
	}
	q.seq++
	it := &item{task: t, seq: q.seq}
	heap.Push(&q.h, it)
	q.index[t.key()] = it
	earliest := q.h[0] == it
	q.mu.Unlock()

	q.signal()
	return earliest
}

// Peek returns the earliest task without removing it.
func (q *Queue) Peek() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Task{}, false
	}
	return q.h[0].task, true
}

// Pop removes and returns the earliest task, due or not.
func (q *Queue) Pop() (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return Task{}, ErrEmptyQueue
	}
	return q.popLocked(), nil
}

// TimeUntilNext returns 0 if the earliest task is due, the delay until it
// otherwise, and the idle ceiling when the queue is empty.
func (q *Queue) TimeUntilNext() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timeUntilNextLocked()
}

// Next blocks until the earliest task is due, then pops and returns it. The
// due check and the pop happen under the same lock, so a task is never handed
// out before its DueAt. It returns ctx.Err() when ctx is done.
func (q *Queue) Next(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		wait := q.timeUntilNextLocked()
		if wait == 0 && len(q.h) > 0 {
			t := q.popLocked()
			q.mu.Unlock()
			return t, nil
		}
		q.mu.Unlock()

		// Sleep at most idleWait so a wall-clock step cannot park the
		// consumer far past a deadline.
		if wait > q.idleWait {
			wait = q.idleWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Task{}, ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Get returns the task queued for nodeID in the given slot.
func (q *Queue) Get(nodeID string, forced bool) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[slotKey{nodeID: nodeID, forced: forced}]
	if !ok {
		return Task{}, false
	}
	return it.task, true
}

// Remove drops every task queued for nodeID and returns how many were removed.
func (q *Queue) Remove(nodeID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, forced := range []bool{false, true} {
		k := slotKey{nodeID: nodeID, forced: forced}
		if it, ok := q.index[k]; ok {
			heap.Remove(&q.h, it.index)
			delete(q.index, k)
			n++
		}
	}
	return n
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Snapshot returns the pending tasks in dispatch order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	items := make([]*item, len(q.h))
	copy(items, q.h)
	q.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return taskHeap(items).Less(i, j) })
	tasks := make([]Task, len(items))
	for i, it := range items {
		tasks[i] = it.task
	}
	return tasks
}

func (q *Queue) popLocked() Task {
	it := heap.Pop(&q.h).(*item)
	delete(q.index, it.task.key())
	return it.task
}

func (q *Queue) timeUntilNextLocked() time.Duration {
	if len(q.h) == 0 {
		return q.idleWait
	}
	d := q.h[0].task.DueAt.Sub(q.now())
	if d < 0 {
		return 0
	}
	return d
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
