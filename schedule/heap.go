package schedule

// item is a heap entry. seq is the insertion sequence used to keep tasks with
// equal due times in FIFO order; index is maintained by the heap so an entry
// can be removed in O(log n) when its slot is upserted again.
type item struct {
	task  Task
	seq   uint64
	index int
}

// taskHeap implements container/heap.Interface ordered by (DueAt, seq).
type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.DueAt.Equal(h[j].task.DueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.DueAt.Before(h[j].task.DueAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
