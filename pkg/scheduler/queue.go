package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/devicelab-dev/screenpulse/pkg/flow"
)

// item is one pending execution request.
type item struct {
	flow       *flow.Flow
	priority   int
	reason     string
	enqueuedAt time.Time
	seq        uint64
	index      int
}

// priorityHeap orders items by priority, then by enqueue order. Lower
// priority values run first.
type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// flowQueue is the pending work for one device.
type flowQueue struct {
	mu    sync.Mutex
	items priorityHeap
	seq   uint64

	// signal wakes the consumer; capacity 1 coalesces bursts.
	signal chan struct{}
}

func newFlowQueue() *flowQueue {
	return &flowQueue{signal: make(chan struct{}, 1)}
}

// push enqueues a flow and wakes the consumer.
func (q *flowQueue) push(f *flow.Flow, priority int, reason string) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, &item{
		flow:       f,
		priority:   priority,
		reason:     reason,
		enqueuedAt: time.Now(),
		seq:        q.seq,
	})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop removes the highest-priority item, or returns nil when empty.
func (q *flowQueue) pop() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*item)
}

// next blocks until an item is available or the context ends.
func (q *flowQueue) next(ctx context.Context) (*item, error) {
	for {
		if it := q.pop(); it != nil {
			return it, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// depth returns the number of pending items.
func (q *flowQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
