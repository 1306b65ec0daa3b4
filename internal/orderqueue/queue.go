// Package orderqueue implements the bounded priority staging buffer that
// feeds the matching engine. Lower priority values dequeue first; orders
// with equal priority dequeue in enqueue order.
package orderqueue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	pkgerrors "github.com/Aidin1998/orbit_core/pkg/errors"
	"github.com/Aidin1998/orbit_core/pkg/models"
)

// Item is one queued order with its scheduling metadata.
type Item struct {
	QueueID    string
	Order      *models.Order
	Priority   int
	EnqueuedAt time.Time

	seq   uint64
	index int
}

// PriorityQueue is a bounded, non-blocking priority buffer. Enqueue
// rejects with QueueFullError at capacity; Dequeue returns (nil, false)
// when empty. Callers poll.
type PriorityQueue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int
	seq      uint64

	depth prometheus.Gauge
}

// New creates a queue with the given capacity (0 means unbounded).
func New(capacity int) *PriorityQueue {
	q := &PriorityQueue{
		capacity: capacity,
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradecore",
			Subsystem: "orderqueue",
			Name:      "depth",
			Help:      "Number of orders waiting in the staging queue.",
		}),
	}
	heap.Init(&q.items)
	return q
}

// Describe implements prometheus.Collector.
func (q *PriorityQueue) Describe(ch chan<- *prometheus.Desc) { q.depth.Describe(ch) }

// Collect implements prometheus.Collector.
func (q *PriorityQueue) Collect(ch chan<- prometheus.Metric) { q.depth.Collect(ch) }

// Enqueue inserts the order with the given priority, keeping
// higher-priority (numerically lower) items earlier.
func (q *PriorityQueue) Enqueue(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && q.items.Len() >= q.capacity {
		return &pkgerrors.QueueFullError{Capacity: q.capacity}
	}

	q.seq++
	item.seq = q.seq
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	heap.Push(&q.items, item)
	q.depth.Set(float64(q.items.Len()))
	return nil
}

// Dequeue pops the highest-priority, earliest-enqueued item. The second
// return is false when the queue is empty.
func (q *PriorityQueue) Dequeue() (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return nil, false
	}
	item := heap.Pop(&q.items).(*Item)
	q.depth.Set(float64(q.items.Len()))
	return item, true
}

// Len returns the current queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Drain removes and returns every queued item without processing them.
// Used by emergency stop.
func (q *PriorityQueue) Drain() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := make([]*Item, 0, q.items.Len())
	for q.items.Len() > 0 {
		drained = append(drained, heap.Pop(&q.items).(*Item))
	}
	q.depth.Set(0)
	return drained
}

// itemHeap orders by priority, then enqueue sequence.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	item.index = -1
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
