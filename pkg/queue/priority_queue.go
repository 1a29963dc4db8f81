// Package queue provides the bounded per-agent priority queue.
//
// Each queue has four FIFO lanes, one per priority. Get always serves the
// highest non-empty lane, so priority dominates arrival order while order
// within a lane is preserved.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/syntor/relay/pkg/models"
)

// DefaultMaxSize is the per-lane bound used when none is configured
const DefaultMaxSize = 1000

// Stats is a point-in-time snapshot of queue counters
type Stats struct {
	CurrentSize   int                     `json:"current_size"`
	MaxSize       int                     `json:"max_size"`
	LaneSizes     map[models.Priority]int `json:"lane_sizes"`
	Enqueued      int64                   `json:"enqueued"`
	Dequeued      int64                   `json:"dequeued"`
	Dropped       int64                   `json:"dropped"`
	Timeouts      int64                   `json:"timeouts"`
	HighWatermark int                     `json:"high_watermark"`
}

// PriorityQueue is a bounded multi-lane FIFO queue with a blocking Get.
// It is safe for many producers and any number of consumers.
type PriorityQueue struct {
	maxSize int
	lanes   map[models.Priority][]models.Message
	size    int

	enqueued      int64
	dequeued      int64
	dropped       int64
	timeouts      int64
	highWatermark int

	// notify carries at most one pending wake-up; waiters re-scan after it fires
	notify chan struct{}
	mu     sync.Mutex
}

// New creates a queue bounding each lane at maxSize messages
func New(maxSize int) *PriorityQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	lanes := make(map[models.Priority][]models.Message, len(models.Priorities))
	for _, p := range models.Priorities {
		lanes[p] = nil
	}
	return &PriorityQueue{
		maxSize: maxSize,
		lanes:   lanes,
		notify:  make(chan struct{}, 1),
	}
}

// Put appends msg to the lane for its priority. It returns false, counting a
// drop, when that lane is full. Messages without a valid priority go to the
// normal lane.
func (q *PriorityQueue) Put(msg models.Message) bool {
	msg.Priority = msg.Priority.OrDefault(models.PriorityNormal)
	msg = msg.Stamp()

	q.mu.Lock()
	lane := q.lanes[msg.Priority]
	if len(lane) >= q.maxSize {
		q.dropped++
		q.mu.Unlock()
		return false
	}
	q.lanes[msg.Priority] = append(lane, msg)
	q.size++
	q.enqueued++
	if q.size > q.highWatermark {
		q.highWatermark = q.size
	}
	q.mu.Unlock()

	q.signal()
	return true
}

// Enqueue is Put reporting a full lane as models.ErrQueueFull
func (q *PriorityQueue) Enqueue(msg models.Message) error {
	if !q.Put(msg) {
		return models.ErrQueueFull
	}
	return nil
}

// Get returns the highest-priority pending message. When all lanes are empty
// it waits up to timeout (or until ctx is done) for an arrival. A zero or
// negative timeout waits only on ctx.
func (q *PriorityQueue) Get(ctx context.Context, timeout time.Duration) (models.Message, bool) {
	if msg, ok := q.TryGet(); ok {
		return msg, true
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-q.notify:
			if msg, ok := q.TryGet(); ok {
				return msg, true
			}
		case <-deadline:
			if msg, ok := q.TryGet(); ok {
				return msg, true
			}
			q.mu.Lock()
			q.timeouts++
			q.mu.Unlock()
			return models.Message{}, false
		case <-ctx.Done():
			return models.Message{}, false
		}
	}
}

// TryGet removes and returns the highest-priority message without waiting
func (q *PriorityQueue) TryGet() (models.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range models.Priorities {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		msg := lane[0]
		lane[0] = models.Message{}
		q.lanes[p] = lane[1:]
		q.size--
		q.dequeued++
		if q.size > 0 {
			// hand the wake-up on so another waiter can take the rest
			q.signal()
		}
		return msg, true
	}
	return models.Message{}, false
}

// Drain removes every pending message in dequeue order
func (q *PriorityQueue) Drain() []models.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.Message, 0, q.size)
	for _, p := range models.Priorities {
		out = append(out, q.lanes[p]...)
		q.lanes[p] = nil
	}
	q.size = 0
	return out
}

// Len returns the number of pending messages across all lanes
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// MaxSize returns the per-lane bound
func (q *PriorityQueue) MaxSize() int {
	return q.maxSize
}

// Stats returns a snapshot of the queue counters
func (q *PriorityQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	lanes := make(map[models.Priority]int, len(q.lanes))
	for p, lane := range q.lanes {
		lanes[p] = len(lane)
	}
	return Stats{
		CurrentSize:   q.size,
		MaxSize:       q.maxSize,
		LaneSizes:     lanes,
		Enqueued:      q.enqueued,
		Dequeued:      q.dequeued,
		Dropped:       q.dropped,
		Timeouts:      q.timeouts,
		HighWatermark: q.highWatermark,
	}
}

func (q *PriorityQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
