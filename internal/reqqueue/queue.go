// Package reqqueue is the bounded MPSC channel between HTTP request
// tasks and the single detector worker. Producers never block: a full
// queue is reported synchronously so the handler can answer busy
// immediately instead of queuing deeper.
package reqqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/blue-onyx/blue-onyx-go/internal/api"
)

// Item is one queued request. Ownership transfers to the worker on
// dequeue; the reply channel is buffered so the worker's send never
// blocks on an abandoned handler.
type Item struct {
	Request api.DetectionRequest
	Reply   chan api.DetectionResponse

	// settled arbitrates who accounts for this request: the worker on
	// delivery, or the handler on timeout/disconnect. Exactly one side
	// wins, keeping successful + dropped equal to enqueue attempts.
	settled *atomic.Bool
}

// NewItem mints a request id and wraps the request with a single-slot
// reply channel.
func NewItem(imageBytes []byte, imageName string, minConfidence *float32) Item {
	return Item{
		Request: api.DetectionRequest{
			RequestID:     uuid.NewString(),
			ImageBytes:    imageBytes,
			ImageName:     imageName,
			MinConfidence: minConfidence,
			EnqueuedAt:    time.Now(),
		},
		Reply:   make(chan api.DetectionResponse, 1),
		settled: new(atomic.Bool),
	}
}

// TrySettle claims accounting for this item. The first caller gets
// true; whoever loses must neither count the request nor expect its
// peer to read the reply channel.
func (i Item) TrySettle() bool {
	return i.settled.CompareAndSwap(false, true)
}

// Queue is the bounded FIFO. Multi-producer, single-consumer.
type Queue struct {
	ch        chan Item
	closeOnce sync.Once
}

// New creates a queue with the given capacity. Capacity must be at
// least 1; smaller values are clamped.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan Item, capacity)}
}

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Len returns the number of items currently pending.
func (q *Queue) Len() int { return len(q.ch) }

// TryEnqueue adds an item without blocking. Returns a ServerBusy error
// when the queue is at capacity.
func (q *Queue) TryEnqueue(item Item) error {
	select {
	case q.ch <- item:
		return nil
	default:
		return api.New(api.KindServerBusy, "inference queue is full")
	}
}

// Dequeue blocks until an item is available or the queue is closed and
// drained. The second return is false once no more items will arrive.
func (q *Queue) Dequeue() (Item, bool) {
	item, ok := <-q.ch
	return item, ok
}

// Close signals "no more items". Pending items remain dequeueable;
// the worker drains them and exits. Safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}
