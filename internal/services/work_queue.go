package services

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueUnavailable wraps any failure to append to the queue
var ErrQueueUnavailable = errors.New("queue unavailable")

// TaskMessage is what travels on the queue. The correlation record holds the
// request itself; consumers always re-read it from the store.
type TaskMessage struct {
	CorrelationID string    `json:"correlationId"`
	UserID        string    `json:"userId"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// Delivery is one delivery of a queued message to a consumer
type Delivery struct {
	ID        string
	Partition int
	Attempt   int // 1 on first delivery
	Message   TaskMessage
}

// DeliveryHandler processes a delivery. A nil return acknowledges it; an error
// leaves it unacknowledged so it is redelivered after the claim idle time.
type DeliveryHandler func(ctx context.Context, d *Delivery) error

// WorkQueue decouples submission from execution with at-least-once delivery
type WorkQueue interface {
	Submit(ctx context.Context, msg TaskMessage) error
	// Consume blocks, feeding deliveries to handler one at a time, until ctx is done
	Consume(ctx context.Context, consumer string, handler DeliveryHandler) error
	Ping(ctx context.Context) error
	Close() error
}

// PartitionFor maps a correlation id to a partition so one id always lands on
// the same ordered stream.
func PartitionFor(correlationID string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(correlationID))
	return int(h.Sum32() % uint32(partitions))
}

// runHandler isolates handler panics; a panic counts as a failed delivery
func runHandler(ctx context.Context, handler DeliveryHandler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, d)
}

// MemoryWorkQueue is a single-process queue for development and tests.
// Unacknowledged deliveries become visible again after claimIdle.
type MemoryWorkQueue struct {
	mu        sync.Mutex
	ready     []*Delivery
	inflight  map[string]*memoryInflight
	claimIdle time.Duration
	notify    chan struct{}
	closed    bool
	failing   error
}

type memoryInflight struct {
	delivery    *Delivery
	deliveredAt time.Time
}

// NewMemoryWorkQueue creates an in-process queue
func NewMemoryWorkQueue(claimIdle time.Duration) *MemoryWorkQueue {
	if claimIdle <= 0 {
		claimIdle = 5 * time.Minute
	}
	return &MemoryWorkQueue{
		inflight:  make(map[string]*memoryInflight),
		claimIdle: claimIdle,
		notify:    make(chan struct{}, 1),
	}
}

// SetUnavailable makes Submit fail with err until called again with nil
func (q *MemoryWorkQueue) SetUnavailable(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failing = err
}

// Submit appends a message
func (q *MemoryWorkQueue) Submit(_ context.Context, msg TaskMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("%w: queue closed", ErrQueueUnavailable)
	}
	if q.failing != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, q.failing)
	}

	q.ready = append(q.ready, &Delivery{
		ID:      uuid.New().String(),
		Attempt: 0,
		Message: msg,
	})
	q.signal()
	return nil
}

func (q *MemoryWorkQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// next pops a ready message, or reclaims an idle unacknowledged one
func (q *MemoryWorkQueue) next(now time.Time) *Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	var d *Delivery
	if len(q.ready) > 0 {
		d = q.ready[0]
		q.ready = q.ready[1:]
	} else {
		for _, entry := range q.inflight {
			if now.Sub(entry.deliveredAt) >= q.claimIdle {
				d = entry.delivery
				break
			}
		}
	}
	if d == nil {
		return nil
	}

	d.Attempt++
	q.inflight[d.ID] = &memoryInflight{delivery: d, deliveredAt: now}
	copied := *d
	return &copied
}

func (q *MemoryWorkQueue) ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)
}

// Consume processes messages until ctx is done
func (q *MemoryWorkQueue) Consume(ctx context.Context, consumer string, handler DeliveryHandler) error {
	pollInterval := q.claimIdle / 2
	if pollInterval > time.Second {
		pollInterval = time.Second
	}
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		d := q.next(time.Now())
		if d == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-q.notify:
			case <-ticker.C:
			}
			continue
		}

		if err := runHandler(ctx, handler, d); err != nil {
			log.Printf("⚠️  [QUEUE] %s left %s unacknowledged (attempt %d): %v",
				consumer, d.Message.CorrelationID, d.Attempt, err)
			continue
		}
		q.ack(d.ID)
		// Wake a sibling consumer in case more work is ready
		q.signal()
	}
}

// Len returns the number of messages waiting for a first delivery
func (q *MemoryWorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Pending returns the number of delivered but unacknowledged messages
func (q *MemoryWorkQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Ping reports whether the queue accepts submissions
func (q *MemoryWorkQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: queue closed", ErrQueueUnavailable)
	}
	return q.failing
}

// Close rejects further submissions
func (q *MemoryWorkQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
