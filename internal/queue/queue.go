// Package queue is the bounded FIFO hand-off between producers and the
// consumer.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/tinytelemetry/otter/internal/model"
)

// ErrFull is returned by TryPut when the queue is at capacity.
var ErrFull = errors.New("queue: full")

// Queue is a fixed-capacity FIFO of records, safe for concurrent use by
// any number of producers and consumers.
type Queue struct {
	ch chan model.Record

	// head holds records handed back by a stopping consumer. They are
	// dequeued before anything in ch.
	mu   sync.Mutex
	head []model.Record
}

// New returns a queue holding at most capacity records. Capacities below
// one are raised to one.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan model.Record, capacity)}
}

// Put appends rec, blocking while the queue is full. It returns ctx.Err()
// if ctx is done first; the record is then not enqueued.
func (q *Queue) Put(ctx context.Context, rec model.Record) error {
	select {
	case q.ch <- rec:
		return nil
	default:
	}
	select {
	case q.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut appends rec or fails immediately with ErrFull. It never blocks.
func (q *Queue) TryPut(rec model.Record) error {
	select {
	case q.ch <- rec:
		return nil
	default:
		return ErrFull
	}
}

// PutBack returns records that were dequeued but not delivered to the
// front of the queue, keeping their order. It never blocks, so occupancy
// may exceed the capacity by the returned records until they are
// dequeued again.
func (q *Queue) PutBack(recs ...model.Record) {
	if len(recs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = append(append(make([]model.Record, 0, len(recs)+len(q.head)), recs...), q.head...)
}

func (q *Queue) popHead() (model.Record, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.head) == 0 {
		return model.Record{}, false
	}
	rec := q.head[0]
	q.head = q.head[1:]
	return rec, true
}

// Get removes and returns the oldest record, blocking until one exists or
// ctx is done.
func (q *Queue) Get(ctx context.Context) (model.Record, error) {
	if rec, ok := q.popHead(); ok {
		return rec, nil
	}
	select {
	case rec := <-q.ch:
		return rec, nil
	default:
	}
	select {
	case rec := <-q.ch:
		return rec, nil
	case <-ctx.Done():
		return model.Record{}, ctx.Err()
	}
}

// TryGet removes and returns the oldest record if one is immediately
// available.
func (q *Queue) TryGet() (model.Record, bool) {
	if rec, ok := q.popHead(); ok {
		return rec, true
	}
	select {
	case rec := <-q.ch:
		return rec, true
	default:
		return model.Record{}, false
	}
}

// Len returns the current occupancy, including handed-back records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ch) + len(q.head)
}

// Cap returns the capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Depth returns Len and Cap together.
func (q *Queue) Depth() model.Depth { return model.Depth{Len: q.Len(), Cap: q.Cap()} }
