package main

import (
	"context"

	"github.com/opsconductor/pulse/observability"
)

// Queue is the bounded MPMC buffer between ingress sources and the worker
// pool. Both sources and all workers share one instance.
type Queue struct {
	ch chan *Message
}

func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *Message, capacity)}
}

// TryEnqueue adds without blocking. A false return means the queue is
// full and the caller must apply backpressure (429 or ingress slowdown);
// dropping silently is not an option.
func (q *Queue) TryEnqueue(m *Message) bool {
	select {
	case q.ch <- m:
		observability.IngestQueueDepth.Set(float64(len(q.ch)))
		return true
	default:
		return false
	}
}

// Enqueue blocks until space is available or ctx is done. Used by the
// MQTT source, which has no way to answer 429.
func (q *Queue) Enqueue(ctx context.Context, m *Message) error {
	select {
	case q.ch <- m:
		observability.IngestQueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a message arrives or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*Message, bool) {
	select {
	case m := <-q.ch:
		observability.IngestQueueDepth.Set(float64(len(q.ch)))
		return m, true
	case <-ctx.Done():
		return nil, false
	}
}

// Depth reports the current number of queued messages.
func (q *Queue) Depth() int {
	return len(q.ch)
}
