// Package queue carries job payloads from the registries to the worker
// dispatcher. The queue is a plain in-process FIFO: job rows are the
// durable record, the queue only needs to outlive a payload until a
// worker pops it, and a restart re-reconciles from the rows.
package queue

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
)

// Payload is the small message a worker needs to run one job.
type Payload struct {
	JobID   string        `json:"jobId"`
	SlideID string        `json:"slideId"`
	Type    store.JobType `json:"type"`
	RawPath string        `json:"rawPath"`
	Format  store.Format  `json:"format"`

	// StartLevel is the first level a P1 job pre-generates.
	StartLevel int `json:"startLevel,omitempty"`
}

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("job queue is closed")

// ErrFull is returned when the queue buffer is exhausted.
var ErrFull = errors.New("job queue is full")

// Queue is a bounded FIFO with a blocking, timeout-bounded pop.
type Queue struct {
	ch chan Payload

	mu     sync.Mutex
	closed bool
}

// New returns a Queue buffering up to capacity payloads.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1024
	}
	return &Queue{ch: make(chan Payload, capacity)}
}

// Push enqueues a payload without blocking.
func (q *Queue) Push(p Payload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- p:
		return nil
	default:
		return ErrFull
	}
}

// Pop blocks until a payload arrives, the timeout elapses, or the
// queue closes. ok is false in the latter two cases.
func (q *Queue) Pop(timeout time.Duration) (p Payload, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p, ok = <-q.ch:
		return p, ok
	case <-timer.C:
		return Payload{}, false
	}
}

// Len returns the number of queued payloads.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue. Pending payloads may still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
