// Package dispatch wakes idle workers when a job becomes claimable. Wake-ups
// are hints only: workers still poll the job table on a ticker, so a lost
// signal delays a job by at most one poll interval.
package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Waker delivers "work available" hints to the worker pool.
type Waker interface {
	Notify(ctx context.Context, jobID uuid.UUID) error
	C() <-chan struct{}
	Close() error
}

// LocalWaker coalesces notifications into a single pending signal.
type LocalWaker struct {
	ch   chan struct{}
	once sync.Once
	done chan struct{}
}

func NewLocalWaker() *LocalWaker {
	return &LocalWaker{
		ch:   make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (w *LocalWaker) Notify(_ context.Context, _ uuid.UUID) error {
	signal(w.ch, w.done)
	return nil
}

func (w *LocalWaker) C() <-chan struct{} {
	return w.ch
}

func (w *LocalWaker) Close() error {
	w.once.Do(func() { close(w.done) })
	return nil
}

// signal performs a non-blocking send; a signal already pending is enough.
func signal(ch chan struct{}, done <-chan struct{}) {
	select {
	case <-done:
		return
	default:
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
