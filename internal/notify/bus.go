// Package notify carries job status transitions to live subscribers.
// Delivery is at-most-once: subscribers that connect late must read the
// persisted job first and then subscribe for later transitions.
package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("notification bus closed")

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus publishes every event to the job's topic and the owner's topic.
type Bus interface {
	Publish(ctx context.Context, evt models.NotificationEvent) error
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	Close() error
}

// JobTopic is the per-job channel name.
func JobTopic(id uuid.UUID) string {
	return "corpusflow:job:" + id.String()
}

// OwnerTopic is the per-principal channel name.
func OwnerTopic(owner string) string {
	return "corpusflow:owner:" + owner
}

// Subscription receives events for one topic until Close is called or the
// context passed to Subscribe is done. C is closed afterwards.
type Subscription struct {
	C <-chan models.NotificationEvent

	mu      sync.Mutex
	closed  bool
	closeFn func()
	stop    func() bool
}

func newSubscription(ctx context.Context, c <-chan models.NotificationEvent, closeFn func()) *Subscription {
	s := &Subscription{C: c, closeFn: closeFn}
	s.mu.Lock()
	s.stop = context.AfterFunc(ctx, s.Close)
	s.mu.Unlock()
	return s
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.closeFn()
}
