package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/corpusflow/pkg/models"
)

// LocalBus is an in-process broadcast bus. A subscriber whose buffer is full
// misses the event instead of stalling the publisher.
type LocalBus struct {
	mu     sync.Mutex
	subs   map[string]map[chan models.NotificationEvent]struct{}
	buffer int
	closed bool
}

// NewLocalBus creates a LocalBus. buffer <= 0 selects DefaultBuffer.
func NewLocalBus(buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &LocalBus{
		subs:   make(map[string]map[chan models.NotificationEvent]struct{}),
		buffer: buffer,
	}
}

// Publish holds the bus lock for the whole fan-out so events on a topic reach
// every subscriber in publish order.
func (b *LocalBus) Publish(_ context.Context, evt models.NotificationEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	for _, topic := range []string{JobTopic(evt.JobID), OwnerTopic(evt.OwnerID)} {
		for ch := range b.subs[topic] {
			select {
			case ch <- evt:
			default:
				slog.Debug("dropping notification for slow subscriber",
					"topic", topic, "job_id", evt.JobID, "status", evt.Status)
			}
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan models.NotificationEvent, b.buffer)
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan models.NotificationEvent]struct{})
	}
	b.subs[topic][ch] = struct{}{}

	return newSubscription(ctx, ch, func() { b.unsubscribe(topic, ch) }), nil
}

func (b *LocalBus) unsubscribe(topic string, ch chan models.NotificationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[topic][ch]; !ok {
		return
	}
	delete(b.subs[topic], ch)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	close(ch)
}

// Close ends every subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for topic, set := range b.subs {
		for ch := range set {
			close(ch)
		}
		delete(b.subs, topic)
	}
	return nil
}

// SubscriberCount reports active subscriptions on topic.
func (b *LocalBus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}
