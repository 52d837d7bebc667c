package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kiranshivaraju/corpusflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// RedisBus fans events out over Redis Pub/Sub so that API and worker
// processes sharing one Redis see the same transitions.
type RedisBus struct {
	client *redis.Client
	buffer int

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedisBus creates a RedisBus on an existing client. The caller keeps
// ownership of the client.
func NewRedisBus(client *redis.Client, buffer int) *RedisBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &RedisBus{
		client: client,
		buffer: buffer,
		subs:   make(map[*redis.PubSub]struct{}),
	}
}

// Publish pipelines both PUBLISH commands so the job and owner topics see
// events in the same order.
func (b *RedisBus) Publish(ctx context.Context, evt models.NotificationEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	pipe := b.client.Pipeline()
	pipe.Publish(ctx, JobTopic(evt.JobID), data)
	pipe.Publish(ctx, OwnerTopic(evt.OwnerID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so events
// published after it returns are not missed.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	out := make(chan models.NotificationEvent, b.buffer)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			var evt models.NotificationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				slog.Warn("discarding malformed notification", "topic", topic, "error", err)
				continue
			}
			select {
			case out <- evt:
			default:
				slog.Debug("dropping notification for slow subscriber",
					"topic", topic, "job_id", evt.JobID, "status", evt.Status)
			}
		}
	}()

	return newSubscription(ctx, out, func() {
		b.mu.Lock()
		delete(b.subs, ps)
		b.mu.Unlock()
		if err := ps.Close(); err != nil {
			slog.Debug("close redis subscription", "topic", topic, "error", err)
		}
	}), nil
}

// Close ends all live subscriptions. The Redis client is left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for ps := range b.subs {
		ps.Close()
		delete(b.subs, ps)
	}
	return nil
}
