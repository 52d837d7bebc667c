package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// wakeMessage is the body published for each submitted job.
type wakeMessage struct {
	JobID string `json:"job_id"`
}

// AMQPWaker publishes job ids to a durable RabbitMQ queue and turns each
// delivery into a wake-up signal. Multiple processes can share the queue.
type AMQPWaker struct {
	conn  *amqp.Connection
	pubCh *amqp.Channel
	subCh *amqp.Channel
	queue string

	pubMu sync.Mutex
	ch    chan struct{}
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewAMQPWaker connects to url, declares queue and starts consuming.
func NewAMQPWaker(url, queue string) (*AMQPWaker, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	subCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}

	if _, err := pubCh.QueueDeclare(
		queue, // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := subCh.Qos(16, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := subCh.Consume(
		queue, // queue
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consume queue: %w", err)
	}

	w := &AMQPWaker{
		conn:  conn,
		pubCh: pubCh,
		subCh: subCh,
		queue: queue,
		ch:    make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.consume(deliveries)

	slog.Info("amqp wake-up queue ready", "queue", queue)
	return w, nil
}

func (w *AMQPWaker) Notify(ctx context.Context, jobID uuid.UUID) error {
	body, err := json.Marshal(wakeMessage{JobID: jobID.String()})
	if err != nil {
		return fmt.Errorf("marshal wake message: %w", err)
	}

	w.pubMu.Lock()
	defer w.pubMu.Unlock()

	err = w.pubCh.PublishWithContext(ctx,
		"",      // default exchange
		w.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish wake message: %w", err)
	}
	return nil
}

func (w *AMQPWaker) C() <-chan struct{} {
	return w.ch
}

func (w *AMQPWaker) consume(deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case d, ok := <-deliveries:
			if !ok {
				slog.Warn("amqp delivery channel closed")
				return
			}

			var msg wakeMessage
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				slog.Error("malformed wake message", "error", err, "body", string(d.Body))
				if err := d.Nack(false, false); err != nil {
					slog.Error("nack wake message", "error", err)
				}
				continue
			}
			if _, err := uuid.Parse(msg.JobID); err != nil {
				slog.Error("invalid job_id in wake message", "job_id", msg.JobID)
				if err := d.Nack(false, false); err != nil {
					slog.Error("nack wake message", "error", err)
				}
				continue
			}

			// Wakes are hints: acked before the pool sees them, and the poll
			// ticker picks up any job a lost wake would have announced.
			if err := d.Ack(false); err != nil {
				slog.Error("ack wake message", "error", err)
			}
			slog.Debug("wake message received", "job_id", msg.JobID)
			signal(w.ch, w.done)
		}
	}
}

func (w *AMQPWaker) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.conn.Close()
		w.wg.Wait()
	})
	return err
}
