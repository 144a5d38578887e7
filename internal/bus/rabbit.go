package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

const attemptHeader = "x-attempt"

// RabbitBus is the RabbitMQ-backed MessageBus. Queues are durable; delivery
// is at-least-once with manual acknowledgement. Retries are tracked through
// an attempt header: a requeue-nack republishes the body with the count
// incremented and acks the original, so redelivery never hot-loops and the
// dead-letter ceiling is enforceable across broker restarts.
type RabbitBus struct {
	conn       *amqp.Connection
	pubCh      *amqp.Channel
	maxAttempt int
	mu         sync.Mutex
	logger     arbor.ILogger
}

// NewRabbitBus connects to the broker and opens the publish channel.
func NewRabbitBus(url string, maxAttempt int, logger arbor.ILogger) (*RabbitBus, error) {
	if maxAttempt <= 0 {
		maxAttempt = 5
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &RabbitBus{
		conn:       conn,
		pubCh:      ch,
		maxAttempt: maxAttempt,
		logger:     logger,
	}, nil
}

// DeclareQueue declares the durable queue and its dead-letter pair.
func (b *RabbitBus) DeclareQueue(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, name := range []string{queue, models.DeadLetterQueue(queue)} {
		_, err := b.pubCh.QueueDeclare(
			name,  // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}
	return nil
}

// Publish enqueues one message body on the default exchange.
func (b *RabbitBus) Publish(ctx context.Context, queue string, body []byte) error {
	return b.publish(queue, body, 0)
}

func (b *RabbitBus) publish(queue string, body []byte, attempt int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.pubCh.Publish(
		"",    // exchange (default)
		queue, // routing key (queue name)
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{attemptHeader: int32(attempt)},
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Subscribe attaches one consumer to the queue on a dedicated channel with
// a prefetch of one, so a handler holds at most one in-flight message.
func (b *RabbitBus) Subscribe(ctx context.Context, queue string, handler interfaces.DeliveryHandler) (interfaces.StopFunc, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer tag (auto)
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-subCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				b.deliver(subCtx, queue, d, handler)
			}
		}
	}()

	stop := func() error {
		cancel()
		<-done
		return ch.Close()
	}
	return stop, nil
}

func (b *RabbitBus) deliver(ctx context.Context, queue string, d amqp.Delivery, handler interfaces.DeliveryHandler) {
	attempt := headerAttempt(d.Headers) + 1

	delivery := &interfaces.Delivery{
		Queue:   queue,
		Body:    d.Body,
		Attempt: attempt,
		Ack: func() error {
			return d.Ack(false)
		},
		Nack: func(requeue bool) error {
			if requeue && attempt < b.maxAttempt {
				if err := b.publish(queue, d.Body, attempt); err != nil {
					// Keep the original so the message is not lost.
					return d.Nack(false, true)
				}
				return d.Ack(false)
			}
			b.logger.Warn().
				Str("queue", queue).
				Int("attempt", attempt).
				Msg("Message dead-lettered")
			if err := b.publish(models.DeadLetterQueue(queue), d.Body, attempt); err != nil {
				return d.Nack(false, true)
			}
			return d.Ack(false)
		},
	}

	handler(ctx, delivery)
}

func headerAttempt(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// QueueDepth inspects the queue's ready-message count.
func (b *RabbitBus) QueueDepth(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.pubCh.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Close closes the channel and connection.
func (b *RabbitBus) Close() error {
	if b.pubCh != nil {
		b.pubCh.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
