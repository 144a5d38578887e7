package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// memMessage is one queued message with its delivery count.
type memMessage struct {
	body    []byte
	attempt int
}

// memQueue is a single in-process queue.
type memQueue struct {
	ch chan *memMessage
}

// queueCapacity bounds each in-process queue.
const queueCapacity = 4096

// MemoryBus is an in-process MessageBus with the same at-least-once and
// dead-letter semantics as the AMQP implementation. Used by tests and by
// single-process deployments that have no broker.
type MemoryBus struct {
	queues     map[string]*memQueue
	maxAttempt int
	mu         sync.RWMutex
	closed     bool
	logger     arbor.ILogger
}

// NewMemoryBus creates an in-process bus. maxAttempt is the delivery
// ceiling before dead-letter.
func NewMemoryBus(maxAttempt int, logger arbor.ILogger) *MemoryBus {
	if maxAttempt <= 0 {
		maxAttempt = 5
	}
	return &MemoryBus{
		queues:     make(map[string]*memQueue),
		maxAttempt: maxAttempt,
		logger:     logger,
	}
}

// DeclareQueue creates the queue and its dead-letter pair. Idempotent.
func (b *MemoryBus) DeclareQueue(ctx context.Context, queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	b.declareLocked(queue)
	b.declareLocked(models.DeadLetterQueue(queue))
	return nil
}

func (b *MemoryBus) declareLocked(queue string) *memQueue {
	q, ok := b.queues[queue]
	if !ok {
		q = &memQueue{ch: make(chan *memMessage, queueCapacity)}
		b.queues[queue] = q
	}
	return q
}

// Publish enqueues one message body.
func (b *MemoryBus) Publish(ctx context.Context, queue string, body []byte) error {
	return b.push(queue, &memMessage{body: body, attempt: 0})
}

func (b *MemoryBus) push(queue string, msg *memMessage) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	q := b.declareLocked(queue)
	b.mu.Unlock()

	select {
	case q.ch <- msg:
		return nil
	default:
		return fmt.Errorf("queue %s full", queue)
	}
}

// Subscribe attaches one consumer goroutine to the queue.
func (b *MemoryBus) Subscribe(ctx context.Context, queue string, handler interfaces.DeliveryHandler) (interfaces.StopFunc, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	q := b.declareLocked(queue)
	b.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-q.ch:
				if !ok {
					return
				}
				b.deliver(subCtx, queue, msg, handler)
			}
		}
	}()

	stop := func() error {
		cancel()
		<-done
		return nil
	}
	return stop, nil
}

func (b *MemoryBus) deliver(ctx context.Context, queue string, msg *memMessage, handler interfaces.DeliveryHandler) {
	msg.attempt++
	settled := false
	var mu sync.Mutex

	settle := func() bool {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			return false
		}
		settled = true
		return true
	}

	delivery := &interfaces.Delivery{
		Queue:   queue,
		Body:    msg.body,
		Attempt: msg.attempt,
		Ack: func() error {
			if !settle() {
				return fmt.Errorf("message already settled")
			}
			return nil
		},
		Nack: func(requeue bool) error {
			if !settle() {
				return fmt.Errorf("message already settled")
			}
			if requeue && msg.attempt < b.maxAttempt {
				return b.repush(queue, msg)
			}
			b.logger.Warn().
				Str("queue", queue).
				Int("attempt", msg.attempt).
				Msg("Message dead-lettered")
			return b.repush(models.DeadLetterQueue(queue), msg)
		},
	}

	handler(ctx, delivery)

	// Unsettled messages are redelivered, matching broker behavior for a
	// consumer that drops a delivery without acking.
	mu.Lock()
	abandoned := !settled
	mu.Unlock()
	if abandoned {
		_ = b.repush(queue, msg)
	}
}

// repush re-enqueues a delivered message. Callers of Nack discard its
// error, so a failed push is logged here; losing a message silently would
// defeat the at-least-once contract.
func (b *MemoryBus) repush(queue string, msg *memMessage) error {
	err := b.push(queue, msg)
	if err != nil {
		b.logger.Error().
			Str("queue", queue).
			Int("attempt", msg.attempt).
			Err(err).
			Msg("Message dropped on requeue")
	}
	return err
}

// QueueDepth reports the number of ready messages in a queue.
func (b *MemoryBus) QueueDepth(ctx context.Context, queue string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[queue]
	if !ok {
		return 0, nil
	}
	return len(q.ch), nil
}

// Close shuts the bus down. Pending messages are dropped.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
