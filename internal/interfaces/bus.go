package interfaces

import "context"

// Delivery is one message handed to a consumer. Delivery is at-least-once:
// a handler acks only after its side effects are durable, and nacks on any
// error. Attempt counts deliveries of this message, starting at 1.
type Delivery struct {
	Queue   string
	Body    []byte
	Attempt int

	// Ack removes the message from the queue.
	Ack func() error
	// Nack returns the message. requeue=true redelivers it (counting
	// toward the bus retry limit, after which the bus dead-letters it);
	// requeue=false dead-letters it immediately.
	Nack func(requeue bool) error
}

// DeliveryHandler processes one delivery. The handler owns ack/nack.
type DeliveryHandler func(ctx context.Context, d *Delivery)

// StopFunc cancels a subscription and waits for in-flight handlers.
type StopFunc func() error

// MessageBus is the durable queue transport. Queues are FIFO only per queue
// per single consumer; cross-queue ordering belongs to the orchestrator.
type MessageBus interface {
	// DeclareQueue creates the durable queue (and its dead-letter pair)
	// if it does not exist. Idempotent.
	DeclareQueue(ctx context.Context, queue string) error

	// Publish enqueues one message body.
	Publish(ctx context.Context, queue string, body []byte) error

	// Subscribe attaches one consumer to the queue. Call it n times for n
	// concurrent consumers.
	Subscribe(ctx context.Context, queue string, handler DeliveryHandler) (StopFunc, error)

	// QueueDepth reports the number of ready messages in a queue.
	QueueDepth(ctx context.Context, queue string) (int, error)

	Close() error
}
