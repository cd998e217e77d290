package messaging

import (
	"errors"
	"fmt"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"docindex/internal/apperr"
)

// ErrAlreadySettled is returned when Ack or Reject is called on a delivery that was already settled.
// Settling twice is a programming error; the broker is never told twice.
var ErrAlreadySettled = errors.New("delivery already settled")

// Received is one decoded delivery. Exactly one of Ack or Reject must be called.
// Settling neither leaves the message unacknowledged until the channel closes,
// after which the broker redelivers it.
type Received[T any] struct {
	Message T

	delivery amqp.Delivery
	settled  atomic.Bool
}

// NewReceived wraps a decoded message and the delivery it came from.
func NewReceived[T any](msg T, d amqp.Delivery) *Received[T] {
	return &Received[T]{Message: msg, delivery: d}
}

// DeliveryTag identifies this delivery on its channel.
func (r *Received[T]) DeliveryTag() uint64 { return r.delivery.DeliveryTag }

// Redelivered reports whether the broker has delivered this message before.
func (r *Received[T]) Redelivered() bool { return r.delivery.Redelivered }

// Attempt is the 1-based delivery attempt. Quorum queues report an exact count in
// x-delivery-count; classic queues only expose the redelivered flag, so any
// redelivery counts as attempt 2.
func (r *Received[T]) Attempt() int {
	if n, ok := deliveryCount(r.delivery.Headers); ok {
		return n + 1
	}
	if r.delivery.Redelivered {
		return 2
	}
	return 1
}

// AttemptCounted reports whether Attempt comes from a broker delivery count.
// When false, a redelivered message may have been attempted any number of times.
func (r *Received[T]) AttemptCounted() bool {
	_, ok := deliveryCount(r.delivery.Headers)
	return ok
}

// Ack removes the message from the queue.
func (r *Received[T]) Ack() error {
	if !r.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if err := r.delivery.Ack(false); err != nil {
		return fmt.Errorf("%w: ack %d: %v", apperr.ErrTransport, r.delivery.DeliveryTag, err)
	}
	return nil
}

// Reject negatively acknowledges the message. With requeue the broker delivers it
// again; without, it is dropped (or dead-lettered when the queue is configured so).
func (r *Received[T]) Reject(requeue bool) error {
	if !r.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if err := r.delivery.Nack(false, requeue); err != nil {
		return fmt.Errorf("%w: nack %d: %v", apperr.ErrTransport, r.delivery.DeliveryTag, err)
	}
	return nil
}

func deliveryCount(h amqp.Table) (int, bool) {
	switch v := h["x-delivery-count"].(type) {
	case int:
		return v, true
	case int8:
		return int(v), true
	case int16:
		return int(v), true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint8:
		return int(v), true
	case uint16:
		return int(v), true
	case uint32:
		return int(v), true
	default:
		return 0, false
	}
}
