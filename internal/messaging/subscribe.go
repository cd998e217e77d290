package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"docindex/internal/apperr"
)

// ErrStreamClosed is returned by Next once the subscription was cancelled or closed.
var ErrStreamClosed = errors.New("stream closed")

// Stream is a non-restartable sequence of deliveries for one subscription.
type Stream[T Message] interface {
	// Next blocks until a delivery is available, the stream ends or ctx is done.
	// It returns ErrStreamClosed after cancellation and an error wrapping
	// apperr.ErrTransport when the broker dropped the channel.
	Next(ctx context.Context) (*Received[T], error)
	// Close cancels the consumer and closes its channel. Deliveries buffered
	// but not yet returned by Next go back to the broker. Safe to call twice.
	Close() error
}

type subscription[T Message] struct {
	ch               Channel
	tag              string
	queue            string
	requeueMalformed bool
	log              *zap.Logger

	items chan *Received[T]
	stop  chan struct{}
	done  chan struct{}
	err   error // set before done is closed

	cancelOnce sync.Once
	closeOnce  sync.Once
	closeErr   error
}

// Subscribe declares the queue routed for T, limits unacknowledged deliveries to
// the configured prefetch and starts consuming with manual acknowledgement.
// Cancelling ctx stops the consumer; the caller still owns Close.
func Subscribe[T Message](ctx context.Context, c *Client) (Stream[T], error) {
	var zero T
	queue, err := c.router.Queue(zero.Kind())
	if err != nil {
		return nil, err
	}

	ch, err := c.openChannel()
	if err != nil {
		return nil, err
	}
	fail := func(err error) (Stream[T], error) {
		_ = ch.Close()
		return nil, err
	}

	if err := declareQueue(ch, queue); err != nil {
		return fail(err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("%w: set qos: %v", apperr.ErrTransport, err))
	}
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))

	tag := fmt.Sprintf("%s-%s", c.name, uuid.NewString())
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("%w: consume %s: %v", apperr.ErrTransport, queue, err))
	}

	s := &subscription[T]{
		ch:               ch,
		tag:              tag,
		queue:            queue,
		requeueMalformed: c.requeueMalformed,
		log:              c.log.With(zap.String("queue", queue), zap.String("consumer", tag)),
		items:            make(chan *Received[T], c.prefetch),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	go s.pump(deliveries, closes)
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.done:
		}
	}()

	s.log.Info("subscribed", zap.Int("prefetch", c.prefetch))
	return s, nil
}

// pump moves deliveries from the broker into the handoff buffer so the
// connection's read loop never waits on message processing.
func (s *subscription[T]) pump(deliveries <-chan amqp.Delivery, closes <-chan *amqp.Error) {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case amqpErr, ok := <-closes:
			if s.stopping() {
				return
			}
			if !ok || amqpErr == nil {
				s.err = fmt.Errorf("%w: channel closed", apperr.ErrTransport)
			} else {
				s.err = fmt.Errorf("%w: channel closed: %v", apperr.ErrTransport, amqpErr)
			}
			return
		case d, ok := <-deliveries:
			if !ok {
				if !s.stopping() {
					s.err = fmt.Errorf("%w: delivery stream ended", apperr.ErrTransport)
				}
				return
			}
			r, err := s.decode(d)
			if err != nil {
				s.log.Error("malformed message",
					zap.Uint64("delivery_tag", d.DeliveryTag),
					zap.Bool("requeue", s.requeueMalformed),
					zap.Error(err),
				)
				if nackErr := d.Nack(false, s.requeueMalformed); nackErr != nil {
					s.log.Warn("nack malformed message failed", zap.Error(nackErr))
				}
				continue
			}
			select {
			case s.items <- r:
			case <-s.stop:
				// r stays unacknowledged and returns to the queue when the channel closes.
				return
			}
		}
	}
}

func (s *subscription[T]) decode(d amqp.Delivery) (*Received[T], error) {
	var msg T
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrDeserialization, err)
	}
	if v, ok := any(msg).(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}
	return NewReceived(msg, d), nil
}

func (s *subscription[T]) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *subscription[T]) Next(ctx context.Context) (*Received[T], error) {
	if s.stopping() {
		return nil, ErrStreamClosed
	}
	select {
	case <-s.done:
		return nil, s.endErr()
	default:
	}

	select {
	case r := <-s.items:
		if s.stopping() {
			return nil, ErrStreamClosed
		}
		return r, nil
	case <-s.stop:
		return nil, ErrStreamClosed
	case <-s.done:
		return nil, s.endErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *subscription[T]) endErr() error {
	if s.err != nil {
		return s.err
	}
	return ErrStreamClosed
}

// cancel stops the broker from sending more deliveries and ends the stream.
func (s *subscription[T]) cancel() {
	s.cancelOnce.Do(func() {
		close(s.stop)
		if err := s.ch.Cancel(s.tag, false); err != nil {
			s.log.Debug("cancel consumer", zap.Error(err))
		}
	})
}

func (s *subscription[T]) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			s.closeErr = fmt.Errorf("%w: close channel: %v", apperr.ErrTransport, err)
		}
		s.log.Info("unsubscribed")
	})
	return s.closeErr
}
