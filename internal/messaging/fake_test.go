package messaging

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type settle struct {
	tag     uint64
	ack     bool
	requeue bool
}

// recordingAcker is an amqp.Acknowledger that remembers every settle call.
type recordingAcker struct {
	mu      sync.Mutex
	settles []settle
}

func (a *recordingAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settles = append(a.settles, settle{tag: tag, ack: true})
	return nil
}

func (a *recordingAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settles = append(a.settles, settle{tag: tag, requeue: requeue})
	return nil
}

func (a *recordingAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *recordingAcker) all() []settle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settle(nil), a.settles...)
}

type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	qos        int
	published  []amqp.Publishing
	routedTo   []string
	publishErr error
	consumeErr error
	cancelled  []string
	closed     bool
	deliveries chan amqp.Delivery
	notify     []chan *amqp.Error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !durable || autoDelete || exclusive {
		return amqp.Queue{}, errors.New("unexpected queue flags")
	}
	// classic queues carry no x-delivery-count, which bounded requeueing relies on
	if args["x-queue-type"] != "quorum" {
		return amqp.Queue{}, errors.New("expected a quorum queue")
	}
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qos = prefetchCount
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	if autoAck {
		return nil, errors.New("auto ack not expected")
	}
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.routedTo = append(f.routedTo, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Cancel(consumer string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, consumer)
	return nil
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notify = append(f.notify, c)
	return c
}

// brokerClose simulates the server closing the channel with an error.
func (f *fakeChannel) brokerClose(err *amqp.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.notify {
		c <- err
		close(c)
	}
	f.notify = nil
	f.closed = true
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return amqp.ErrClosed
	}
	f.closed = true
	for _, c := range f.notify {
		close(c)
	}
	f.notify = nil
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeConnection struct {
	mu       sync.Mutex
	channels []*fakeChannel
	next     []*fakeChannel
	closed   bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := newFakeChannel()
	if len(c.next) > 0 {
		ch, c.next = c.next[0], c.next[1:]
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) opened() []*fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeChannel(nil), c.channels...)
}
