package messaging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"docindex/internal/apperr"
	"docindex/internal/config"
	"docindex/internal/logger"
)

// Channel is the subset of *amqp.Channel used by the client.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection used by the client.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialAMQP(url, name string) (Connection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  10 * time.Second,
		Properties: amqp.Table{"connection_name": name},
	})
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Publisher publishes pipeline events.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Client owns one broker connection per process. Publishing uses a dedicated
// channel; every subscription opens its own channel on the same connection.
// The connection is redialled lazily after it drops.
type Client struct {
	url              string
	name             string
	router           *Router
	prefetch         int
	requeueMalformed bool
	log              *zap.Logger
	dial             func(url, name string) (Connection, error)

	mu     sync.Mutex
	conn   Connection
	closed bool

	pubMu    sync.Mutex
	pub      Channel
	declared map[string]bool
}

var _ Publisher = (*Client)(nil)

// NewClient prepares a client. No connection is made until first use.
// name identifies the process in the broker's connection list.
func NewClient(cfg config.RabbitMQConfig, router *Router, name string, log *zap.Logger) *Client {
	prefetch := cfg.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	return &Client{
		url:              cfg.URL(),
		name:             name,
		router:           router,
		prefetch:         prefetch,
		requeueMalformed: cfg.RequeueMalformed,
		log:              logger.OrNop(log).With(zap.String("component", "messaging")),
		dial:             dialAMQP,
	}
}

// Connect dials the broker now instead of on first use, surfacing bad credentials at startup.
func (c *Client) Connect() error {
	_, err := c.connection()
	return err
}

func (c *Client) connection() (Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("%w: client closed", apperr.ErrTransport)
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}
	conn, err := c.dial(c.url, c.name)
	if err != nil {
		return nil, fmt.Errorf("%w: dial broker: %v", apperr.ErrTransport, err)
	}
	c.conn = conn
	c.log.Info("broker connected")
	return conn, nil
}

func (c *Client) openChannel() (Channel, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %v", apperr.ErrTransport, err)
	}
	return ch, nil
}

// queueArgs makes the broker count deliveries in x-delivery-count.
var queueArgs = amqp.Table{"x-queue-type": "quorum"}

// declareQueue declares a durable, shared quorum queue.
func declareQueue(ch Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("%w: declare queue %s: %v", apperr.ErrTransport, name, err)
	}
	return nil
}

// Publish encodes msg as JSON and writes it to the queue routed for its kind,
// declaring the queue first. The message id is the SHA-256 of the body, so
// identical events carry identical ids.
func (c *Client) Publish(ctx context.Context, msg Message) error {
	queue, err := c.router.Queue(msg.Kind())
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	sum := sha256.Sum256(body)

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	ch, err := c.publishChannel()
	if err != nil {
		return err
	}
	if !c.declared[queue] {
		if err := declareQueue(ch, queue); err != nil {
			c.resetPublisher()
			return err
		}
		c.declared[queue] = true
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    hex.EncodeToString(sum[:]),
		Type:         string(msg.Kind()),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		c.resetPublisher()
		return fmt.Errorf("%w: publish to %s: %v", apperr.ErrTransport, queue, err)
	}
	return nil
}

// publishChannel must be called with pubMu held.
func (c *Client) publishChannel() (Channel, error) {
	if c.pub != nil {
		return c.pub, nil
	}
	ch, err := c.openChannel()
	if err != nil {
		return nil, err
	}
	c.pub = ch
	c.declared = make(map[string]bool)
	return ch, nil
}

// resetPublisher drops a publish channel that failed. Must be called with pubMu held.
func (c *Client) resetPublisher() {
	if c.pub != nil {
		_ = c.pub.Close()
	}
	c.pub = nil
	c.declared = nil
}

// Close releases the publish channel and the connection. Subscriptions should be closed first.
func (c *Client) Close() error {
	c.pubMu.Lock()
	c.resetPublisher()
	c.pubMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
