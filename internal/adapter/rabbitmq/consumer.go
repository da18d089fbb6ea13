package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer receives deliveries from one queue with prefetch 1 and manual
// acknowledgement, so at most one unacknowledged message is held at a time.
type Consumer struct {
	conn   *Connection
	ch     *amqp.Channel
	queue  string
	tag    string
	closed <-chan *amqp.Error
	logger *slog.Logger
}

// NewConsumer declares queue and configures a channel for one-at-a-time
// consumption.
func NewConsumer(conn *Connection, queue string, logger *slog.Logger) (*Consumer, error) {
	ch, err := conn.channel()
	if err != nil {
		return nil, err
	}
	if err := declareQueue(ch, queue); err != nil {
		ch.Close() //nolint:errcheck // already failing
		return nil, err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	return &Consumer{
		conn:   conn,
		ch:     ch,
		queue:  queue,
		tag:    "forwarder-" + uuid.NewString(),
		closed: conn.NotifyClose(),
		logger: logger,
	}, nil
}

// Deliveries starts consuming. The returned channel is closed when ctx is
// cancelled or the channel or connection is lost.
func (c *Consumer) Deliveries(ctx context.Context) (<-chan amqp.Delivery, error) {
	msgs, err := c.ch.ConsumeWithContext(ctx,
		c.queue,
		c.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", c.queue, err)
	}
	c.logger.Info("consuming", "queue", c.queue, "consumer_tag", c.tag)
	return msgs, nil
}

// Closed delivers the connection close notification.
func (c *Consumer) Closed() <-chan *amqp.Error {
	return c.closed
}

// IsClosed reports whether the transport is gone.
func (c *Consumer) IsClosed() bool {
	return c.conn.IsClosed() || c.ch.IsClosed()
}

// Close closes the consumer's channel.
func (c *Consumer) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}
