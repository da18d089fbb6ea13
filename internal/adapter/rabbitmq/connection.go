// Package rabbitmq is the queue transport: a manual-ack consumer for the
// forwarder and a persistent publisher for producers and smoke checks.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is an owned AMQP connection. Consumers and publishers open
// their own channels on it.
type Connection struct {
	conn   *amqp.Connection
	logger *slog.Logger
}

// DefaultDialPolicy retries the initial dial for up to maxElapsed.
func DefaultDialPolicy(maxElapsed time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxElapsed
	return b
}

// Dial connects to url, retrying according to policy until it succeeds, the
// policy gives up, or ctx is cancelled.
func Dial(ctx context.Context, url string, policy backoff.BackOff, logger *slog.Logger) (*Connection, error) {
	host := redact(url)

	var conn *amqp.Connection
	attempt := 0
	op := func() error {
		attempt++
		c, err := amqp.Dial(url)
		if err != nil {
			logger.Warn("rabbitmq dial failed", "host", host, "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("connect to rabbitmq at %s: %w", host, err)
	}

	logger.Info("connected to rabbitmq", "host", host, "attempts", attempt)
	return &Connection{conn: conn, logger: logger}, nil
}

// IsClosed reports whether the underlying connection has gone away.
func (c *Connection) IsClosed() bool {
	return c.conn.IsClosed()
}

// NotifyClose registers for the connection's close notification. The
// channel receives the cause on an abnormal close and is closed afterwards.
func (c *Connection) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close closes the connection and every channel opened on it.
func (c *Connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	c.logger.Info("rabbitmq connection closed")
	return nil
}

func (c *Connection) channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// declareQueue declares the durable work queue shared by producer and
// consumer.
func declareQueue(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}
	return nil
}

// redact returns url without credentials, for logs.
func redact(url string) string {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "invalid-url"
	}
	return fmt.Sprintf("%s:%d", uri.Host, uri.Port)
}
