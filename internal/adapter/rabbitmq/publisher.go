package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher writes persistent JSON messages to the work queue and waits for
// the broker to confirm each one.
type Publisher struct {
	ch    *amqp.Channel
	queue string
}

// NewPublisher declares queue and puts a fresh channel into confirm mode.
func NewPublisher(conn *Connection, queue string) (*Publisher, error) {
	ch, err := conn.channel()
	if err != nil {
		return nil, err
	}
	if err := declareQueue(ch, queue); err != nil {
		ch.Close() //nolint:errcheck // already failing
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &Publisher{ch: ch, queue: queue}, nil
}

// Publish sends body through the default exchange and returns the message
// id it was sent with.
func (p *Publisher) Publish(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    id,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return "", fmt.Errorf("publish to %q: %w", p.queue, err)
	}

	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("await confirm: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("broker nacked message %s", id)
	}
	return id, nil
}

// Close closes the publisher's channel.
func (p *Publisher) Close() error {
	if p.ch.IsClosed() {
		return nil
	}
	return p.ch.Close()
}
