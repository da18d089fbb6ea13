// Package forwarder relays queued observation payloads to the ingestion API
// one delivery at a time, acknowledging only what the API accepted.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/couchcryptid/weather-ingest-service/internal/observability"
)

// ErrTransportClosed is returned by Run when the queue connection or the
// delivery stream goes away. The process is expected to exit and restart.
var ErrTransportClosed = errors.New("queue transport closed")

// Source yields deliveries from the work queue.
type Source interface {
	Deliveries(ctx context.Context) (<-chan amqp.Delivery, error)
	Closed() <-chan *amqp.Error
	IsClosed() bool
}

// Relay sends one payload to the ingestion API.
type Relay interface {
	Forward(ctx context.Context, body []byte, requestID string) error
}

// Forwarder consumes deliveries and relays them.
type Forwarder struct {
	source    Source
	relay     Relay
	logger    *slog.Logger
	metrics   *observability.Metrics
	retry     backoff.BackOff
	clock     clockwork.Clock
	permanent func(error) bool
	ready     atomic.Bool
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithRetryBackoff sets the wait applied after each requeue. It is reset
// after every successful forward.
func WithRetryBackoff(b backoff.BackOff) Option {
	return func(f *Forwarder) { f.retry = b }
}

// WithClock replaces the clock used for retry waits.
func WithClock(c clockwork.Clock) Option {
	return func(f *Forwarder) { f.clock = c }
}

// WithPermanentErrors drops, instead of requeueing, deliveries whose forward
// error satisfies fn.
func WithPermanentErrors(fn func(error) bool) Option {
	return func(f *Forwarder) { f.permanent = fn }
}

// New creates a Forwarder. Without options it requeues every failure and
// waits 200ms doubling to 5s between retries.
func New(source Source, relay Relay, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Forwarder {
	f := &Forwarder{
		source:    source,
		relay:     relay,
		logger:    logger,
		metrics:   metrics,
		retry:     DefaultRetryBackoff(200*time.Millisecond, 5*time.Second),
		clock:     clockwork.NewRealClock(),
		permanent: func(error) bool { return false },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// DefaultRetryBackoff doubles from initial up to maxWait and never gives up.
func DefaultRetryBackoff(initial, maxWait time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxWait
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// CheckReadiness returns nil while the consume loop is running on a live
// connection.
func (f *Forwarder) CheckReadiness(_ context.Context) error {
	if !f.ready.Load() {
		return errors.New("forwarder is not consuming")
	}
	if f.source.IsClosed() {
		return errors.New("queue connection is closed")
	}
	return nil
}

// Run consumes until ctx is cancelled (returning nil) or the transport is
// lost (returning an error wrapping ErrTransportClosed).
func (f *Forwarder) Run(ctx context.Context) error {
	msgs, err := f.source.Deliveries(ctx)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	closed := f.source.Closed()

	f.logger.Info("forwarder started")
	f.metrics.ForwarderRunning.Set(1)
	f.ready.Store(true)
	defer func() {
		f.ready.Store(false)
		f.metrics.ForwarderRunning.Set(0)
	}()
	f.retry.Reset()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("forwarder stopping", "reason", ctx.Err())
			return nil

		case cause := <-closed:
			if ctx.Err() != nil {
				return nil
			}
			if cause != nil {
				return fmt.Errorf("%w: %s", ErrTransportClosed, cause.Error())
			}
			return ErrTransportClosed

		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: delivery channel closed", ErrTransportClosed)
			}
			if !f.handle(ctx, d) {
				f.logger.Info("forwarder stopping", "reason", ctx.Err())
				return nil
			}
		}
	}
}

// handle settles one delivery. It returns false if ctx was cancelled while
// waiting out a retry backoff.
func (f *Forwarder) handle(ctx context.Context, d amqp.Delivery) (cont bool) {
	log := f.logger.With("delivery_tag", d.DeliveryTag, "message_id", d.MessageId, "redelivered", d.Redelivered)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while forwarding", "panic", r)
			cont = f.requeue(ctx, d, log)
		}
	}()

	if !isJSONObject(d.Body) {
		// Unrecoverable: the message is discarded.
		log.Error("dropping message: body is not a JSON object", "bytes", len(d.Body))
		f.settle(log, d.Reject(false), "reject")
		f.metrics.Deliveries.WithLabelValues(observability.OutcomeDropped).Inc()
		return true
	}

	// The in-flight forward completes even during shutdown; the relay
	// enforces its own timeout.
	start := time.Now()
	err := f.relay.Forward(context.WithoutCancel(ctx), d.Body, d.MessageId)
	f.metrics.ForwardDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		f.settle(log, d.Ack(false), "ack")
		f.metrics.Deliveries.WithLabelValues(observability.OutcomeForwarded).Inc()
		f.retry.Reset()
		log.Debug("message forwarded")
		return true
	case f.permanent(err):
		log.Error("dropping message: rejected by ingestion api", "error", err)
		f.settle(log, d.Reject(false), "reject")
		f.metrics.Deliveries.WithLabelValues(observability.OutcomeDropped).Inc()
		return true
	default:
		log.Warn("forward failed, requeueing", "error", err)
		return f.requeue(ctx, d, log)
	}
}

func (f *Forwarder) requeue(ctx context.Context, d amqp.Delivery, log *slog.Logger) bool {
	f.settle(log, d.Reject(true), "requeue")
	f.metrics.Deliveries.WithLabelValues(observability.OutcomeRequeued).Inc()
	return f.wait(ctx, f.nextDelay())
}

// settle logs a failed ack or reject. The broker redelivers unsettled
// messages once the channel closes, so there is nothing else to do.
func (f *Forwarder) settle(log *slog.Logger, err error, action string) {
	if err != nil {
		log.Error(action+" failed", "error", err)
	}
}

func (f *Forwarder) nextDelay() time.Duration {
	d := f.retry.NextBackOff()
	if d == backoff.Stop {
		f.retry.Reset()
		d = f.retry.NextBackOff()
	}
	return d
}

func (f *Forwarder) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := f.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}

func isJSONObject(body []byte) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(body, &m) == nil && m != nil
}
