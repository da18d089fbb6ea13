package forwarder_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/weather-ingest-service/internal/adapter/apiclient"
	"github.com/couchcryptid/weather-ingest-service/internal/domain/domaintest"
	"github.com/couchcryptid/weather-ingest-service/internal/forwarder"
	"github.com/couchcryptid/weather-ingest-service/internal/observability"
)

// --- fakes ---

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// acknowledger records how each delivery was settled.
type acknowledger struct {
	mu  sync.Mutex
	log []settlement
}

func (a *acknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log = append(a.log, settlement{tag: tag, ack: true})
	return nil
}

func (a *acknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	return a.Reject(tag, requeue)
}

func (a *acknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.log = append(a.log, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *acknowledger) settled() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.log...)
}

type fakeSource struct {
	msgs     chan amqp.Delivery
	closed   chan *amqp.Error
	isClosed atomic.Bool
	err      error
	ack      *acknowledger
	nextTag  atomic.Uint64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		msgs:   make(chan amqp.Delivery),
		closed: make(chan *amqp.Error, 1),
		ack:    &acknowledger{},
	}
}

func (s *fakeSource) Deliveries(context.Context) (<-chan amqp.Delivery, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.msgs, nil
}

func (s *fakeSource) Closed() <-chan *amqp.Error { return s.closed }
func (s *fakeSource) IsClosed() bool            { return s.isClosed.Load() }

// deliver hands body to the forwarder and returns its delivery tag.
func (s *fakeSource) deliver(t *testing.T, body []byte, messageID string) uint64 {
	t.Helper()
	tag := s.nextTag.Add(1)
	select {
	case s.msgs <- amqp.Delivery{Acknowledger: s.ack, DeliveryTag: tag, MessageId: messageID, Body: body}:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not take delivery")
	}
	return tag
}

type call struct {
	body      string
	requestID string
}

type fakeRelay struct {
	mu    sync.Mutex
	calls []call
	fn    func(n int) error
}

func (r *fakeRelay) Forward(_ context.Context, body []byte, requestID string) error {
	r.mu.Lock()
	r.calls = append(r.calls, call{body: string(body), requestID: requestID})
	n := len(r.calls)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(n)
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// --- helpers ---

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	src     *fakeSource
	relay   *fakeRelay
	fwd     *forwarder.Forwarder
	metrics *observability.Metrics
	cancel  context.CancelFunc
	done    chan error
}

func start(t *testing.T, relay *fakeRelay, opts ...forwarder.Option) *harness {
	t.Helper()
	src := newFakeSource()
	metrics := observability.NewMetricsForTesting()
	opts = append([]forwarder.Option{forwarder.WithRetryBackoff(&backoff.ZeroBackOff{})}, opts...)
	fwd := forwarder.New(src, relay, discard(), metrics, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{src: src, relay: relay, fwd: fwd, metrics: metrics, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- fwd.Run(ctx) }()
	t.Cleanup(cancel)
	return h
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not stop")
		return nil
	}
}

func (h *harness) waitSettled(t *testing.T, n int) []settlement {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.src.ack.settled()) >= n }, 2*time.Second, 5*time.Millisecond)
	return h.src.ack.settled()
}

func outcome(m *observability.Metrics, o string) float64 {
	return testutil.ToFloat64(m.Deliveries.WithLabelValues(o))
}

// --- tests ---

func TestForwarder_ForwardsAndAcks(t *testing.T) {
	relay := &fakeRelay{}
	h := start(t, relay)

	tag := h.src.deliver(t, domaintest.Body(), "msg-1")
	settled := h.waitSettled(t, 1)

	assert.Equal(t, []settlement{{tag: tag, ack: true}}, settled)
	require.NoError(t, h.stop(t))

	require.Equal(t, 1, relay.count())
	assert.Equal(t, string(domaintest.Body()), relay.calls[0].body)
	assert.Equal(t, "msg-1", relay.calls[0].requestID)
	assert.InDelta(t, 1, outcome(h.metrics, observability.OutcomeForwarded), 0)
}

func TestForwarder_DropsMalformedWithoutStalling(t *testing.T) {
	relay := &fakeRelay{}
	h := start(t, relay)

	for _, body := range []string{`not json`, `[1,2]`, `"x"`, `null`} {
		h.src.deliver(t, []byte(body), "bad")
	}
	good := h.src.deliver(t, []byte(`{"location":{}}`), "good")

	settled := h.waitSettled(t, 5)
	require.NoError(t, h.stop(t))

	for _, s := range settled[:4] {
		assert.False(t, s.ack)
		assert.False(t, s.requeue, "malformed messages must not be requeued")
	}
	assert.Equal(t, settlement{tag: good, ack: true}, settled[4])
	assert.Equal(t, 1, relay.count())
	assert.InDelta(t, 4, outcome(h.metrics, observability.OutcomeDropped), 0)
}

func TestForwarder_RequeuesOnFailureThenAcksRedelivery(t *testing.T) {
	relay := &fakeRelay{fn: func(n int) error {
		if n == 1 {
			return errors.New("connection refused")
		}
		return nil
	}}
	h := start(t, relay)

	first := h.src.deliver(t, domaintest.Body(), "msg-1")
	second := h.src.deliver(t, domaintest.Body(), "msg-1")
	settled := h.waitSettled(t, 2)
	require.NoError(t, h.stop(t))

	assert.Equal(t, []settlement{{tag: first, requeue: true}, {tag: second, ack: true}}, settled)
	assert.InDelta(t, 1, outcome(h.metrics, observability.OutcomeRequeued), 0)
	assert.InDelta(t, 1, outcome(h.metrics, observability.OutcomeForwarded), 0)
}

func TestForwarder_ClientErrorRequeuedByDefault(t *testing.T) {
	relay := &fakeRelay{fn: func(int) error {
		return &apiclient.StatusError{Code: http.StatusBadRequest, Body: `{"detail":"missing required field: location"}`}
	}}
	h := start(t, relay)

	tag := h.src.deliver(t, []byte(`{}`), "m")
	settled := h.waitSettled(t, 1)
	require.NoError(t, h.stop(t))

	assert.Equal(t, settlement{tag: tag, requeue: true}, settled[0])
}

func TestForwarder_PermanentErrorsDropped(t *testing.T) {
	relay := &fakeRelay{fn: func(n int) error {
		if n == 1 {
			return &apiclient.StatusError{Code: http.StatusBadRequest}
		}
		return &apiclient.StatusError{Code: http.StatusServiceUnavailable}
	}}
	h := start(t, relay, forwarder.WithPermanentErrors(apiclient.IsClientError))

	bad := h.src.deliver(t, []byte(`{}`), "m1")
	down := h.src.deliver(t, []byte(`{}`), "m2")
	settled := h.waitSettled(t, 2)
	require.NoError(t, h.stop(t))

	assert.Equal(t, []settlement{{tag: bad}, {tag: down, requeue: true}}, settled)
}

func TestForwarder_PanicIsRequeued(t *testing.T) {
	relay := &fakeRelay{fn: func(n int) error {
		if n == 1 {
			panic("boom")
		}
		return nil
	}}
	h := start(t, relay)

	first := h.src.deliver(t, []byte(`{}`), "m")
	second := h.src.deliver(t, []byte(`{}`), "m")
	settled := h.waitSettled(t, 2)
	require.NoError(t, h.stop(t))

	assert.Equal(t, []settlement{{tag: first, requeue: true}, {tag: second, ack: true}}, settled)
}

func TestForwarder_WaitsBetweenRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	relay := &fakeRelay{fn: func(int) error { return errors.New("api down") }}
	h := start(t, relay,
		forwarder.WithRetryBackoff(backoff.NewConstantBackOff(time.Second)),
		forwarder.WithClock(clock),
	)

	h.src.deliver(t, []byte(`{}`), "m")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	// The next delivery is not taken until the backoff elapses.
	select {
	case h.src.msgs <- amqp.Delivery{Acknowledger: h.src.ack, DeliveryTag: 99, Body: []byte(`{}`)}:
		t.Fatal("delivery taken during backoff")
	case <-time.After(50 * time.Millisecond):
	}

	clock.Advance(time.Second)
	h.src.deliver(t, []byte(`{}`), "m")
	require.Eventually(t, func() bool { return relay.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.stop(t))
}

func TestForwarder_CancelDuringBackoff(t *testing.T) {
	relay := &fakeRelay{fn: func(int) error { return errors.New("api down") }}
	h := start(t, relay, forwarder.WithRetryBackoff(backoff.NewConstantBackOff(time.Hour)))

	h.src.deliver(t, []byte(`{}`), "m")
	h.waitSettled(t, 1)
	assert.NoError(t, h.stop(t))
}

func TestForwarder_DeliveryChannelClosed(t *testing.T) {
	h := start(t, &fakeRelay{})
	close(h.src.msgs)

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, forwarder.ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not exit")
	}
}

func TestForwarder_ConnectionClosed(t *testing.T) {
	h := start(t, &fakeRelay{})
	h.src.closed <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker shutdown"}

	select {
	case err := <-h.done:
		require.ErrorIs(t, err, forwarder.ErrTransportClosed)
		assert.Contains(t, err.Error(), "broker shutdown")
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder did not exit")
	}
}

func TestForwarder_ConsumeError(t *testing.T) {
	src := newFakeSource()
	src.err = errors.New("channel/connection is not open")
	fwd := forwarder.New(src, &fakeRelay{}, discard(), observability.NewMetricsForTesting())

	err := fwd.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start consuming")
}

func TestForwarder_CheckReadiness(t *testing.T) {
	relay := &fakeRelay{}
	h := start(t, relay)

	require.Eventually(t, func() bool {
		return h.fwd.CheckReadiness(context.Background()) == nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.ForwarderRunning), 0)

	h.src.isClosed.Store(true)
	assert.Error(t, h.fwd.CheckReadiness(context.Background()))
	h.src.isClosed.Store(false)

	require.NoError(t, h.stop(t))
	assert.Error(t, h.fwd.CheckReadiness(context.Background()))
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.ForwarderRunning), 0)
}

func TestForwarder_NotReadyBeforeRun(t *testing.T) {
	fwd := forwarder.New(newFakeSource(), &fakeRelay{}, discard(), observability.NewMetricsForTesting())
	assert.Error(t, fwd.CheckReadiness(context.Background()))
}

func TestDefaultRetryBackoff(t *testing.T) {
	b := forwarder.DefaultRetryBackoff(200*time.Millisecond, time.Second)
	var got []time.Duration
	for range 5 {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second,
	}, got)
}
