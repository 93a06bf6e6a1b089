package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/brokerrpc/internal/runtime/errors"
)

type handleFixture struct {
	handle   *consumerHandle
	messages chan *message.Message
	metrics  *brokerMetrics
	once     sync.Once
}

func (f *handleFixture) closeStream() {
	f.once.Do(func() { close(f.messages) })
}

func newHandleFixture(t *testing.T, limit int) *handleFixture {
	t.Helper()
	return startHandleFixture(t, limit, false)
}

func startHandleFixture(t *testing.T, limit int, onDemand bool) *handleFixture {
	t.Helper()
	messages := make(chan *message.Message, 32)
	sub := newTestSubscriber()
	metrics := newBrokerMetrics(prometheus.NewRegistry())
	_, cancel := context.WithCancel(context.Background())

	h := newConsumerHandle("method_results", "default", sub, cancel, limit, newTestLogger(), metrics)
	h.onDemand = onDemand
	go h.run(messages)

	f := &handleFixture{handle: h, messages: messages, metrics: metrics}
	t.Cleanup(func() {
		f.closeStream()
		h.finish(errspkg.ErrSubscriptionClosed)
		<-h.done
	})
	return f
}

func nextWithin(t *testing.T, h *consumerHandle, key string) *message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := h.next(ctx, key)
	require.NoError(t, err)
	return msg
}

func TestConsumerHandleBuffersOutOfOrderEnvelopes(t *testing.T) {
	f := newHandleFixture(t, 0)

	f.messages <- keyed("b", []byte("second"))
	f.messages <- keyed("a", []byte("first"))

	assert.Equal(t, "first", string(nextWithin(t, f.handle, "a").Payload))
	assert.Equal(t, "second", string(nextWithin(t, f.handle, "b").Payload))
	assert.Equal(t, 0, f.handle.info().Backlog)
}

func TestConsumerHandleDeliversToWaiter(t *testing.T) {
	f := newHandleFixture(t, 0)

	got := make(chan *message.Message, 1)
	go func() {
		msg, err := f.handle.next(context.Background(), "k1")
		if err == nil {
			got <- msg
		}
	}()

	require.Eventually(t, func() bool { return f.handle.info().Waiters == 1 }, time.Second, time.Millisecond)
	f.messages <- keyed("other", []byte("x"))
	f.messages <- keyed("k1", []byte("mine"))

	select {
	case msg := <-got:
		assert.Equal(t, "mine", string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served")
	}
	require.Eventually(t, func() bool { return f.handle.info().Backlog == 1 }, time.Second, time.Millisecond)
}

func TestConsumerHandleEmptyKeyMatchesAnything(t *testing.T) {
	f := newHandleFixture(t, 0)

	f.messages <- keyed("", []byte("request-1"))
	f.messages <- keyed("some-id", []byte("request-2"))

	assert.Equal(t, "request-1", string(nextWithin(t, f.handle, "").Payload))
	assert.Equal(t, "request-2", string(nextWithin(t, f.handle, "").Payload))
}

func TestConsumerHandleAcksOnReceipt(t *testing.T) {
	f := newHandleFixture(t, 0)

	msg := keyed("a", nil)
	f.messages <- msg

	select {
	case <-msg.Acked():
	case <-time.After(time.Second):
		t.Fatal("envelope was not acknowledged")
	}
}

func TestConsumerHandleEvictsOldestWhenFull(t *testing.T) {
	f := newHandleFixture(t, 2)

	f.messages <- keyed("1", nil)
	f.messages <- keyed("2", nil)
	f.messages <- keyed("3", nil)

	require.Eventually(t, func() bool { return f.handle.info().Received == 3 }, time.Second, time.Millisecond)
	info := f.handle.info()
	assert.Equal(t, 2, info.Backlog)
	assert.Equal(t, uint64(1), info.Evicted)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.consumerEvicted.WithLabelValues("method_results", "default")))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.consumerBacklog.WithLabelValues("method_results", "default")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.handle.next(ctx, "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotNil(t, nextWithin(t, f.handle, "3"))
}

func TestConsumerHandleCancelRemovesWaiter(t *testing.T) {
	f := newHandleFixture(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.handle.next(ctx, "never")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, f.handle.info().Waiters)

	// A later envelope for the abandoned key is kept for whoever asks next.
	f.messages <- keyed("never", []byte("late"))
	assert.Equal(t, "late", string(nextWithin(t, f.handle, "never").Payload))
}

func TestConsumerHandleSubscriptionEnd(t *testing.T) {
	f := newHandleFixture(t, 0)

	errs := make(chan error, 1)
	go func() {
		_, err := f.handle.next(context.Background(), "k")
		errs <- err
	}()
	require.Eventually(t, func() bool { return f.handle.info().Waiters == 1 }, time.Second, time.Millisecond)

	f.closeStream()
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errspkg.ErrSubscriptionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}

	_, err := f.handle.next(context.Background(), "k")
	assert.ErrorIs(t, err, errspkg.ErrSubscriptionClosed)
	assert.True(t, f.handle.info().Closed)
}

func TestConsumerHandleCloseReleasesWaiters(t *testing.T) {
	f := newHandleFixture(t, 0)

	errs := make(chan error, 1)
	go func() {
		_, err := f.handle.next(context.Background(), "k")
		errs <- err
	}()
	require.Eventually(t, func() bool { return f.handle.info().Waiters == 1 }, time.Second, time.Millisecond)

	go func() {
		// close waits for the reader, which stops once the stream ends.
		time.Sleep(10 * time.Millisecond)
		f.closeStream()
	}()
	require.NoError(t, f.handle.close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, errspkg.ErrBrokerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestRegistryReusesHandles(t *testing.T) {
	sub := newTestSubscriber()
	reg := newConsumerRegistry(stubTransport(&testPublisher{}, sub).Subscribers, 0, newTestLogger(), newBrokerMetrics(prometheus.NewRegistry()))
	t.Cleanup(func() {
		_ = sub.Close()
		_ = reg.close()
	})

	first, err := reg.ensure("echo_method_requests", "default")
	require.NoError(t, err)
	second, err := reg.ensure("echo_method_requests", "default")
	require.NoError(t, err)
	other, err := reg.ensure("echo_method_requests", "workers")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.NotSame(t, first, other)

	infos := reg.snapshot()
	require.Len(t, infos, 2)
	assert.Equal(t, "default", infos[0].Group)
	assert.Equal(t, "workers", infos[1].Group)
}

func TestRegistrySubscribeFailure(t *testing.T) {
	sub := newTestSubscriber()
	sub.err = assert.AnError
	reg := newConsumerRegistry(stubTransport(&testPublisher{}, sub).Subscribers, 0, newTestLogger(), newBrokerMetrics(prometheus.NewRegistry()))

	_, err := reg.ensure("topic", "default")
	assert.ErrorIs(t, err, errspkg.ErrTransport)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, reg.snapshot())
}

func TestRegistryClosed(t *testing.T) {
	reg := newConsumerRegistry(stubTransport(&testPublisher{}, newTestSubscriber()).Subscribers, 0, newTestLogger(), newBrokerMetrics(prometheus.NewRegistry()))
	require.NoError(t, reg.close())
	require.NoError(t, reg.close())

	_, err := reg.ensure("topic", "default")
	assert.ErrorIs(t, err, errspkg.ErrBrokerClosed)
}

func TestConsumerHandleOnDemandDoesNotReadAhead(t *testing.T) {
	f := startHandleFixture(t, 2, true)

	for _, payload := range []string{"r1", "r2", "r3", "r4", "r5"} {
		f.messages <- keyed("", []byte(payload))
	}

	// Nothing is taken from the transport while nobody waits.
	assert.Never(t, func() bool { return f.handle.info().Received > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Len(t, f.messages, 5)

	for _, want := range []string{"r1", "r2", "r3", "r4", "r5"} {
		assert.Equal(t, want, string(nextWithin(t, f.handle, "").Payload))
	}

	info := f.handle.info()
	assert.Equal(t, uint64(5), info.Received)
	assert.Zero(t, info.Evicted)
	assert.Zero(t, info.Backlog)
}

func TestConsumerHandleOnDemandKeepsAbandonedEnvelope(t *testing.T) {
	f := startHandleFixture(t, 1, true)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.handle.next(ctx, "")
		errCh <- err
	}()
	require.Eventually(t, func() bool { return f.handle.info().Waiters == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	f.messages <- keyed("", []byte("late"))
	assert.Equal(t, "late", string(nextWithin(t, f.handle, "").Payload))
	assert.Zero(t, f.handle.info().Evicted)
}

func TestConsumerHandleOnDemandStopsOnFinish(t *testing.T) {
	f := startHandleFixture(t, 0, true)

	f.handle.finish(errspkg.ErrBrokerClosed)
	select {
	case <-f.handle.done:
	case <-time.After(time.Second):
		t.Fatal("reader kept waiting after finish")
	}
	_, err := f.handle.next(context.Background(), "")
	assert.ErrorIs(t, err, errspkg.ErrBrokerClosed)
}
