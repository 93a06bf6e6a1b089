package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/brokerrpc/internal/runtime/errors"
	loggingpkg "github.com/drblury/brokerrpc/internal/runtime/logging"
	"github.com/drblury/brokerrpc/transport"
)

const handleCloseTimeout = 5 * time.Second

// waiter is a blocked next call. An empty key accepts any envelope.
type waiter struct {
	key string
	ch  chan *message.Message
}

// consumerHandle owns the subscription of one (topic, group) pair. A single reader
// goroutine takes envelopes from the transport, acknowledges them, and either hands
// them to a waiting caller or keeps them in a bounded backlog. Envelopes that do not
// match the current waiters are therefore kept instead of skipped.
//
// An on-demand handle does not read ahead: the reader takes the next envelope only
// once a waiter is registered, and its backlog is never evicted. Request handles read
// by Serve are on-demand so that nothing is acknowledged before it can be handled.
type consumerHandle struct {
	topic    string
	group    string
	onDemand bool

	subscriber message.Subscriber
	cancel     context.CancelFunc
	logger     loggingpkg.ServiceLogger
	metrics    *brokerMetrics
	limit      int

	mu        sync.Mutex
	backlog   []*message.Message
	waiters   []*waiter
	err       error
	received  uint64
	evicted   uint64
	createdAt time.Time

	wake chan struct{}
	done chan struct{}
}

func newConsumerHandle(topic, group string, subscriber message.Subscriber, cancel context.CancelFunc, limit int, logger loggingpkg.ServiceLogger, metrics *brokerMetrics) *consumerHandle {
	return &consumerHandle{
		topic:      topic,
		group:      group,
		subscriber: subscriber,
		cancel:     cancel,
		logger:     logger.With(loggingpkg.LogFields{"topic": topic, "consumer_group": group}),
		metrics:    metrics,
		limit:      limit,
		createdAt:  time.Now(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func (h *consumerHandle) run(messages <-chan *message.Message) {
	defer close(h.done)
	for {
		if h.onDemand && !h.awaitDemand() {
			return
		}
		msg, ok := <-messages
		if !ok {
			break
		}
		// Position is committed as envelopes are taken from the transport.
		msg.Ack()
		h.metrics.recordReceived(h.topic, h.group)
		h.dispatch(msg)
	}
	h.finish(errspkg.ErrSubscriptionClosed)
}

// awaitDemand blocks until a waiter is registered. It reports false once the handle
// is finished.
func (h *consumerHandle) awaitDemand() bool {
	for {
		h.mu.Lock()
		finished := h.err != nil
		hungry := len(h.waiters) > 0
		h.mu.Unlock()
		if finished {
			return false
		}
		if hungry {
			return true
		}
		<-h.wake
	}
}

func (h *consumerHandle) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *consumerHandle) dispatch(msg *message.Message) {
	key := msg.Metadata.Get(transport.MetadataKeyCorrelation)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.received++
	for i, w := range h.waiters {
		if w.key == "" || w.key == key {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			w.ch <- msg
			return
		}
	}

	h.backlog = append(h.backlog, msg)
	if !h.onDemand && h.limit > 0 && len(h.backlog) > h.limit {
		dropped := h.backlog[0]
		h.backlog[0] = nil
		h.backlog = h.backlog[1:]
		h.evicted++
		h.metrics.recordEvicted(h.topic, h.group)
		h.logger.Error("Consumer backlog full, evicting oldest envelope", nil, loggingpkg.LogFields{
			"message_uuid":  dropped.UUID,
			"rpc_key":       dropped.Metadata.Get(transport.MetadataKeyCorrelation),
			"backlog_limit": h.limit,
		})
	}
	h.metrics.setBacklog(h.topic, h.group, len(h.backlog))
}

// takeLocked removes and returns the oldest buffered envelope matching key.
func (h *consumerHandle) takeLocked(key string) (*message.Message, bool) {
	for i, msg := range h.backlog {
		if key == "" || msg.Metadata.Get(transport.MetadataKeyCorrelation) == key {
			h.backlog = append(h.backlog[:i], h.backlog[i+1:]...)
			h.metrics.setBacklog(h.topic, h.group, len(h.backlog))
			return msg, true
		}
	}
	return nil, false
}

// next blocks until an envelope matching key is available, the handle is closed, or
// ctx is done. The poll timeout of the transport bounds single poll rounds only.
func (h *consumerHandle) next(ctx context.Context, key string) (*message.Message, error) {
	h.mu.Lock()
	if msg, ok := h.takeLocked(key); ok {
		h.mu.Unlock()
		return msg, nil
	}
	if h.err != nil {
		err := h.err
		h.mu.Unlock()
		return nil, err
	}
	w := &waiter{key: key, ch: make(chan *message.Message, 1)}
	h.waiters = append(h.waiters, w)
	h.mu.Unlock()
	h.signal()

	select {
	case msg, ok := <-w.ch:
		if !ok {
			return nil, h.closeErr()
		}
		return msg, nil
	case <-ctx.Done():
		h.abandon(w)
		return nil, ctx.Err()
	}
}

// abandon removes w. An envelope that was handed over concurrently goes back to the
// front of the backlog so another caller can claim it.
func (h *consumerHandle) abandon(w *waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, candidate := range h.waiters {
		if candidate == w {
			h.waiters = append(h.waiters[:i], h.waiters[i+1:]...)
			return
		}
	}
	select {
	case msg, ok := <-w.ch:
		if ok && msg != nil {
			h.backlog = append([]*message.Message{msg}, h.backlog...)
			h.metrics.setBacklog(h.topic, h.group, len(h.backlog))
		}
	default:
	}
}

func (h *consumerHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.err == nil {
		h.err = err
	}
	for _, w := range h.waiters {
		close(w.ch)
	}
	h.waiters = nil
	h.signal()
}

func (h *consumerHandle) closeErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		return errspkg.ErrSubscriptionClosed
	}
	return h.err
}

// close stops the reader and releases the subscriber. Waiters fail with ErrBrokerClosed.
func (h *consumerHandle) close() error {
	h.finish(errspkg.ErrBrokerClosed)
	h.cancel()
	err := h.subscriber.Close()

	select {
	case <-h.done:
	case <-time.After(handleCloseTimeout):
		h.logger.Error("Consumer reader did not stop in time", nil, loggingpkg.LogFields{"timeout": handleCloseTimeout.String()})
	}
	return err
}

// ConsumerInfo describes a consumer handle for introspection.
type ConsumerInfo struct {
	Topic     string    `json:"topic"`
	Group     string    `json:"group"`
	Backlog   int       `json:"backlog"`
	Waiters   int       `json:"waiters"`
	Received  uint64    `json:"received"`
	Evicted   uint64    `json:"evicted"`
	Closed    bool      `json:"closed"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *consumerHandle) info() ConsumerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return ConsumerInfo{
		Topic:     h.topic,
		Group:     h.group,
		Backlog:   len(h.backlog),
		Waiters:   len(h.waiters),
		Received:  h.received,
		Evicted:   h.evicted,
		Closed:    h.err != nil,
		CreatedAt: h.createdAt,
	}
}
