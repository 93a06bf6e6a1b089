package runtime

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/brokerrpc/internal/runtime/errors"
	loggingpkg "github.com/drblury/brokerrpc/internal/runtime/logging"
	"github.com/drblury/brokerrpc/transport"
)

type consumerKey struct {
	topic string
	group string
}

// consumerRegistry creates consumer handles on first use and keeps them until the
// broker is closed.
type consumerRegistry struct {
	subscribers transport.SubscriberFactory
	limit       int
	logger      loggingpkg.ServiceLogger
	metrics     *brokerMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handles map[consumerKey]*consumerHandle
	closed  bool
}

func newConsumerRegistry(subscribers transport.SubscriberFactory, limit int, logger loggingpkg.ServiceLogger, metrics *brokerMetrics) *consumerRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &consumerRegistry{
		subscribers: subscribers,
		limit:       limit,
		logger:      logger,
		metrics:     metrics,
		ctx:         ctx,
		cancel:      cancel,
		handles:     make(map[consumerKey]*consumerHandle),
	}
}

// ensure returns the handle for (topic, group), subscribing if it does not exist yet.
// The subscription lives as long as the registry, not as long as the caller.
func (r *consumerRegistry) ensure(topic, group string) (*consumerHandle, error) {
	return r.open(topic, group, false)
}

// ensureOnDemand is ensure for handles that must not read ahead of their waiters.
func (r *consumerRegistry) ensureOnDemand(topic, group string) (*consumerHandle, error) {
	return r.open(topic, group, true)
}

func (r *consumerRegistry) open(topic, group string, onDemand bool) (*consumerHandle, error) {
	key := consumerKey{topic: topic, group: group}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errspkg.ErrBrokerClosed
	}
	if h, ok := r.handles[key]; ok {
		return h, nil
	}

	subscriber, err := r.subscribers.NewSubscriber(group)
	if err != nil {
		return nil, errspkg.TransportError("create subscriber for "+group, err)
	}

	ctx, cancel := context.WithCancel(r.ctx)
	messages, err := subscriber.Subscribe(ctx, topic)
	if err != nil {
		cancel()
		_ = subscriber.Close()
		return nil, errspkg.TransportError("subscribe to "+topic, err)
	}

	h := newConsumerHandle(topic, group, subscriber, cancel, r.limit, r.logger, r.metrics)
	h.onDemand = onDemand
	go h.run(messages)
	r.handles[key] = h

	r.logger.Debug("Consumer handle created", loggingpkg.LogFields{"topic": topic, "consumer_group": group, "on_demand": onDemand})
	return h, nil
}

// next waits for an envelope on (topic, group) whose correlation key equals key. An
// empty key matches any envelope.
func (r *consumerRegistry) next(ctx context.Context, topic, group, key string) (*message.Message, error) {
	h, err := r.ensure(topic, group)
	if err != nil {
		return nil, err
	}
	return h.next(ctx, key)
}

func (r *consumerRegistry) snapshot() []ConsumerInfo {
	r.mu.Lock()
	handles := make([]*consumerHandle, 0, len(r.handles))
	for _, h := range r.handles {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	infos := make([]ConsumerInfo, 0, len(handles))
	for _, h := range handles {
		infos = append(infos, h.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Topic != infos[j].Topic {
			return infos[i].Topic < infos[j].Topic
		}
		return infos[i].Group < infos[j].Group
	})
	return infos
}

func (r *consumerRegistry) close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := r.handles
	r.handles = make(map[consumerKey]*consumerHandle)
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.cancel()
	return errors.Join(errs...)
}
