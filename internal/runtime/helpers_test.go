package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/brokerrpc/internal/runtime/config"
	loggingpkg "github.com/drblury/brokerrpc/internal/runtime/logging"
	"github.com/drblury/brokerrpc/transport"
	"github.com/drblury/brokerrpc/transport/channel"
)

type testPublisher struct {
	mu        sync.Mutex
	published []*message.Message
	topics    []string
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	for _, msg := range messages {
		p.topics = append(p.topics, topic)
		p.published = append(p.published, msg)
	}
	return nil
}

func (p *testPublisher) Close() error { return nil }

func (p *testPublisher) Messages() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	clone := make([]*message.Message, len(p.published))
	copy(clone, p.published)
	return clone
}

// testSubscriber hands out one controllable channel per subscription. A channel is
// closed when its subscription context ends or the subscriber is closed.
type testSubscriber struct {
	mu       sync.Mutex
	channels map[string][]chan *message.Message
	done     map[chan *message.Message]bool
	err      error
}

func newTestSubscriber() *testSubscriber {
	return &testSubscriber{
		channels: make(map[string][]chan *message.Message),
		done:     make(map[chan *message.Message]bool),
	}
}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *message.Message, 16)
	s.channels[topic] = append(s.channels[topic], ch)
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeLocked(ch)
	}()
	return ch, nil
}

func (s *testSubscriber) closeLocked(ch chan *message.Message) {
	if !s.done[ch] {
		s.done[ch] = true
		close(ch)
	}
}

func (s *testSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chs := range s.channels {
		for _, ch := range chs {
			s.closeLocked(ch)
		}
	}
	return nil
}

// channel returns the newest subscription to topic.
func (s *testSubscriber) channel(topic string) chan *message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	chs := s.channels[topic]
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewNopServiceLogger()
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem: channel.TransportName,
		PollTimeout:  5 * time.Millisecond,
	}
}

func newTestBroker(t *testing.T, conf *configpkg.Config, tr transport.Transport, deps BrokerDependencies) *Broker {
	t.Helper()
	if conf == nil {
		conf = newTestConfig()
	}
	deps.Transport = &tr
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	b, err := TryNewBroker(conf, newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// newSharedBus returns an in-memory transport; brokers built on it talk to each other.
func newSharedBus(t *testing.T) transport.Transport {
	t.Helper()
	pubsub := channel.NewPubSub(watermill.NopLogger{})
	t.Cleanup(func() { _ = pubsub.Close() })
	return channel.New(pubsub, pubsub)
}

// newBrokerPair returns a caller and a server broker sharing one in-memory bus.
func newBrokerPair(t *testing.T) (client, server *Broker) {
	t.Helper()
	bus := newSharedBus(t)
	client = newTestBroker(t, nil, bus, BrokerDependencies{})
	server = newTestBroker(t, nil, bus, BrokerDependencies{})
	return client, server
}

func stubTransport(pub message.Publisher, sub message.Subscriber) transport.Transport {
	return transport.Transport{
		Publisher: pub,
		Subscribers: transport.SubscriberFactoryFunc(func(string) (message.Subscriber, error) {
			return transport.SharedSubscriber(sub), nil
		}),
	}
}

func keyed(key string, payload []byte) *message.Message {
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if key != "" {
		msg.Metadata.Set(transport.MetadataKeyCorrelation, key)
	}
	return msg
}
