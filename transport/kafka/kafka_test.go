package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/brokerrpc/transport"
)

type mockConfig struct {
	brokers       []string
	clientID      string
	initialOffset string
	mode          string
	partition     int32
	pollTimeout   time.Duration
}

func (m *mockConfig) GetPubSubSystem() string       { return TransportName }
func (m *mockConfig) GetKafkaBrokers() []string     { return m.brokers }
func (m *mockConfig) GetKafkaClientID() string      { return m.clientID }
func (m *mockConfig) GetInitialOffset() string      { return m.initialOffset }
func (m *mockConfig) GetSubscriptionMode() string   { return m.mode }
func (m *mockConfig) GetPartition() int32           { return m.partition }
func (m *mockConfig) GetPollTimeout() time.Duration { return m.pollTimeout }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetJetStreamStream() string    { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetSQLiteFile() string         { return "" }
func (m *mockConfig) GetPostgresURL() string        { return "" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }

func swapFactories(t *testing.T) {
	t.Helper()
	pub, sub, part := PublisherFactory, SubscriberFactory, PartitionSubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = pub
		SubscriberFactory = sub
		PartitionSubscriberFactory = part
	})
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsPartitioning)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuildPartitionMode(t *testing.T) {
	swapFactories(t)

	mockPub := &mockPublisher{}
	var gotPub kafka.PublisherConfig
	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		gotPub = cfg
		return mockPub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		t.Fatal("group subscriber must not be used in partition mode")
		return nil, nil
	}
	var gotPart PartitionSubscriberConfig
	PartitionSubscriberFactory = func(cfg PartitionSubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		gotPart = cfg
		return &mockSubscriber{}, nil
	}

	cfg := &mockConfig{brokers: []string{"localhost:9092"}, mode: transport.ModePartition, partition: 2}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, mockPub, tr.Publisher)
	assert.Equal(t, []string{"localhost:9092"}, gotPub.Brokers)
	require.NotNil(t, gotPub.OverwriteSaramaConfig)

	sub, err := tr.Subscribers.NewSubscriber("workers")
	require.NoError(t, err)
	assert.NotNil(t, sub)
	assert.Equal(t, "workers", gotPart.ConsumerGroup)
	assert.Equal(t, int32(2), gotPart.Partition)
	assert.False(t, gotPart.OverwriteSaramaConfig.Consumer.Offsets.AutoCommit.Enable)
}

func TestBuildGroupMode(t *testing.T) {
	swapFactories(t)

	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return &mockPublisher{}, nil
	}
	var gotSub kafka.SubscriberConfig
	SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		gotSub = cfg
		return &mockSubscriber{}, nil
	}
	PartitionSubscriberFactory = func(cfg PartitionSubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		t.Fatal("partition subscriber must not be used in group mode")
		return nil, nil
	}

	cfg := &mockConfig{brokers: []string{"k1:9092", "k2:9092"}, mode: transport.ModeGroup}
	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)

	_, err = tr.Subscribers.NewSubscriber("default")
	require.NoError(t, err)
	assert.Equal(t, "default", gotSub.ConsumerGroup)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, gotSub.Brokers)
}

func TestBuildPublisherError(t *testing.T) {
	swapFactories(t)

	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}

	_, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	assert.EqualError(t, err, "publisher error")
}

func TestBuildSubscriberError(t *testing.T) {
	swapFactories(t)

	PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return &mockPublisher{}, nil
	}
	PartitionSubscriberFactory = func(cfg PartitionSubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}

	tr, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
	require.NoError(t, err)

	_, err = tr.Subscribers.NewSubscriber("default")
	assert.EqualError(t, err, "subscriber error")
}

func TestCorrelationPartitionKey(t *testing.T) {
	msg := message.NewMessage("uuid", []byte("x"))
	msg.Metadata.Set(transport.MetadataKeyCorrelation, "01HXKEY")

	key, err := CorrelationPartitionKey("method_results", msg)
	require.NoError(t, err)
	assert.Equal(t, "01HXKEY", key)

	key, err = CorrelationPartitionKey("echo_method_requests", message.NewMessage("uuid", nil))
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestPublisherSaramaConfig(t *testing.T) {
	cfg := &mockConfig{clientID: "rpc-test", partition: 1}

	c := PublisherSaramaConfig(cfg, transport.ModePartition)
	assert.Equal(t, "rpc-test", c.ClientID)
	assert.True(t, c.Producer.Return.Successes)

	partition, err := c.Producer.Partitioner("topic").Partition(&sarama.ProducerMessage{}, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(1), partition)

	group := PublisherSaramaConfig(cfg, transport.ModeGroup)
	_, isFixed := group.Producer.Partitioner("topic").(fixedPartitioner)
	assert.False(t, isFixed)
}

func TestSubscriberSaramaConfig(t *testing.T) {
	c := SubscriberSaramaConfig(&mockConfig{initialOffset: "newest", pollTimeout: 250 * time.Millisecond})
	assert.Equal(t, sarama.OffsetNewest, c.Consumer.Offsets.Initial)
	assert.Equal(t, 250*time.Millisecond, c.Consumer.MaxWaitTime)

	c = SubscriberSaramaConfig(&mockConfig{initialOffset: "oldest"})
	assert.Equal(t, sarama.OffsetOldest, c.Consumer.Offsets.Initial)
}

func TestInitialOffset(t *testing.T) {
	assert.Equal(t, sarama.OffsetOldest, InitialOffset("oldest"))
	assert.Equal(t, sarama.OffsetNewest, InitialOffset("NEWEST"))
	assert.Equal(t, sarama.OffsetOldest, InitialOffset(""))
}

func TestFixedPartitionerRejectsMissingPartition(t *testing.T) {
	p := FixedPartitioner(4)("topic")
	_, err := p.Partition(&sarama.ProducerMessage{}, 2)
	assert.ErrorIs(t, err, sarama.ErrInvalidPartition)
	assert.True(t, p.RequiresConsistency())
}
