package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetInitialOffset() string      { return "" }
func (m *mockConfig) GetSubscriptionMode() string   { return ModePartition }
func (m *mockConfig) GetPartition() int32           { return 0 }
func (m *mockConfig) GetPollTimeout() time.Duration { return time.Millisecond }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetJetStreamStream() string    { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetSQLiteFile() string         { return "" }
func (m *mockConfig) GetPostgresURL() string        { return "" }

type mockPublisher struct {
	closed bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	return nil
}

func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	return nil
}

func mockSubscribers() SubscriberFactory {
	return SubscriberFactoryFunc(func(group string) (message.Subscriber, error) {
		return &mockSubscriber{}, nil
	})
}

func okBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{
		Publisher:   &mockPublisher{},
		Subscribers: mockSubscribers(),
	}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.NotNil(t, reg.entries)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	reg.Register("test-transport", okBuilder)
	assert.True(t, reg.Has("test-transport"))
	assert.Contains(t, reg.Names(), "test-transport")
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()

	caps := Capabilities{
		Name:                 "test-transport",
		SupportsPartitioning: true,
		SupportsAck:          true,
	}

	reg.RegisterWithCapabilities("test-transport", okBuilder, caps)

	assert.True(t, reg.Has("test-transport"))
	retrievedCaps := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", retrievedCaps.Name)
	assert.True(t, retrievedCaps.SupportsPartitioning)
	assert.True(t, retrievedCaps.SupportsAck)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.SupportsPartitioning)
	assert.False(t, caps.SupportsConsumerGroups)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", okBuilder)

	cfg := &mockConfig{pubSubSystem: "test-transport"}

	tr, err := reg.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	require.NotNil(t, tr.Subscribers)

	sub, err := tr.Subscribers.NewSubscriber("group")
	require.NoError(t, err)
	assert.NotNil(t, sub)
}

func TestRegistry_Build_NilConfig(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestRegistry_Build_UnknownTransport(t *testing.T) {
	reg := NewRegistry()
	cfg := &mockConfig{pubSubSystem: "unknown-transport"}

	_, err := reg.Build(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownTransport)
	assert.Contains(t, err.Error(), "unknown-transport")
}

func TestRegistry_NamesAreCaseInsensitive(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("Kafka", okBuilder, Capabilities{Name: "kafka", SupportsPartitioning: true})

	assert.True(t, reg.Has("kafka"))
	assert.True(t, reg.Has(" KAFKA "))
	assert.True(t, reg.GetCapabilities("kafka").SupportsPartitioning)
	assert.Equal(t, []string{"kafka"}, reg.Names())

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "KaFkA"}, nil)
	assert.NoError(t, err)
}

func TestRegistry_RegisterKeepsCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("sqlite", okBuilder, Capabilities{Name: "sqlite", SupportsAck: true})

	reg.Register("sqlite", okBuilder)
	assert.True(t, reg.GetCapabilities("sqlite").SupportsAck)
}

func TestRegistry_Build_BuilderError(t *testing.T) {
	reg := NewRegistry()

	expectedErr := errors.New("builder error")
	reg.Register("failing-transport", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, expectedErr
	})
	cfg := &mockConfig{pubSubSystem: "failing-transport"}

	_, err := reg.Build(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, expectedErr)
	assert.Contains(t, err.Error(), "failing-transport")
}

func TestRegistry_Build_IncompleteTransport(t *testing.T) {
	reg := NewRegistry()

	pub := &mockPublisher{}
	reg.Register("half", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{Publisher: pub}, nil
	})

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "half"}, nil)
	assert.ErrorIs(t, err, ErrSubscribersRequired)
	assert.True(t, pub.closed)
}

func TestRegistry_Has(t *testing.T) {
	reg := NewRegistry()

	assert.False(t, reg.Has("test-transport"))

	reg.Register("test-transport", okBuilder)
	assert.True(t, reg.Has("test-transport"))
	assert.False(t, reg.Has("other-transport"))
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()

	assert.Empty(t, reg.Names())

	reg.Register("transport3", okBuilder)
	reg.Register("transport1", okBuilder)
	reg.Register("transport2", okBuilder)

	assert.Equal(t, []string{"transport1", "transport2", "transport3"}, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Register("transport", okBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
		}()
	}
	wg.Wait()

	assert.True(t, reg.Has("transport"))
}

func TestBuildWithDefaultRegistry(t *testing.T) {
	cfg := &mockConfig{pubSubSystem: "nonexistent"}

	_, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestPackageLevelRegisterWithCapabilities(t *testing.T) {
	caps := Capabilities{
		Name:             "test-pkg-caps-transport",
		SupportsOrdering: true,
	}

	RegisterWithCapabilities("test-pkg-caps-transport", okBuilder, caps)

	assert.True(t, DefaultRegistry.Has("test-pkg-caps-transport"))
	retrievedCaps := GetCapabilities("test-pkg-caps-transport")
	assert.Equal(t, "test-pkg-caps-transport", retrievedCaps.Name)
	assert.True(t, retrievedCaps.SupportsOrdering)
}
