package transport

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportValidate(t *testing.T) {
	err := Transport{}.Validate()
	assert.ErrorIs(t, err, ErrPublisherRequired)
	assert.ErrorIs(t, err, ErrSubscribersRequired)

	assert.NoError(t, Transport{Publisher: &mockPublisher{}, Subscribers: mockSubscribers()}.Validate())
}

func TestTransportCloseRunsCloserAfterPublisher(t *testing.T) {
	pub := &mockPublisher{}
	var publisherClosedFirst bool
	tr := Transport{
		Publisher:   pub,
		Subscribers: mockSubscribers(),
		Closer: func() error {
			publisherClosedFirst = pub.closed
			return errors.New("conn close")
		},
	}

	err := tr.Close()
	assert.EqualError(t, err, "conn close")
	assert.True(t, publisherClosedFirst)
}

func TestSubscriberFactoryFunc(t *testing.T) {
	var got string
	f := SubscriberFactoryFunc(func(group string) (message.Subscriber, error) {
		got = group
		return &mockSubscriber{}, nil
	})

	sub, err := f.NewSubscriber("workers")
	require.NoError(t, err)
	assert.NotNil(t, sub)
	assert.Equal(t, "workers", got)
}

type closeCounter struct {
	mockSubscriber
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestSharedSubscriberIgnoresClose(t *testing.T) {
	inner := &closeCounter{}
	shared := SharedSubscriber(inner)

	require.NoError(t, shared.Close())
	assert.Zero(t, inner.closes)

	ch, err := shared.Subscribe(t.Context(), "topic")
	require.NoError(t, err)
	_, open := <-ch
	assert.False(t, open)
}

func TestConfig_Interface(t *testing.T) {
	var _ Config = (*mockConfig)(nil)

	cfg := &mockConfig{pubSubSystem: "test"}
	assert.Equal(t, "test", cfg.GetPubSubSystem())
}

type testProvider struct{}

func (testProvider) Capabilities() Capabilities {
	return Capabilities{Name: "test"}
}

func TestCapabilitiesProvider_Interface(t *testing.T) {
	var _ CapabilitiesProvider = testProvider{}

	assert.Equal(t, "test", testProvider{}.Capabilities().Name)
}
