// Package channel provides an in-memory Go channel transport for brokerrpc.
// This transport is useful for testing and local development.
//
// The pub/sub is persistent: a consumer handle created after an envelope was
// published still receives it, which mirrors reading a log from the start.
// Consumer groups are not modelled; every handle sees every envelope.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/brokerrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{Persistent: true}, logger)
	return New(pub, sub), nil
}

// New wraps an existing in-memory pub/sub. Brokers built from the same pub/sub
// talk to each other, which is how tests wire a caller and a server together.
// Closing the transport closes pub; the consumer handles never close sub.
func New(pub message.Publisher, sub message.Subscriber) transport.Transport {
	return transport.Transport{
		Publisher: pub,
		Subscribers: transport.SubscriberFactoryFunc(func(group string) (message.Subscriber, error) {
			return transport.SharedSubscriber(sub), nil
		}),
	}
}

// NewPubSub returns a persistent in-memory pub/sub suitable for New.
func NewPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{Persistent: true}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
