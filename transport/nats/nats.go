// Package nats provides a NATS Core transport for brokerrpc.
//
// NATS Core has no partitions and no stored read position, so every consumer
// handle joins a queue group named after its consumer group and only sees
// envelopes published while it is subscribed.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/brokerrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	core := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: core,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscribers := transport.SubscriberFactoryFunc(func(group string) (message.Subscriber, error) {
		return SubscriberFactory(
			nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: group,
				SubscribersCount: 1,
				Unmarshaler:      marshaler,
				JetStream:        core,
			},
			logger,
		)
	})

	return transport.Transport{
		Publisher:   publisher,
		Subscribers: subscribers,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
