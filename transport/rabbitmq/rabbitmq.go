// Package rabbitmq provides a RabbitMQ/AMQP transport for brokerrpc.
//
// Every topic is a durable fanout exchange. Each consumer group gets its own
// durable queue named "{topic}_{group}", so members of a group compete for
// envelopes while separate groups each receive a copy.
package rabbitmq

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/brokerrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// ConnectionCloser allows overriding how the shared connection is closed for testing.
var ConnectionCloser = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport sharing one connection between the
// publisher and every subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName), logger, conn)
	if err != nil {
		_ = ConnectionCloser(conn)
		return transport.Transport{}, err
	}

	subscribers := transport.SubscriberFactoryFunc(func(group string) (message.Subscriber, error) {
		return SubscriberFactory(QueueConfig(url, group), logger, conn)
	})

	return transport.Transport{
		Publisher:   publisher,
		Subscribers: subscribers,
		Closer: func() error {
			return ConnectionCloser(conn)
		},
	}, nil
}

// QueueConfig returns the durable pub/sub configuration for a consumer group.
func QueueConfig(url, group string) amqp.Config {
	return amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(group))
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
