// Package transport defines the interfaces shared by the brokerrpc transports.
// Each transport implementation (kafka, nats, rabbitmq, etc.) lives in its own
// sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// MetadataKeyCorrelation is the message metadata key carrying the correlation key.
// Requests and oneway calls carry an empty key. Kafka also uses it as the record key.
const MetadataKeyCorrelation = "rpc_key"

// Subscription modes understood by the transports.
const (
	// ModePartition reads a single fixed partition and commits the group position for it.
	ModePartition = "partition"
	// ModeGroup lets the pub/sub system balance the topic across the group members.
	ModeGroup = "group"
)

var (
	// ErrPublisherRequired is returned when a builder produced no publisher.
	ErrPublisherRequired = errors.New("transport: publisher is required")
	// ErrSubscribersRequired is returned when a builder produced no subscriber factory.
	ErrSubscribersRequired = errors.New("transport: subscriber factory is required")
)

// SubscriberFactory opens a subscriber whose subscriptions read as a member of group.
// Every consumer handle owns the subscriber it was given and closes it.
type SubscriberFactory interface {
	NewSubscriber(group string) (message.Subscriber, error)
}

// SubscriberFactoryFunc adapts a function to SubscriberFactory.
type SubscriberFactoryFunc func(group string) (message.Subscriber, error)

// NewSubscriber calls f(group).
func (f SubscriberFactoryFunc) NewSubscriber(group string) (message.Subscriber, error) {
	return f(group)
}

// Transport combines the publisher shared by a broker with the factory used to
// open one subscriber per (topic, group).
type Transport struct {
	Publisher   message.Publisher
	Subscribers SubscriberFactory
	// Closer releases resources shared by the publisher and subscribers, such as a
	// connection. It runs after the publisher is closed. Optional.
	Closer func() error
}

// Validate reports whether the transport can be used by a broker.
func (t Transport) Validate() error {
	var errs []error
	if t.Publisher == nil {
		errs = append(errs, ErrPublisherRequired)
	}
	if t.Subscribers == nil {
		errs = append(errs, ErrSubscribersRequired)
	}
	return errors.Join(errs...)
}

// Close closes the publisher and then the shared resources.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Closer != nil {
		errs = append(errs, t.Closer())
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that is registered by name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetInitialOffset() string

	// Subscription layout
	GetSubscriptionMode() string
	GetPartition() int32
	GetPollTimeout() time.Duration

	// NATS
	GetNATSURL() string
	GetJetStreamStream() string

	// RabbitMQ
	GetRabbitMQURL() string

	// SQL log
	GetSQLiteFile() string
	GetPostgresURL() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// nopCloseSubscriber hides Close from a consumer handle when the subscriber is
// shared and closed by the transport instead.
type nopCloseSubscriber struct {
	message.Subscriber
}

func (nopCloseSubscriber) Close() error { return nil }

// SharedSubscriber wraps sub so closing the returned subscriber leaves sub open.
func SharedSubscriber(sub message.Subscriber) message.Subscriber {
	return nopCloseSubscriber{Subscriber: sub}
}
