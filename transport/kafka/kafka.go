// Package kafka provides the Kafka transport for brokerrpc.
//
// Publishing goes through the Watermill Kafka publisher (a sarama sync producer)
// with the correlation key as record key. In partition mode every record lands on
// the configured partition and consumer handles read that partition directly,
// committing the group position through a sarama offset manager. In group mode the
// Watermill consumer-group subscriber balances partitions across the group.
package kafka

import (
	"context"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/brokerrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the consumer-group subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// PartitionSubscriberFactory allows overriding the partition subscriber creation for testing.
var PartitionSubscriberFactory = func(cfg PartitionSubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return NewPartitionSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	mode := transport.KafkaCapabilities.EffectiveMode(cfg.GetSubscriptionMode())

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             kafka.NewWithPartitioningMarshaler(CorrelationPartitionKey),
			OverwriteSaramaConfig: PublisherSaramaConfig(cfg, mode),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscribers := transport.SubscriberFactoryFunc(func(group string) (message.Subscriber, error) {
		if mode == transport.ModePartition {
			return PartitionSubscriberFactory(
				PartitionSubscriberConfig{
					Brokers:               brokers,
					ConsumerGroup:         group,
					Partition:             cfg.GetPartition(),
					Unmarshaler:           kafka.DefaultMarshaler{},
					OverwriteSaramaConfig: PartitionSaramaConfig(cfg),
				},
				logger,
			)
		}
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           kafka.DefaultMarshaler{},
				ConsumerGroup:         group,
				OverwriteSaramaConfig: SubscriberSaramaConfig(cfg),
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
	return transport.KafkaCapabilities
}

// CorrelationPartitionKey uses the correlation key as the Kafka record key.
func CorrelationPartitionKey(topic string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(transport.MetadataKeyCorrelation), nil
}

// PublisherSaramaConfig returns the producer configuration. In partition mode the
// producer writes every record to the configured partition.
func PublisherSaramaConfig(cfg transport.Config, mode string) *sarama.Config {
	c := kafka.DefaultSaramaSyncPublisherConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		c.ClientID = id
	}
	c.Producer.RequiredAcks = sarama.WaitForAll
	if mode == transport.ModePartition {
		c.Producer.Partitioner = FixedPartitioner(cfg.GetPartition())
	}
	return c
}

// SubscriberSaramaConfig returns the consumer configuration shared by both
// subscription modes. The poll timeout bounds a single fetch round.
func SubscriberSaramaConfig(cfg transport.Config) *sarama.Config {
	c := kafka.DefaultSaramaSubscriberConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		c.ClientID = id
	}
	c.Consumer.Offsets.Initial = InitialOffset(cfg.GetInitialOffset())
	if d := cfg.GetPollTimeout(); d > 0 {
		c.Consumer.MaxWaitTime = d
	}
	return c
}

// PartitionSaramaConfig returns the consumer configuration for partition mode.
// Offsets are committed explicitly after every delivered record.
func PartitionSaramaConfig(cfg transport.Config) *sarama.Config {
	c := SubscriberSaramaConfig(cfg)
	c.Consumer.Offsets.AutoCommit.Enable = false
	return c
}

// InitialOffset maps "oldest"/"newest" to the sarama constants. Anything else
// starts from the oldest retained record.
func InitialOffset(name string) int64 {
	if strings.EqualFold(name, "newest") {
		return sarama.OffsetNewest
	}
	return sarama.OffsetOldest
}
