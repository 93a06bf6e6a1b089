package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsOrdering indicates the transport guarantees message ordering.
	// When true, messages within a partition/stream are delivered in order.
	SupportsOrdering bool `json:"supports_ordering"`

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool `json:"supports_tracing"`

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool `json:"supports_batching"`

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool `json:"supports_ack"`

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool `json:"supports_nack"`

	// SupportsPartitioning indicates the transport can pin a consumer to one partition.
	// Transports without it treat the partition subscription mode as group mode.
	SupportsPartitioning bool `json:"supports_partitioning"`

	// SupportsConsumerGroups indicates members of the same group share one read position.
	SupportsConsumerGroups bool `json:"supports_consumer_groups"`

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64 `json:"max_message_size"`

	// Name is the human-readable name of the transport.
	Name string `json:"name"`
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// EffectiveMode returns the subscription mode the transport actually applies for mode.
func (c Capabilities) EffectiveMode(mode string) string {
	if mode == "" {
		mode = ModePartition
	}
	if mode == ModePartition && !c.SupportsPartitioning {
		return ModeGroup
	}
	return mode
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:                 "channel",
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsPartitioning: true,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsBatching:       true,
		SupportsAck:            true,
		SupportsNack:           false,
		SupportsPartitioning:   true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsConsumerGroups: true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsTracing:        true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:                   "nats-jetstream",
		SupportsOrdering:       true,
		SupportsTracing:        true,
		SupportsBatching:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// AWSCapabilities for the AWS SNS/SQS transport. SQS standard queues do not
	// preserve order.
	AWSCapabilities = Capabilities{
		Name:                   "aws",
		SupportsTracing:        true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         262144, // SQS limit of 256KB
	}

	// SQLiteCapabilities for the SQLite log transport.
	SQLiteCapabilities = Capabilities{
		Name:                   "sqlite",
		SupportsOrdering:       true,
		SupportsBatching:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPartitioning:   true,
		SupportsConsumerGroups: true,
	}

	// PostgresCapabilities for the PostgreSQL log transport.
	PostgresCapabilities = Capabilities{
		Name:                   "postgres",
		SupportsOrdering:       true,
		SupportsBatching:       true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsPartitioning:   true,
		SupportsConsumerGroups: true,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
