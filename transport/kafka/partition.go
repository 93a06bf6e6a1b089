package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/brokerrpc/transport"
)

// DefaultNackResendSleep is how long a nacked record waits before it is redelivered.
const DefaultNackResendSleep = 100 * time.Millisecond

// ErrSubscriberClosed is returned by Subscribe after Close.
var ErrSubscriberClosed = errors.New("kafka: partition subscriber closed")

// ClientFactory allows overriding the sarama client creation for testing.
var ClientFactory = func(brokers []string, cfg *sarama.Config) (sarama.Client, error) {
	return sarama.NewClient(brokers, cfg)
}

// PartitionSubscriberConfig configures a PartitionSubscriber.
type PartitionSubscriberConfig struct {
	Brokers []string
	// ConsumerGroup owns the committed read position.
	ConsumerGroup string
	Partition     int32
	Unmarshaler   kafka.Unmarshaler
	// OverwriteSaramaConfig replaces the default consumer configuration.
	OverwriteSaramaConfig *sarama.Config
	// NackResendSleep delays redelivery of a nacked record.
	NackResendSleep time.Duration
}

func (c *PartitionSubscriberConfig) setDefaults() {
	if c.Unmarshaler == nil {
		c.Unmarshaler = kafka.DefaultMarshaler{}
	}
	if c.OverwriteSaramaConfig == nil {
		c.OverwriteSaramaConfig = kafka.DefaultSaramaSubscriberConfig()
		c.OverwriteSaramaConfig.Consumer.Offsets.AutoCommit.Enable = false
	}
	if c.NackResendSleep <= 0 {
		c.NackResendSleep = DefaultNackResendSleep
	}
}

// Validate checks the configuration.
func (c PartitionSubscriberConfig) Validate() error {
	var errs []error
	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("kafka: missing brokers"))
	}
	if c.ConsumerGroup == "" {
		errs = append(errs, errors.New("kafka: missing consumer group"))
	}
	if c.Partition < 0 {
		errs = append(errs, fmt.Errorf("kafka: invalid partition %d", c.Partition))
	}
	return errors.Join(errs...)
}

// PartitionSubscriber reads a single partition of each subscribed topic and commits
// the position of its consumer group after every record the reader acknowledges.
type PartitionSubscriber struct {
	config   PartitionSubscriberConfig
	logger   watermill.LoggerAdapter
	client   sarama.Client
	consumer sarama.Consumer
	offsets  sarama.OffsetManager

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPartitionSubscriber connects to the cluster and prepares the group's offset manager.
func NewPartitionSubscriber(config PartitionSubscriberConfig, logger watermill.LoggerAdapter) (*PartitionSubscriber, error) {
	config.setDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	client, err := ClientFactory(config.Brokers, config.OverwriteSaramaConfig)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka: create consumer: %w", err)
	}
	offsets, err := sarama.NewOffsetManagerFromClient(config.ConsumerGroup, client)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("kafka: create offset manager: %w", err)
	}

	return &PartitionSubscriber{
		config:   config,
		logger:   logger.With(watermill.LogFields{"consumer_group": config.ConsumerGroup, "partition": config.Partition}),
		client:   client,
		consumer: consumer,
		offsets:  offsets,
		closing:  make(chan struct{}),
	}, nil
}

// Subscribe resumes topic's partition from the group's committed offset, or from the
// configured initial offset when none is committed yet.
func (s *PartitionSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, ErrSubscriberClosed
	default:
	}

	pom, err := s.offsets.ManagePartition(topic, s.config.Partition)
	if err != nil {
		return nil, fmt.Errorf("kafka: manage partition %s/%d: %w", topic, s.config.Partition, err)
	}
	next, _ := pom.NextOffset()

	pc, err := s.consumer.ConsumePartition(topic, s.config.Partition, next)
	if err != nil {
		_ = pom.Close()
		return nil, fmt.Errorf("kafka: consume partition %s/%d: %w", topic, s.config.Partition, err)
	}

	s.logger.Debug("Consuming partition", watermill.LogFields{"topic": topic, "offset": next})

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.consume(ctx, topic, pc, pom, s.offsets.Commit, out)
	}()
	return out, nil
}

// offsetMarker is the part of sarama.PartitionOffsetManager the read loop needs.
type offsetMarker interface {
	MarkOffset(offset int64, metadata string)
	Close() error
}

func (s *PartitionSubscriber) consume(
	ctx context.Context,
	topic string,
	pc sarama.PartitionConsumer,
	pom offsetMarker,
	commit func(),
	out chan<- *message.Message,
) {
	logFields := watermill.LogFields{"topic": topic}
	defer close(out)
	defer func() {
		if err := pc.Close(); err != nil {
			s.logger.Error("Cannot close partition consumer", err, logFields)
		}
		if err := pom.Close(); err != nil {
			s.logger.Error("Cannot close partition offset manager", err, logFields)
		}
	}()

	errs := pc.Errors()
	for {
		select {
		case <-s.closing:
			return
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Error("Partition consumer error", err, logFields)
		case kmsg, ok := <-pc.Messages():
			if !ok {
				return
			}
			if !s.deliver(ctx, kmsg, out, logFields) {
				return
			}
			pom.MarkOffset(kmsg.Offset+1, "")
			commit()
		}
	}
}

// deliver hands kmsg to out and waits until it is acked. Nacked records are
// redelivered. It returns false when the subscription is shutting down.
func (s *PartitionSubscriber) deliver(
	ctx context.Context,
	kmsg *sarama.ConsumerMessage,
	out chan<- *message.Message,
	logFields watermill.LogFields,
) bool {
	fields := logFields.Add(watermill.LogFields{"kafka_offset": kmsg.Offset})
	for {
		msg, err := s.config.Unmarshaler.Unmarshal(kmsg)
		if err != nil {
			s.logger.Error("Cannot unmarshal record, skipping", err, fields)
			return true
		}
		if msg.Metadata.Get(transport.MetadataKeyCorrelation) == "" && len(kmsg.Key) > 0 {
			msg.Metadata.Set(transport.MetadataKeyCorrelation, string(kmsg.Key))
		}

		msgCtx, cancel := context.WithCancel(ctx)
		msg.SetContext(msgCtx)

		select {
		case out <- msg:
		case <-s.closing:
			cancel()
			return false
		case <-ctx.Done():
			cancel()
			return false
		}

		select {
		case <-msg.Acked():
			cancel()
			return true
		case <-msg.Nacked():
			cancel()
			s.logger.Trace("Record nacked, redelivering", fields)
			select {
			case <-time.After(s.config.NackResendSleep):
			case <-s.closing:
				return false
			case <-ctx.Done():
				return false
			}
		case <-s.closing:
			cancel()
			return false
		case <-ctx.Done():
			cancel()
			return false
		}
	}
}

// Close stops every read loop and releases the client.
func (s *PartitionSubscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.wg.Wait()
		err = errors.Join(s.offsets.Close(), s.consumer.Close(), s.client.Close())
	})
	return err
}
