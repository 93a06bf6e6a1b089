// Package jetstream provides a NATS JetStream transport for brokerrpc.
//
// All topics live in one stream as subjects "{stream}.{topic}". Every consumer
// group reads a topic through its own durable pull consumer, so the group keeps
// its read position across restarts.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/brokerrpc/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when no stream is configured.
	DefaultStreamName = "BROKERRPC"

	// DefaultMaxDeliver is the default max delivery attempts.
	DefaultMaxDeliver = 3

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultFetchWait bounds a single pull request.
	DefaultFetchWait = time.Second

	// DefaultFetchBatch is how many messages one pull request asks for.
	DefaultFetchBatch = 10

	// HeaderMessageUUID carries the Watermill message UUID.
	HeaderMessageUUID = "_watermill_message_uuid"
)

// ErrClosed is returned when the transport has been closed.
var ErrClosed = errors.New("jetstream: transport is closed")

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{
		URL:        cfg.GetNATSURL(),
		StreamName: cfg.GetJetStreamStream(),
		FetchWait:  cfg.GetPollTimeout(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: t,
		Subscribers: transport.SubscriberFactoryFunc(func(group string) (message.Subscriber, error) {
			return t.Subscriber(group), nil
		}),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to DefaultStreamName.
	StreamName string

	// MaxDeliver is the maximum number of delivery attempts.
	MaxDeliver int

	// AckWait is the duration to wait for acknowledgment.
	AckWait time.Duration

	// FetchWait bounds one pull request. It is the poll timeout of the transport.
	FetchWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "limits" (default), "interest", or "workqueue"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.FetchWait <= 0 {
		c.FetchWait = DefaultFetchWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport publishes to JetStream and hands out per-group subscribers.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := newTransport(nc, js, cfg, logger)
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func newTransport(nc *nats.Conn, js nats.JetStreamContext, cfg Config, logger watermill.LoggerAdapter) *Transport {
	return &Transport{
		nc:         nc,
		js:         js,
		config:     cfg,
		logger:     logger,
		closedChan: make(chan struct{}),
	}
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   24 * time.Hour * 7,
		Replicas: t.config.Replicas,
	}

	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			t.logger.Info("JetStream stream exists", watermill.LogFields{
				"stream": t.config.StreamName,
			})
		}
	}

	return nil
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Publish publishes messages to the JetStream stream and waits for the stream ack.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}

	subject := t.topicToSubject(topic)
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(subject, msg)); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}
	return nil
}

// Subscriber returns a subscriber reading as a member of group.
func (t *Transport) Subscriber(group string) message.Subscriber {
	return &groupSubscriber{
		t:             t,
		group:         group,
		subscriptions: make(map[string]*nats.Subscription),
	}
}

func (t *Transport) ensureConsumer(topic, group string) (string, error) {
	name := ConsumerName(topic, group)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       name,
		FilterSubject: t.topicToSubject(topic),
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return "", fmt.Errorf("failed to create consumer: %w", err)
		}
	}
	return name, nil
}

func (t *Transport) fetchMessages(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, fields watermill.LogFields) {
	defer t.wg.Done()
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(DefaultFetchBatch, nats.MaxWait(t.config.FetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, fields)
			continue
		}

		for _, natsMsg := range msgs {
			if !t.deliver(ctx, natsMsg, output, fields) {
				return
			}
		}
	}
}

func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message, fields watermill.LogFields) bool {
	wmMsg := fromNATS(natsMsg)

	select {
	case output <- wmMsg:
	case <-ctx.Done():
		return false
	case <-t.closedChan:
		return false
	}

	select {
	case <-wmMsg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, fields)
		}
	case <-wmMsg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, fields)
		}
	case <-ctx.Done():
		return false
	case <-t.closedChan:
		return false
	}
	return true
}

func (t *Transport) topicToSubject(topic string) string {
	return t.config.StreamName + "." + topic
}

var consumerNameReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// ConsumerName returns the durable consumer name for a (topic, group) pair.
func ConsumerName(topic, group string) string {
	return consumerNameReplacer.Replace(topic + "__" + group)
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(HeaderMessageUUID, msg.UUID)

	return &nats.Msg{
		Subject: subject,
		Data:    msg.Payload,
		Header:  headers,
	}
}

func fromNATS(natsMsg *nats.Msg) *message.Message {
	msgID := natsMsg.Header.Get(HeaderMessageUUID)
	if msgID == "" {
		msgID = watermill.NewUUID()
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == HeaderMessageUUID || len(v) == 0 {
			continue
		}
		wmMsg.Metadata.Set(k, v[0])
	}
	return wmMsg
}

// Close closes the JetStream transport and every subscription still reading.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.wg.Wait()
	if t.nc != nil {
		t.nc.Close()
	}
	return nil
}

// GetCapabilities returns the JetStream transport capabilities.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// groupSubscriber pulls from one durable consumer per subscribed topic.
type groupSubscriber struct {
	t     *Transport
	group string

	mu            sync.Mutex
	subscriptions map[string]*nats.Subscription
	closed        bool
}

func (s *groupSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.t.isClosed() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	consumer, err := s.t.ensureConsumer(topic, s.group)
	if err != nil {
		return nil, err
	}

	sub, err := s.t.js.PullSubscribe(s.t.topicToSubject(topic), consumer, nats.Bind(s.t.config.StreamName, consumer))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	s.subscriptions[topic] = sub

	output := make(chan *message.Message)
	fields := watermill.LogFields{"topic": topic, "consumer_group": s.group, "consumer": consumer}
	s.t.wg.Add(1)
	go s.t.fetchMessages(ctx, sub, output, fields)

	return output, nil
}

// Close unsubscribes without deleting the durable consumers, so the group keeps
// its position.
func (s *groupSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for topic, sub := range s.subscriptions {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", topic, err))
		}
	}
	s.subscriptions = nil
	return errors.Join(errs...)
}
