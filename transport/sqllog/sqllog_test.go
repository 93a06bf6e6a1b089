package sqllog

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, cfg Config) *Log {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.NackResendSleep == 0 {
		cfg.NackResendSleep = time.Millisecond
	}
	log, err := New(db, SQLite, cfg, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func publish(t *testing.T, log *Log, topic string, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, log.Publish(topic, message.NewMessage(watermill.NewUUID(), []byte(p))))
	}
}

func next(t *testing.T, msgs <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-msgs:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestGroupReadsInOrderAndCommits(t *testing.T) {
	log := openTestLog(t, Config{})
	publish(t, log, "method_results", "a", "b", "c")

	sub := log.Subscriber("default")
	t.Cleanup(func() { _ = sub.Close() })
	msgs, err := sub.Subscribe(context.Background(), "method_results")
	require.NoError(t, err)

	for _, want := range []string{"a", "b", "c"} {
		msg := next(t, msgs)
		assert.Equal(t, want, string(msg.Payload))
		msg.Ack()
	}

	require.Eventually(t, func() bool {
		seq, ok, err := log.Position(context.Background(), "method_results", "default")
		return err == nil && ok && seq == 3
	}, time.Second, 5*time.Millisecond)
}

func TestGroupResumesFromCommittedPosition(t *testing.T) {
	log := openTestLog(t, Config{})
	publish(t, log, "echo_method_requests", "first", "second")

	sub := log.Subscriber("default")
	msgs, err := sub.Subscribe(context.Background(), "echo_method_requests")
	require.NoError(t, err)
	next(t, msgs).Ack()
	require.Eventually(t, func() bool {
		_, ok, _ := log.Position(context.Background(), "echo_method_requests", "default")
		return ok
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Close())

	resumed := log.Subscriber("default")
	t.Cleanup(func() { _ = resumed.Close() })
	msgs, err = resumed.Subscribe(context.Background(), "echo_method_requests")
	require.NoError(t, err)

	msg := next(t, msgs)
	assert.Equal(t, "second", string(msg.Payload))
	msg.Ack()
}

func TestGroupsHaveIndependentPositions(t *testing.T) {
	log := openTestLog(t, Config{})
	publish(t, log, "topic", "only")

	for _, group := range []string{"a", "b"} {
		sub := log.Subscriber(group)
		t.Cleanup(func() { _ = sub.Close() })
		msgs, err := sub.Subscribe(context.Background(), "topic")
		require.NoError(t, err)

		msg := next(t, msgs)
		assert.Equal(t, "only", string(msg.Payload))
		msg.Ack()
	}
}

func TestNewestSkipsExistingRows(t *testing.T) {
	log := openTestLog(t, Config{InitialOffset: "newest"})
	publish(t, log, "topic", "old")

	sub := log.Subscriber("late")
	t.Cleanup(func() { _ = sub.Close() })
	msgs, err := sub.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	publish(t, log, "topic", "new")
	msg := next(t, msgs)
	assert.Equal(t, "new", string(msg.Payload))
	msg.Ack()
}

func TestNackRedeliversRow(t *testing.T) {
	log := openTestLog(t, Config{})
	publish(t, log, "topic", "retry")

	sub := log.Subscriber("default")
	t.Cleanup(func() { _ = sub.Close() })
	msgs, err := sub.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	first := next(t, msgs)
	first.Nack()

	second := next(t, msgs)
	assert.Equal(t, first.UUID, second.UUID)
	second.Ack()
}

func TestMetadataRoundTrip(t *testing.T) {
	log := openTestLog(t, Config{})
	msg := message.NewMessage("uuid-1", []byte("payload"))
	msg.Metadata.Set("rpc_key", "01HXKEY")
	require.NoError(t, log.Publish("topic", msg))

	sub := log.Subscriber("default")
	t.Cleanup(func() { _ = sub.Close() })
	msgs, err := sub.Subscribe(context.Background(), "topic")
	require.NoError(t, err)

	got := next(t, msgs)
	assert.Equal(t, "uuid-1", got.UUID)
	assert.Equal(t, "01HXKEY", got.Metadata.Get("rpc_key"))
	got.Ack()
}

func TestCancelledContextClosesSubscription(t *testing.T) {
	log := openTestLog(t, Config{})

	sub := log.Subscriber("default")
	t.Cleanup(func() { _ = sub.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := sub.Subscribe(ctx, "topic")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription did not close")
	}
}

func TestClosedLogRejectsUse(t *testing.T) {
	log := openTestLog(t, Config{})
	require.NoError(t, log.Close())
	require.NoError(t, log.Close())

	assert.ErrorIs(t, log.Publish("topic", message.NewMessage("1", nil)), ErrClosed)
	_, err := log.Subscriber("default").Subscribe(context.Background(), "topic")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, "oldest", cfg.InitialOffset)
	assert.Equal(t, DefaultNackResendSleep, cfg.NackResendSleep)
}
