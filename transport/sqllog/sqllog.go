// Package sqllog stores topics as an append-only log in a SQL database and keeps
// one committed read position per (topic, consumer group).
//
// The sqlite and postgres transports are thin front-ends that open the database
// and pick a Dialect. Rows are never deleted by the log itself.
package sqllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
)

const (
	// DefaultPollInterval is the default interval for polling new rows.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultBatchSize is how many rows one poll reads.
	DefaultBatchSize = 64
	// DefaultNackResendSleep delays redelivery of a nacked row.
	DefaultNackResendSleep = 100 * time.Millisecond
)

// ErrClosed is returned when the log has been closed.
var ErrClosed = errors.New("sqllog: log is closed")

// Dialect holds the statements of one SQL database. Statements take their
// arguments in the order documented on each field.
type Dialect struct {
	Name string
	// Schema statements are executed once when the log is opened.
	Schema []string
	// Insert takes (topic, uuid, payload, metadata).
	Insert string
	// Select takes (topic, after_seq, limit) and returns (seq, uuid, payload, metadata).
	Select string
	// Head takes (topic) and returns the highest sequence number or 0.
	Head string
	// LoadPosition takes (topic, group) and returns the committed sequence number.
	LoadPosition string
	// StorePosition takes (topic, group, seq) and upserts the committed position.
	StorePosition string
}

// Config configures a Log.
type Config struct {
	// PollInterval is how long a reader waits before polling an exhausted topic again.
	PollInterval time.Duration
	// BatchSize limits the rows read per poll.
	BatchSize int
	// InitialOffset is "oldest" or "newest" and applies to groups without a position.
	InitialOffset string
	// NackResendSleep delays redelivery of a nacked row.
	NackResendSleep time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.InitialOffset == "" {
		c.InitialOffset = "oldest"
	}
	if c.NackResendSleep <= 0 {
		c.NackResendSleep = DefaultNackResendSleep
	}
	return c
}

// Log publishes rows and hands out per-group subscribers.
type Log struct {
	db      *sql.DB
	dialect Dialect
	config  Config
	logger  watermill.LoggerAdapter

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
	wg         sync.WaitGroup
}

// New creates the schema and returns a log over db. The log owns db and closes it.
func New(db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Log, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	for _, stmt := range dialect.Schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to initialize %s schema: %w", dialect.Name, err)
		}
	}

	return &Log{
		db:         db,
		dialect:    dialect,
		config:     cfg.withDefaults(),
		logger:     logger,
		closedChan: make(chan struct{}),
	}, nil
}

func (l *Log) isClosed() bool {
	l.closedMu.RLock()
	defer l.closedMu.RUnlock()
	return l.closed
}

// Publish appends messages to topic in one transaction.
func (l *Log) Publish(topic string, messages ...*message.Message) error {
	if l.isClosed() {
		return ErrClosed
	}

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			l.logger.Error("failed to rollback transaction", err, nil)
		}
	}()

	stmt, err := tx.Prepare(l.dialect.Insert)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, msg := range messages {
		metadata, err := sonic.ConfigStd.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		if _, err := stmt.Exec(topic, msg.UUID, []byte(msg.Payload), string(metadata)); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Subscriber returns a subscriber that reads as a member of group.
func (l *Log) Subscriber(group string) message.Subscriber {
	return &groupSubscriber{log: l, group: group, closing: make(chan struct{})}
}

// Position returns the committed sequence number of group on topic, if any.
func (l *Log) Position(ctx context.Context, topic, group string) (int64, bool, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx, l.dialect.LoadPosition, topic, group).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

func (l *Log) startPosition(ctx context.Context, topic, group string) (int64, error) {
	seq, ok, err := l.Position(ctx, topic, group)
	if err != nil || ok {
		return seq, err
	}
	if l.config.InitialOffset != "newest" {
		return 0, nil
	}
	var head int64
	if err := l.db.QueryRowContext(ctx, l.dialect.Head, topic).Scan(&head); err != nil {
		return 0, err
	}
	return head, nil
}

type row struct {
	seq      int64
	uuid     string
	payload  []byte
	metadata string
}

// fetch reads the next batch. Rows are fully read before returning so the
// connection is free again when a single connection is configured.
func (l *Log) fetch(ctx context.Context, topic string, after int64) ([]row, error) {
	rows, err := l.db.QueryContext(ctx, l.dialect.Select, topic, after, l.config.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.seq, &r.uuid, &r.payload, &r.metadata); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *Log) commit(ctx context.Context, topic, group string, seq int64) error {
	_, err := l.db.ExecContext(ctx, l.dialect.StorePosition, topic, group, seq)
	return err
}

func (r row) toMessage() (*message.Message, error) {
	msg := message.NewMessage(r.uuid, r.payload)
	if r.metadata == "" {
		return msg, nil
	}
	metadata := make(message.Metadata)
	if err := sonic.ConfigStd.UnmarshalFromString(r.metadata, &metadata); err != nil {
		return msg, err
	}
	msg.Metadata = metadata
	return msg, nil
}

// Close stops every reader and closes the database.
func (l *Log) Close() error {
	l.closedMu.Lock()
	if l.closed {
		l.closedMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.closedChan)
	l.closedMu.Unlock()

	l.wg.Wait()
	return l.db.Close()
}

// DB returns the underlying database connection for advanced use cases.
func (l *Log) DB() *sql.DB {
	return l.db
}

type groupSubscriber struct {
	log   *Log
	group string

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *groupSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.log.isClosed() {
		return nil, ErrClosed
	}
	select {
	case <-s.closing:
		return nil, ErrClosed
	default:
	}

	start, err := s.log.startPosition(ctx, topic, s.group)
	if err != nil {
		return nil, fmt.Errorf("failed to load position of %s on %s: %w", s.group, topic, err)
	}

	out := make(chan *message.Message)
	s.log.wg.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.log.wg.Done()
		defer s.wg.Done()
		s.read(ctx, topic, start, out)
	}()
	return out, nil
}

func (s *groupSubscriber) done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.closing:
		return true
	case <-s.log.closedChan:
		return true
	default:
		return false
	}
}

func (s *groupSubscriber) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
	case <-s.closing:
	case <-s.log.closedChan:
	}
	return false
}

func (s *groupSubscriber) read(ctx context.Context, topic string, pos int64, out chan<- *message.Message) {
	defer close(out)
	fields := watermill.LogFields{"topic": topic, "consumer_group": s.group}

	for !s.done(ctx) {
		rows, err := s.log.fetch(ctx, topic, pos)
		if err != nil {
			if !s.done(ctx) {
				s.log.logger.Error("failed to fetch rows", err, fields)
			}
			if !s.sleep(ctx, s.log.config.PollInterval) {
				return
			}
			continue
		}
		if len(rows) == 0 {
			if !s.sleep(ctx, s.log.config.PollInterval) {
				return
			}
			continue
		}

		for _, r := range rows {
			if !s.deliver(ctx, r, out, fields) {
				return
			}
			pos = r.seq
			if err := s.log.commit(ctx, topic, s.group, pos); err != nil {
				s.log.logger.Error("failed to commit position", err, fields.Add(watermill.LogFields{"seq": pos}))
			}
		}
	}
}

func (s *groupSubscriber) deliver(ctx context.Context, r row, out chan<- *message.Message, fields watermill.LogFields) bool {
	for {
		msg, err := r.toMessage()
		if err != nil {
			s.log.logger.Error("failed to unmarshal metadata", err, fields)
		}

		msgCtx, cancel := context.WithCancel(ctx)
		msg.SetContext(msgCtx)

		select {
		case out <- msg:
		case <-ctx.Done():
			cancel()
			return false
		case <-s.closing:
			cancel()
			return false
		case <-s.log.closedChan:
			cancel()
			return false
		}

		select {
		case <-msg.Acked():
			cancel()
			return true
		case <-msg.Nacked():
			cancel()
			if !s.sleep(ctx, s.log.config.NackResendSleep) {
				return false
			}
		case <-ctx.Done():
			cancel()
			return false
		case <-s.closing:
			cancel()
			return false
		case <-s.log.closedChan:
			cancel()
			return false
		}
	}
}

// Close stops the readers of this subscriber. The committed positions stay.
func (s *groupSubscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	s.wg.Wait()
	return nil
}
