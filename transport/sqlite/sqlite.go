// Package sqlite provides a SQLite-backed log transport for brokerrpc.
// It keeps topics and group positions in a single database file, which makes it
// a durable single-host replacement for a partitioned log.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/drblury/brokerrpc/transport"
	"github.com/drblury/brokerrpc/transport/sqllog"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "brokerrpc.db"

func init() {
	Register()
}

// Register registers the SQLite transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Build creates a new SQLite transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	log, err := Open(cfg.GetSQLiteFile(), sqllog.Config{
		PollInterval:  cfg.GetPollTimeout(),
		InitialOffset: cfg.GetInitialOffset(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: log,
		Subscribers: transport.SubscriberFactoryFunc(func(group string) (message.Subscriber, error) {
			return log.Subscriber(group), nil
		}),
	}, nil
}

// Open opens path and prepares the log schema. Use ":memory:" for an in-memory
// database (useful for testing).
func Open(path string, cfg sqllog.Config, logger watermill.LoggerAdapter) (*sqllog.Log, error) {
	if path == "" {
		path = DefaultFilePath
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	log, err := sqllog.New(db, sqllog.SQLite, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}
