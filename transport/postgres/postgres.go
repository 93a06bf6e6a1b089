// Package postgres provides a PostgreSQL-backed log transport for brokerrpc.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/drblury/brokerrpc/transport"
	"github.com/drblury/brokerrpc/transport/sqllog"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// ErrConnectionStringRequired is returned when no connection string is configured.
var ErrConnectionStringRequired = errors.New("postgres: connection string is required")

// OpenDB allows overriding the database connection for testing.
var OpenDB = func(connectionString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func init() {
	Register()
}

// Register registers the PostgreSQL transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities) // Alias
}

// Config holds PostgreSQL-specific configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string
	// MaxOpenConns sets the maximum number of open connections to the database.
	MaxOpenConns int
	// MaxIdleConns sets the maximum number of idle connections.
	MaxIdleConns int
	// Log configures polling and initial positions.
	Log sqllog.Config
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// Build creates a new PostgreSQL transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	log, err := New(Config{
		ConnectionString: cfg.GetPostgresURL(),
		Log: sqllog.Config{
			PollInterval:  cfg.GetPollTimeout(),
			InitialOffset: cfg.GetInitialOffset(),
		},
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

// New connects to PostgreSQL and prepares the log schema.
func New(cfg Config, logger watermill.LoggerAdapter) (*sqllog.Log, error) {
	if cfg.ConnectionString == "" {
		return nil, ErrConnectionStringRequired
	}
	cfg = cfg.withDefaults()

	db, err := OpenDB(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	log, err := sqllog.New(db, sqllog.Postgres, cfg.Log, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}
