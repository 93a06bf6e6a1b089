// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/brokerrpc/transport/aws"
	_ "github.com/drblury/brokerrpc/transport/channel"
	_ "github.com/drblury/brokerrpc/transport/jetstream"
	_ "github.com/drblury/brokerrpc/transport/kafka"
	_ "github.com/drblury/brokerrpc/transport/nats"
	_ "github.com/drblury/brokerrpc/transport/postgres"
	_ "github.com/drblury/brokerrpc/transport/rabbitmq"
	_ "github.com/drblury/brokerrpc/transport/sqlite"
)
