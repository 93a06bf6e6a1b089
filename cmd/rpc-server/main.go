// Command rpc-server is an example receiver. It serves echo, add and concat on every
// configured topic until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/brokerrpc"
	configpkg "github.com/drblury/brokerrpc/internal/runtime/config"
	_ "github.com/drblury/brokerrpc/transport/transports"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("rpc-server", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a config file")
	flags.StringSlice("topics", []string{"echo"}, "topics to serve")
	flags.String("group", configpkg.DefaultGroup, "consumer group of the request handles")
	flags.String("pubsub_system", configpkg.DefaultPubSubSystem, "pub/sub system to use")
	flags.StringSlice("kafka_brokers", []string{configpkg.DefaultKafkaBroker}, "Kafka bootstrap servers")
	flags.String("subscription_mode", configpkg.SubscriptionPartition, "partition or group")
	flags.String("nats_url", "", "NATS server URL")
	flags.String("rabbitmq_url", "", "RabbitMQ URL")
	flags.String("aws_region", "", "AWS region for the SNS/SQS transport")
	flags.String("aws_endpoint", "", "Custom AWS endpoint, e.g. LocalStack")
	flags.String("sqlite_file", "", "SQLite database file")
	flags.String("postgres_url", "", "PostgreSQL connection string")
	flags.Bool("metrics_enabled", false, "expose Prometheus metrics")
	flags.Int("metrics_port", 9090, "port of the metrics endpoint")
	flags.Bool("webui_enabled", false, "expose the introspection API")
	if err := flags.Parse(args); err != nil {
		return err
	}

	v, err := configpkg.LoadViper(*configPath, flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, err := configpkg.FromViper(v)
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	topics := v.GetStringSlice("topics")
	if len(topics) == 0 {
		return errors.New("at least one topic is required")
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	logger := brokerrpc.NewZapServiceLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := brokerrpc.TryNewBroker(cfg, logger, ctx, brokerrpc.BrokerDependencies{})
	if err != nil {
		return err
	}
	defer broker.Close()

	table, err := newMethodTable()
	if err != nil {
		return err
	}
	return serve(ctx, broker, table, topics, v.GetString("group"))
}

// serve runs one Serve loop per topic next to the HTTP servers. Interruption is a
// clean exit.
func serve(ctx context.Context, broker *brokerrpc.Broker, table *brokerrpc.MethodTable, topics []string, group string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		g.Go(func() error {
			return broker.Serve(ctx, table, topic, group)
		})
	}
	g.Go(func() error {
		return broker.ListenAndServe(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
