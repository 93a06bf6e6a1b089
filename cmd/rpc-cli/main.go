// Command rpc-cli is an interactive shell for calling methods served over brokerrpc.
//
// Each line is "<topic> <method> [json params]". A JSON array becomes positional
// parameters and an object becomes keyword parameters. Prefix a line with !oneway to
// publish without waiting, and type q to quit. Aliases are read from the "aliases" key
// of the config file, mapping a name to the lines it expands to.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

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
	flags := pflag.NewFlagSet("rpc-cli", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a config file")
	flags.String("pubsub_system", configpkg.DefaultPubSubSystem, "pub/sub system to use")
	flags.StringSlice("kafka_brokers", []string{configpkg.DefaultKafkaBroker}, "Kafka bootstrap servers")
	flags.String("nats_url", "", "NATS server URL")
	flags.String("rabbitmq_url", "", "RabbitMQ URL")
	flags.String("aws_region", "", "AWS region for the SNS/SQS transport")
	flags.String("aws_endpoint", "", "Custom AWS endpoint, e.g. LocalStack")
	flags.String("sqlite_file", "", "SQLite database file")
	flags.String("postgres_url", "", "PostgreSQL connection string")
	flags.Duration("call_timeout", 0, "give up on a call after this long, 0 waits forever")
	verbose := flags.Bool("verbose", false, "log broker activity to stderr")
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

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := brokerrpc.NewSlogServiceLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	broker, err := brokerrpc.TryNewBroker(cfg, logger, ctx, brokerrpc.BrokerDependencies{})
	if err != nil {
		return err
	}
	defer broker.Close()

	fmt.Fprintf(os.Stdout, "[ RPC CLI ] %s\n", cfg.PubSubSystem)
	sh := &shell{
		broker:  broker,
		out:     os.Stdout,
		aliases: v.GetStringMapStringSlice("aliases"),
	}
	return sh.run(ctx, os.Stdin)
}
