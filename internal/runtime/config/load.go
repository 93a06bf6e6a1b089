package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment variable names, e.g. BROKERRPC_KAFKA_BROKERS.
const EnvPrefix = "BROKERRPC"

// Load reads configuration from an optional file, BROKERRPC_* environment variables,
// and flags, in increasing order of precedence. Defaults are applied afterwards.
// An empty path skips the file.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v, err := LoadViper(path, flags)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// LoadViper is Load without the decoding step, for tools that read extra keys.
func LoadViper(path string, flags *pflag.FlagSet) (*viper.Viper, error) {
	v := NewViper()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// NewViper returns a viper instance wired for BROKERRPC_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	defaults := Config{}.WithDefaults()
	v.SetDefault("pubsub_system", defaults.PubSubSystem)
	v.SetDefault("kafka_brokers", defaults.KafkaBrokers)
	v.SetDefault("kafka_client_id", defaults.KafkaClientID)
	v.SetDefault("initial_offset", defaults.InitialOffset)
	v.SetDefault("subscription_mode", defaults.SubscriptionMode)
	v.SetDefault("partition", defaults.Partition)
	v.SetDefault("poll_timeout", defaults.PollTimeout)
	v.SetDefault("nats_url", "")
	v.SetDefault("jetstream_stream", "")
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("sqlite_file", "")
	v.SetDefault("postgres_url", "")
	v.SetDefault("aws_region", "")
	v.SetDefault("aws_account_id", "")
	v.SetDefault("aws_access_key_id", "")
	v.SetDefault("aws_secret_access_key", "")
	v.SetDefault("aws_endpoint", "")
	v.SetDefault("results_topic", defaults.ResultsTopic)
	v.SetDefault("request_topic_suffix", defaults.RequestTopicSuffix)
	v.SetDefault("results_group", "")
	v.SetDefault("backlog_limit", defaults.BacklogLimit)
	v.SetDefault("call_timeout", defaults.CallTimeout)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("metrics_port", 0)
	v.SetDefault("webui_enabled", false)
	v.SetDefault("webui_port", defaults.WebUIPort)
	return v
}

// FromViper decodes a Config from v and applies defaults.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	// Comma separated env values arrive as a single element.
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	cfg.WebUICORSAllowedOrigins = splitList(cfg.WebUICORSAllowedOrigins)

	withDefaults := cfg.WithDefaults()
	return &withDefaults, nil
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
