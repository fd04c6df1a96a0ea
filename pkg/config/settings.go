package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Breaker names used across the pipeline.
const (
	BreakerBroker   = "broker"
	BreakerSearch   = "search"
	BreakerDatabase = "database"
)

type Settings struct {
	Database      DbSettings                 `mapstructure:"database"`
	Broker        BrokerSettings             `mapstructure:"broker"`
	Consumer      ConsumerSettings           `mapstructure:"consumer"`
	Search        SearchSettings             `mapstructure:"search"`
	Outbox        OutboxSettings             `mapstructure:"outbox"`
	DeadLetter    DeadLetterSettings         `mapstructure:"dead_letter"`
	Breakers      map[string]BreakerSettings `mapstructure:"breakers" validate:"dive"`
	Observability Observability              `mapstructure:"observability"` // Observability settings
	Log           LogSettings                `mapstructure:"log"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// Breaker returns the settings for the named breaker, falling back to the
// defaults when the file does not override it.
func (c *Settings) Breaker(name string) BreakerSettings {
	if b, ok := c.Breakers[name]; ok {
		return b
	}
	return DefaultBreaker()
}

func DefaultBreaker() BreakerSettings {
	return BreakerSettings{
		FailureRate:      0.5,
		SlowCallRate:     0.5,
		SlowCallDuration: 5 * time.Second,
		MinRequests:      5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 3,
		Window:           time.Minute,
	}
}

func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	setDefaults()

	cfg := &Settings{}
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName("sidecar")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	err := mergeConfig(filePath, "sidecar."+env)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

var envKeys = []string{
	"database.type",
	"database.dsn",
	"database.uri",
	"database.migrate",
	"database.connect_retries",
	"broker.type",
	"broker.brokers",
	"broker.url",
	"broker.exchange",
	"broker.project_id",
	"broker.pool_size",
	"broker.write_timeout",
	"broker.partitions",
	"consumer.group_id",
	"consumer.dlq_group_id",
	"consumer.concurrency",
	"consumer.max_attempts",
	"consumer.initial_backoff",
	"consumer.max_backoff",
	"consumer.handler_timeout",
	"search.type",
	"search.addresses",
	"search.index",
	"search.uri",
	"search.database",
	"search.username",
	"search.password",
	"outbox.publish_interval",
	"outbox.batch_size",
	"outbox.max_retries",
	"outbox.backoff_cap_exponent",
	"outbox.warn_retry_threshold",
	"outbox.pending_alert_limit",
	"outbox.retention_days",
	"outbox.cleanup_schedule",
	"outbox.monitor_interval",
	"outbox.error_cap",
	"dead_letter.reprocess_interval",
	"dead_letter.batch_size",
	"dead_letter.max_retries",
	"dead_letter.base_delay",
	"dead_letter.max_delay",
	"dead_letter.stuck_after",
	"dead_letter.stuck_interval",
	"dead_letter.retention_days",
	"dead_letter.cleanup_schedule",
	"dead_letter.exception_cap",
	"dead_letter.stack_trace_cap",
	"observability.service_name",
	"observability.tracing_url",
	"observability.metrics_url",
	"log.level",
	"log.development",
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("SIDECAR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like SIDECAR_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	for _, key := range envKeys {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func setDefaults() {
	viper.SetDefault("database.type", "postgres")
	viper.SetDefault("database.migrate", true)
	viper.SetDefault("database.connect_retries", 10)

	viper.SetDefault("broker.type", "kafka")
	viper.SetDefault("broker.brokers", []string{"localhost:9092"})
	viper.SetDefault("broker.pool_size", 5)
	viper.SetDefault("broker.write_timeout", "10s")
	viper.SetDefault("broker.partitions", 3)

	viper.SetDefault("consumer.group_id", "ecommerce-stock-group")
	viper.SetDefault("consumer.dlq_group_id", "ecommerce-dlq-group")
	viper.SetDefault("consumer.concurrency", 3)
	viper.SetDefault("consumer.max_attempts", 3)
	viper.SetDefault("consumer.initial_backoff", "1s")
	viper.SetDefault("consumer.max_backoff", "10s")
	viper.SetDefault("consumer.handler_timeout", "25s")

	viper.SetDefault("search.type", "elasticsearch")
	viper.SetDefault("search.index", "products")
	viper.SetDefault("search.addresses", []string{"http://localhost:9200"})

	viper.SetDefault("outbox.publish_interval", "5s")
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("outbox.max_retries", 10)
	viper.SetDefault("outbox.backoff_cap_exponent", 9)
	viper.SetDefault("outbox.warn_retry_threshold", 5)
	viper.SetDefault("outbox.pending_alert_limit", 1000)
	viper.SetDefault("outbox.retention_days", 7)
	viper.SetDefault("outbox.cleanup_schedule", "0 3 * * *")
	viper.SetDefault("outbox.monitor_interval", "1m")
	viper.SetDefault("outbox.error_cap", 1000)

	viper.SetDefault("dead_letter.reprocess_interval", "2m")
	viper.SetDefault("dead_letter.batch_size", 10)
	viper.SetDefault("dead_letter.max_retries", 10)
	viper.SetDefault("dead_letter.base_delay", "1m")
	viper.SetDefault("dead_letter.max_delay", "60m")
	viper.SetDefault("dead_letter.stuck_after", "30m")
	viper.SetDefault("dead_letter.stuck_interval", "10m")
	viper.SetDefault("dead_letter.retention_days", 30)
	viper.SetDefault("dead_letter.cleanup_schedule", "0 4 * * *")
	viper.SetDefault("dead_letter.exception_cap", 1000)
	viper.SetDefault("dead_letter.stack_trace_cap", 5000)

	viper.SetDefault("log.level", "info")
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
