package config

import "time"

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type         string        `mapstructure:"type" validate:"required,oneof=kafka rabbitmq pubsub"`
	Brokers      []string      `mapstructure:"brokers" validate:"required_if=Type kafka"`
	URL          string        `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange     string        `mapstructure:"exchange"`
	ProjectID    string        `mapstructure:"project_id" validate:"required_if=Type pubsub"` // Optional for brokers like GCP Pub/Sub
	PoolSize     int           `mapstructure:"pool_size"`                                     // Optional for RabbitMQ
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"required"`
	// Partitions is used when the consumer provisions missing topics.
	Partitions int `mapstructure:"partitions" validate:"min=1"`
}

// ConsumerSettings tunes the kafka consumer groups.
type ConsumerSettings struct {
	GroupID        string        `mapstructure:"group_id" validate:"required"`
	DLQGroupID     string        `mapstructure:"dlq_group_id" validate:"required,nefield=GroupID"`
	Concurrency    int           `mapstructure:"concurrency" validate:"min=1"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"required"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"required,gtefield=InitialBackoff"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" validate:"required"`
}
