package config

import "time"

// OutboxSettings drives the publisher and its housekeeping jobs.
type OutboxSettings struct {
	PublishInterval    time.Duration `mapstructure:"publish_interval" validate:"required"`
	BatchSize          int           `mapstructure:"batch_size" validate:"min=1"`
	MaxRetries         int           `mapstructure:"max_retries" validate:"min=1"`
	BackoffCapExponent int           `mapstructure:"backoff_cap_exponent" validate:"min=0,max=30"`
	WarnRetryThreshold int           `mapstructure:"warn_retry_threshold" validate:"min=1"`
	PendingAlertLimit  int64         `mapstructure:"pending_alert_limit" validate:"min=1"`
	RetentionDays      int           `mapstructure:"retention_days" validate:"min=1"`
	CleanupSchedule    string        `mapstructure:"cleanup_schedule" validate:"required"`
	MonitorInterval    time.Duration `mapstructure:"monitor_interval" validate:"required"`
	ErrorCap           int           `mapstructure:"error_cap" validate:"min=1"`
}

// DeadLetterSettings drives capture truncation and the reprocessor.
type DeadLetterSettings struct {
	ReprocessInterval time.Duration `mapstructure:"reprocess_interval" validate:"required"`
	BatchSize         int           `mapstructure:"batch_size" validate:"min=1"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"min=1"`
	BaseDelay         time.Duration `mapstructure:"base_delay" validate:"required"`
	MaxDelay          time.Duration `mapstructure:"max_delay" validate:"required,gtefield=BaseDelay"`
	StuckAfter        time.Duration `mapstructure:"stuck_after" validate:"required"`
	StuckInterval     time.Duration `mapstructure:"stuck_interval" validate:"required"`
	RetentionDays     int           `mapstructure:"retention_days" validate:"min=1"`
	CleanupSchedule   string        `mapstructure:"cleanup_schedule" validate:"required"`
	ExceptionCap      int           `mapstructure:"exception_cap" validate:"min=1"`
	StackTraceCap     int           `mapstructure:"stack_trace_cap" validate:"min=1"`
}

// SearchSettings selects the search index backend.
type SearchSettings struct {
	Type      string   `mapstructure:"type" validate:"required,oneof=elasticsearch mongo"`
	Addresses []string `mapstructure:"addresses" validate:"required_if=Type elasticsearch"`
	Index     string   `mapstructure:"index" validate:"required"`
	URI       string   `mapstructure:"uri" validate:"required_if=Type mongo"`
	Database  string   `mapstructure:"database" validate:"required_if=Type mongo"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
}

// BreakerSettings configures one named circuit breaker.
type BreakerSettings struct {
	FailureRate      float64       `mapstructure:"failure_rate" validate:"gt=0,lte=1"`
	SlowCallRate     float64       `mapstructure:"slow_call_rate" validate:"gt=0,lte=1"`
	SlowCallDuration time.Duration `mapstructure:"slow_call_duration" validate:"required"`
	MinRequests      uint32        `mapstructure:"min_requests" validate:"min=1"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout" validate:"required"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests" validate:"min=1"`
	Window           time.Duration `mapstructure:"window"`
}
