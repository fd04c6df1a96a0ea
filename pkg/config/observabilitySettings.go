package config

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"required,url"`
	MetricsURL  string `mapstructure:"metrics_url" validate:"required,url"`
}

type LogSettings struct {
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}
