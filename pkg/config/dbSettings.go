package config

// DbSettings selects and addresses the relational store.
type DbSettings struct {
	Type string `mapstructure:"type" validate:"required,oneof=postgres spanner"`
	DSN  string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	// URI is the Spanner database path (projects/p/instances/i/databases/d).
	URI string `mapstructure:"uri" validate:"required_if=Type spanner"`
	// Migrate runs the embedded schema migrations on startup (postgres only).
	Migrate        bool `mapstructure:"migrate"`
	ConnectRetries int  `mapstructure:"connect_retries" validate:"min=0"`
}
