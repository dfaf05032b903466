package config

import (
	"fmt"
	"time"
)

type PlugSaveConfig struct {
	StoreBackend  string `split_words:"true" required:"true" default:"sqlite"`
	SQLitePath    string `envconfig:"SQLITE_PATH" default:"plugsave.db"`
	SessionUserID string `split_words:"true"`

	SupabaseURL      string `split_words:"true"`
	SupabaseAnonKey  string `split_words:"true"`
	SupabaseEmail    string `split_words:"true"`
	SupabasePassword string `split_words:"true"`

	SimulationInterval       time.Duration `split_words:"true" default:"10s"`
	SimulationBurst          float64       `split_words:"true" default:"3"`
	SimulationColdStartBurst float64       `split_words:"true" default:"5"`

	HistoryEnabled      bool     `split_words:"true"`
	ClickHouseAddresses []string `envconfig:"CLICKHOUSE_ADDRESSES" default:"127.0.0.1:9000"`
	ClickHouseDatabase  string   `envconfig:"CLICKHOUSE_DATABASE" default:"plugsave"`
	ClickHouseUsername  string   `envconfig:"CLICKHOUSE_USERNAME" default:"default"`
	ClickHousePassword  string   `envconfig:"CLICKHOUSE_PASSWORD"`

	ListenAddress    string `split_words:"true" default:":8080"`
	CorsAllowOrigins string `split_words:"true" default:"*"`
	EventBufferSize  int    `split_words:"true" default:"100"`
}

const (
	StoreBackendMemory   = "memory"
	StoreBackendSQLite   = "sqlite"
	StoreBackendSupabase = "supabase"
)

// Validate checks the cross-field rules envconfig tags cannot express.
func (c *PlugSaveConfig) Validate() error {
	switch c.StoreBackend {
	case StoreBackendMemory, StoreBackendSQLite:
	case StoreBackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseAnonKey == "" {
			return fmt.Errorf("supabase backend requires SUPABASE_URL and SUPABASE_ANON_KEY")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.SimulationInterval <= 0 {
		return fmt.Errorf("simulation interval must be positive, got %s", c.SimulationInterval)
	}
	if c.SimulationBurst <= 0 || c.SimulationColdStartBurst <= 0 {
		return fmt.Errorf("simulation burst multipliers must be positive")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got %d", c.EventBufferSize)
	}
	return nil
}
