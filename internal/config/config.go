// Package config loads and validates run configuration.
//
// Configuration comes from environment variables with the CLICKSYNC_
// prefix, optionally layered over a YAML file. Validation happens before
// any network or database call: a malformed or missing required parameter
// fails the run immediately, never partially executing.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// ConfigurationError reports a missing or invalid run parameter. It is
// raised before any I/O.
type ConfigurationError struct {
	Param  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Param, e.Reason)
}

// Config is the full service configuration.
type Config struct {
	// Source API
	APIToken  string `mapstructure:"api_token"`
	TeamID    string `mapstructure:"team_id"`
	Assignees string `mapstructure:"assignees"`
	BaseURL   string `mapstructure:"base_url"`

	// CRM lists backing the accounts and apps entities.
	AccountsListID string `mapstructure:"accounts_list_id"`
	AppsListID     string `mapstructure:"apps_list_id"`

	// Destination
	WarehousePath string `mapstructure:"warehouse_path"`

	// Run behavior
	LookbackDays      int     `mapstructure:"lookback_days"`
	ReindexSince      string  `mapstructure:"reindex_since"` // YYYY-MM-DD
	FetchParallelism  int     `mapstructure:"fetch_parallelism"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`

	// Optional surfaces
	AuditDir      string `mapstructure:"audit_dir"`
	BackfillDir   string `mapstructure:"backfill_dir"`
	MappingFile   string `mapstructure:"mapping_file"`
	ServerPort    int    `mapstructure:"server_port"`
	DashboardPort int    `mapstructure:"dashboard_port"`
	LogFile       string `mapstructure:"log_file"`
}

// Load reads configuration from the environment and, when path is
// non-empty, a YAML file. The result is validated before returning.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLICKSYNC")
	v.AutomaticEnv()

	v.SetDefault("base_url", "")
	v.SetDefault("warehouse_path", "clicksync.db")
	v.SetDefault("lookback_days", 60)
	v.SetDefault("reindex_since", "2024-01-01")
	v.SetDefault("fetch_parallelism", 3)
	v.SetDefault("requests_per_minute", 90)
	v.SetDefault("server_port", 8080)

	// viper only binds env vars it has seen; declare the ones without
	// defaults explicitly.
	for _, key := range []string{
		"api_token", "team_id", "assignees", "accounts_list_id",
		"apps_list_id", "audit_dir", "backfill_dir", "mapping_file",
		"dashboard_port", "log_file",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate fails fast on missing or out-of-range parameters.
func (c *Config) Validate() error {
	if c.APIToken == "" {
		return &ConfigurationError{Param: "api_token", Reason: "is required"}
	}
	if c.TeamID == "" {
		return &ConfigurationError{Param: "team_id", Reason: "is required"}
	}
	if c.WarehousePath == "" {
		return &ConfigurationError{Param: "warehouse_path", Reason: "is required"}
	}
	if c.LookbackDays <= 0 {
		return &ConfigurationError{Param: "lookback_days", Reason: "must be positive"}
	}
	if c.FetchParallelism <= 0 {
		return &ConfigurationError{Param: "fetch_parallelism", Reason: "must be positive"}
	}
	if c.RequestsPerMinute <= 0 {
		return &ConfigurationError{Param: "requests_per_minute", Reason: "must be positive"}
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return &ConfigurationError{Param: "server_port", Reason: "must be a valid port"}
	}
	return nil
}
