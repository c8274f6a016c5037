package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

type Config struct {
	Port         int    `mapstructure:"port"`
	DatabaseURL  string `mapstructure:"database_url"`  // Postgres DSN; empty = SQLite at database_path
	DatabasePath string `mapstructure:"database_path"` // SQLite file when database_url is empty
	LogLevel     string `mapstructure:"log_level"`

	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// GitHub App credentials
	AppID          int64  `mapstructure:"app_id"`
	PrivateKey     string `mapstructure:"private_key"` // inline PEM; takes precedence over private_key_path
	PrivateKeyPath string `mapstructure:"private_key_path"`
	WebhookSecret  string `mapstructure:"webhook_secret"`
	APIBaseURL     string `mapstructure:"api_base_url"`
	WebBaseURL     string `mapstructure:"web_base_url"` // host used in file links on check summaries

	// Webhook processing
	WorkerCount           int `mapstructure:"worker_count"`          // overall pool size
	PriorityWorkerCount   int `mapstructure:"priority_worker_count"` // high-priority (action_requested) workers
	ProcessTimeoutSec     int `mapstructure:"process_timeout_sec"`   // per-delivery processing ceiling
	ProcessRetries        int `mapstructure:"process_retries"`       // transient-failure retries per delivery
	WebhookRatePerMin     int `mapstructure:"webhook_rate_per_min"`  // token bucket per source address
	DeliveryRetentionDays int `mapstructure:"delivery_retention_days"`

	// Rerun policy
	RerunMaxAttempts int `mapstructure:"rerun_max_attempts"`

	// Analyzer thresholds
	MinRunsForAnalysis        int     `mapstructure:"min_runs_for_analysis"`
	FlakeThreshold            float64 `mapstructure:"flake_threshold"`
	HighConfidenceThreshold   float64 `mapstructure:"high_confidence_threshold"`
	MediumConfidenceThreshold float64 `mapstructure:"medium_confidence_threshold"`
	AnalysisWindowDays        int     `mapstructure:"analysis_window_days"`
	RecentFailuresWindowDays  int     `mapstructure:"recent_failures_window_days"`

	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`
	CleanupIntervalSec int `mapstructure:"cleanup_interval_sec"`

	// Tracing
	OTLPEndpoint      string  `mapstructure:"otlp_endpoint"` // empty = tracing disabled
	TraceSamplingRate float64 `mapstructure:"trace_sampling_rate"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/flakeguard/")
	viper.AddConfigPath("$HOME/.flakeguard")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("database_url", "")
	viper.SetDefault("database_path", "./flakeguard.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("api_base_url", "https://api.github.com")
	viper.SetDefault("web_base_url", "https://github.com")
	viper.SetDefault("worker_count", 5)
	viper.SetDefault("priority_worker_count", 3)
	viper.SetDefault("process_timeout_sec", 45)
	viper.SetDefault("process_retries", 3)
	viper.SetDefault("webhook_rate_per_min", 1000)
	viper.SetDefault("delivery_retention_days", 30)
	viper.SetDefault("rerun_max_attempts", 3)
	viper.SetDefault("min_runs_for_analysis", 5)
	viper.SetDefault("flake_threshold", 0.15)
	viper.SetDefault("high_confidence_threshold", 0.8)
	viper.SetDefault("medium_confidence_threshold", 0.5)
	viper.SetDefault("analysis_window_days", 30)
	viper.SetDefault("recent_failures_window_days", 7)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("cleanup_interval_sec", 3600)
	viper.SetDefault("otlp_endpoint", "")
	viper.SetDefault("trace_sampling_rate", 1.0)

	// Environment variables
	viper.SetEnvPrefix("FLAKEGUARD")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// PrivateKeyPEM returns the app private key, reading private_key_path when the
// inline value is empty.
func (c *Config) PrivateKeyPEM() ([]byte, error) {
	if c.PrivateKey != "" {
		return []byte(c.PrivateKey), nil
	}
	if c.PrivateKeyPath == "" {
		return nil, fmt.Errorf("no private key configured")
	}
	pem, err := os.ReadFile(c.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return pem, nil
}
