// Package config loads the daemon configuration from an optional YAML file
// and COALESCE_-prefixed environment variables, with defaults set in code and
// struct-tag validation at load time.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// StartupMode defines how initialization failures are handled.
type StartupMode string

const (
	// StartupModeStrict fails fast on any initialization error (default).
	StartupModeStrict StartupMode = "strict"
	// StartupModeGraceful starts with degraded functionality, logging warnings.
	StartupModeGraceful StartupMode = "graceful"
)

// DataPaths holds data directory and file path configuration.
type DataPaths struct {
	// DataDir is the base data directory (COALESCE_DATA_DIR, default: ./data).
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// SQLitePath is the database file path (COALESCE_SQLITE_PATH,
	// default: ${DataDir}/coalesce.db).
	SQLitePath string `mapstructure:"sqlite_path"`
}

// Config holds all configuration for the coalesce daemon.
type Config struct {
	// StartupMode controls how initialization failures are handled.
	StartupMode StartupMode `mapstructure:"startup_mode" validate:"oneof=strict graceful"`

	DataPaths DataPaths `mapstructure:"data_paths"`

	Engine struct {
		// ScanInterval is the period between correlation scans.
		ScanInterval time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
		// WorkerCount is the number of parallel rule evaluations per scan.
		WorkerCount int `mapstructure:"worker_count" validate:"min=1,max=64"`
		// QueueSize bounds the pending-evaluation queue.
		QueueSize int `mapstructure:"queue_size" validate:"min=1"`
		// SeedBuiltinRules upserts the builtin rule set on startup. Local
		// activation state is preserved.
		SeedBuiltinRules bool `mapstructure:"seed_builtin_rules"`
		// AutoAssignUser, when set, is stamped on newly created alerts by
		// the auto-assignment hook.
		AutoAssignUser string `mapstructure:"auto_assign_user"`
	} `mapstructure:"engine"`

	Logging struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=json console"`
	} `mapstructure:"logging"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port" validate:"min=1,max=65535"`
	} `mapstructure:"metrics"`
}

func setDefaults() {
	viper.SetDefault("startup_mode", string(StartupModeStrict))

	viper.SetDefault("data_paths.data_dir", "./data")
	viper.SetDefault("data_paths.sqlite_path", "") // empty = derive from data_dir

	viper.SetDefault("engine.scan_interval", time.Minute)
	viper.SetDefault("engine.worker_count", 4)
	viper.SetDefault("engine.queue_size", 64)
	viper.SetDefault("engine.seed_builtin_rules", true)
	viper.SetDefault("engine.auto_assign_user", "")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.host", "127.0.0.1")
	viper.SetDefault("metrics.port", 9215)
}

func loadFromEnv() {
	viper.SetEnvPrefix("COALESCE")
	viper.AutomaticEnv()

	// Explicit bindings for the short path variables.
	_ = viper.BindEnv("startup_mode", "COALESCE_STARTUP_MODE")
	_ = viper.BindEnv("data_paths.data_dir", "COALESCE_DATA_DIR")
	_ = viper.BindEnv("data_paths.sqlite_path", "COALESCE_SQLITE_PATH")
	_ = viper.BindEnv("engine.scan_interval", "COALESCE_SCAN_INTERVAL")
	_ = viper.BindEnv("engine.worker_count", "COALESCE_WORKER_COUNT")
	_ = viper.BindEnv("logging.level", "COALESCE_LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "COALESCE_LOG_FORMAT")
	_ = viper.BindEnv("metrics.enabled", "COALESCE_METRICS_ENABLED")
	_ = viper.BindEnv("metrics.port", "COALESCE_METRICS_PORT")
}

// LoadConfig loads configuration from file and environment variables. A
// missing config file is not an error; defaults and env vars apply.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.ResolveDataPaths()
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ResolveDataPaths derives unset paths from DataDir.
func (c *Config) ResolveDataPaths() {
	if c.DataPaths.DataDir == "" {
		c.DataPaths.DataDir = "./data"
	}
	if c.DataPaths.SQLitePath == "" {
		c.DataPaths.SQLitePath = filepath.Join(c.DataPaths.DataDir, "coalesce.db")
	} else if !filepath.IsAbs(c.DataPaths.SQLitePath) {
		c.DataPaths.SQLitePath = filepath.Clean(c.DataPaths.SQLitePath)
	}
}

// IsGracefulMode reports whether startup continues past non-fatal errors.
func (c *Config) IsGracefulMode() bool {
	return c.StartupMode == StartupModeGraceful
}

// MetricsAddr returns the listen address for the metrics endpoint.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.Metrics.Host, c.Metrics.Port)
}

var validate = validator.New()

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if cfg.Engine.QueueSize < cfg.Engine.WorkerCount {
		return fmt.Errorf("engine.queue_size (%d) must be at least engine.worker_count (%d)",
			cfg.Engine.QueueSize, cfg.Engine.WorkerCount)
	}
	return nil
}
