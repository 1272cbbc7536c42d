// Package config loads the YAML configuration and applies flag overrides.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dtiku-cn/dtiku-paper-sub000/internal/database"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/dispatch"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/embedding"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/logger"
	"github.com/dtiku-cn/dtiku-paper-sub000/internal/storage"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	LogLevel  string           `yaml:"log_level"`
	Source    database.Config  `yaml:"source"`
	Target    database.Config  `yaml:"target"`
	TaskStore TaskStore        `yaml:"task_store"`
	Redis     Redis            `yaml:"redis"`
	Storage   storage.Config   `yaml:"storage"`
	Embedding embedding.Config `yaml:"embedding"`
	Sync      Sync             `yaml:"sync"`
	Metrics   Metrics          `yaml:"metrics"`
}

// TaskStore selects where task rows live. The postgres driver uses the target database.
type TaskStore struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Redis configures the trigger bus
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Sync tunes the scheduler and worker pool
type Sync struct {
	Window          int  `yaml:"window"`
	CheckpointEvery int  `yaml:"checkpoint_every"`
	Concurrency     int  `yaml:"concurrency"`
	QueueSize       int  `yaml:"queue_size"`
	ShowProgress    bool `yaml:"show_progress"`
}

// Metrics configures the Prometheus endpoint
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		LogLevel: "info",
		TaskStore: TaskStore{
			Driver: DriverSQLite,
			Path:   "./tasks.db",
		},
		Redis: Redis{
			Channel: dispatch.DefaultChannel,
		},
		Storage: storage.Config{
			SkipExisting:   true,
			Retries:        storage.DefaultRetries,
			RetryBackoffMs: storage.DefaultRetryBackoffMs,
			MaxObjectSize:  storage.DefaultMaxObjectSize,
		},
		Sync: Sync{
			Window:          100,
			CheckpointEvery: 1,
			Concurrency:     4,
			QueueSize:       16,
			ShowProgress:    true,
		},
		Metrics: Metrics{
			Enabled: true,
			Addr:    ":8080",
		},
	}
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// BindFlags registers every override flag on fs
func BindFlags(fs *pflag.FlagSet) {
	d := Default()

	fs.String("log-level", d.LogLevel, "Log level (debug/info/warn/error)")
	fs.String("source-dsn", "", "Legacy source PostgreSQL DSN")
	fs.String("target-dsn", "", "Canonical target PostgreSQL DSN")

	fs.String("task-store", d.TaskStore.Driver, "Task store driver (sqlite/postgres)")
	fs.String("task-store-path", d.TaskStore.Path, "SQLite task store file")

	fs.String("redis-addr", "", "Redis address for task triggers")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database")
	fs.String("channel", d.Redis.Channel, "Trigger channel")

	fs.String("storage-endpoint", "", "S3 compatible endpoint for assets")
	fs.String("storage-access-key", "", "Storage access key")
	fs.String("storage-secret-key", "", "Storage secret key")
	fs.Bool("storage-secure", false, "Use HTTPS for storage")
	fs.String("storage-bucket", "", "Asset bucket")
	fs.StringSlice("storage-prefixes", nil, "Key prefixes every asset is written under")

	fs.String("embedding-provider", "", "Embedding provider (ollama/openai), empty disables embeddings")
	fs.String("embedding-model", "", "Embedding model")
	fs.String("embedding-url", "", "Embedding server URL")
	fs.Int("embedding-dimension", 0, "Expected embedding dimension, 0 skips the check")

	fs.Int("window", d.Sync.Window, "Rows per extraction page")
	fs.Int("checkpoint-every", d.Sync.CheckpointEvery, "Rows between checkpoint writes")
	fs.Int("concurrency", d.Sync.Concurrency, "Number of concurrent task runners")
	fs.Bool("show-progress", d.Sync.ShowProgress, "Show progress display for foreground runs")

	fs.Bool("metrics", d.Metrics.Enabled, "Serve Prometheus metrics")
	fs.String("metrics-addr", d.Metrics.Addr, "Metrics listen address")
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	var errs []error
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			v, err := flags.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if flags.Changed(name) {
			v, err := flags.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	flag := func(name string, dst *bool) {
		if flags.Changed(name) {
			v, err := flags.GetBool(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	str("log-level", &cfg.LogLevel)
	str("source-dsn", &cfg.Source.DSN)
	str("target-dsn", &cfg.Target.DSN)

	str("task-store", &cfg.TaskStore.Driver)
	str("task-store-path", &cfg.TaskStore.Path)

	str("redis-addr", &cfg.Redis.Addr)
	str("redis-password", &cfg.Redis.Password)
	num("redis-db", &cfg.Redis.DB)
	str("channel", &cfg.Redis.Channel)

	str("storage-endpoint", &cfg.Storage.Endpoint)
	str("storage-access-key", &cfg.Storage.AccessKey)
	str("storage-secret-key", &cfg.Storage.SecretKey)
	flag("storage-secure", &cfg.Storage.Secure)
	str("storage-bucket", &cfg.Storage.Bucket)
	if flags.Changed("storage-prefixes") {
		v, err := flags.GetStringSlice("storage-prefixes")
		errs = append(errs, err)
		cfg.Storage.Prefixes = v
	}

	str("embedding-provider", &cfg.Embedding.Provider)
	str("embedding-model", &cfg.Embedding.Model)
	str("embedding-url", &cfg.Embedding.ServerURL)
	num("embedding-dimension", &cfg.Embedding.Dimension)

	num("window", &cfg.Sync.Window)
	num("checkpoint-every", &cfg.Sync.CheckpointEvery)
	num("concurrency", &cfg.Sync.Concurrency)
	flag("show-progress", &cfg.Sync.ShowProgress)

	flag("metrics", &cfg.Metrics.Enabled)
	str("metrics-addr", &cfg.Metrics.Addr)

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	if c.Target.DSN == "" {
		return fmt.Errorf("target dsn is required")
	}

	switch c.TaskStore.Driver {
	case DriverSQLite:
		if c.TaskStore.Path == "" {
			return fmt.Errorf("task_store.path is required for sqlite")
		}
	case DriverPostgres:
	default:
		return fmt.Errorf("unsupported task store driver: %s", c.TaskStore.Driver)
	}

	if c.Redis.Channel == "" {
		return fmt.Errorf("redis channel cannot be empty")
	}

	if c.Storage.Enabled() && c.Storage.Bucket == "" {
		return fmt.Errorf("storage bucket is required when an endpoint is set")
	}

	if err := c.Embedding.Validate(); err != nil {
		return err
	}

	if c.Sync.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.Sync.CheckpointEvery <= 0 {
		return fmt.Errorf("checkpoint_every must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Sync.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics addr is required when metrics are enabled")
	}

	return nil
}
