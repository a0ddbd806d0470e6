package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendant/simple-media-sync/pkg/mediasync"
	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"github.com/tendant/simple-media-sync/pkg/mediasync/logging"
	"github.com/tendant/simple-media-sync/pkg/mediasync/progress"
)

// Option applies configuration to a Config instance.
type Option func(*Config) error

// Load constructs a Config by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() Config {
	return Config{
		Environment:           "development",
		Log:                   logging.DefaultConfig(),
		DatabaseType:          "memory",
		DBSchema:              "public",
		DefaultStorageBackend: "memory",
		StorageBackends: []StorageBackendConfig{
			{
				Name:   "memory",
				Type:   "memory",
				Config: map[string]interface{}{},
			},
		},
		ProgressStore: "memory",
		Redis: progress.RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "mediasync:progress:",
			Retention: 24 * time.Hour,
		},
		Scheduler:      "pool",
		Workers:        4,
		QueueSize:      1000,
		ThumbnailSizes: imaging.DefaultSizes,
		JPEGQuality:    imaging.DefaultQuality,
		KeyLayout:      "sharded",
	}
}

// Config represents the configuration of a media sync deployment
type Config struct {
	Environment string // development, production, testing
	Log         logging.Config

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	DBSchema     string // Postgres schema to use

	// Storage configuration
	DefaultStorageBackend string
	StorageBackends       []StorageBackendConfig
	// TempStorage holds uploads waiting for intake; nil means the default backend
	TempStorage *StorageBackendConfig
	KeyLayout   string // "sharded", "flat"

	// Progress records
	ProgressStore string // "memory", "redis"
	Redis         progress.RedisConfig

	// Job execution
	Scheduler string // "immediate", "pool"
	Workers   int
	QueueSize int

	// Derivatives
	ThumbnailSizes string
	JPEGQuality    int

	Shops []ShopConfig

	// OwnersFile seeds the in-memory owner lookup (JSON) when no database is used
	OwnersFile string
}

// StorageBackendConfig represents configuration for a storage backend
type StorageBackendConfig struct {
	Name   string
	Type   string // "memory", "fs", "s3"
	Config map[string]interface{}
}

// ShopConfig describes one destination shop
type ShopConfig struct {
	ID          mediasync.DestinationID
	Name        string
	Type        string // "webservice", "memory"
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MinInterval time.Duration
	Active      bool
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}
	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	found := false
	for _, backend := range c.StorageBackends {
		if backend.Name == c.DefaultStorageBackend {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("default storage backend '%s' not found in configured backends", c.DefaultStorageBackend)
	}
	if c.KeyLayout != "sharded" && c.KeyLayout != "flat" {
		return fmt.Errorf("key layout must be 'sharded' or 'flat', got: %s", c.KeyLayout)
	}

	switch c.ProgressStore {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis address is required when progress store is redis")
		}
	default:
		return fmt.Errorf("progress store must be 'memory' or 'redis', got: %s", c.ProgressStore)
	}

	switch c.Scheduler {
	case "immediate":
	case "pool":
		if c.Workers <= 0 {
			return errors.New("workers must be positive")
		}
		if c.QueueSize <= 0 {
			return errors.New("queue size must be positive")
		}
	default:
		return fmt.Errorf("scheduler must be 'immediate' or 'pool', got: %s", c.Scheduler)
	}

	if _, err := imaging.ParseSizes(c.ThumbnailSizes); err != nil {
		return err
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be between 1 and 100, got: %d", c.JPEGQuality)
	}

	seen := make(map[mediasync.DestinationID]bool)
	for _, shop := range c.Shops {
		if shop.ID == "" {
			return errors.New("shop id is required")
		}
		if seen[shop.ID] {
			return fmt.Errorf("shop '%s' configured twice", shop.ID)
		}
		seen[shop.ID] = true
		switch shop.Type {
		case "memory":
		case "webservice":
			if shop.BaseURL == "" {
				return fmt.Errorf("shop '%s' requires a base url", shop.ID)
			}
		default:
			return fmt.Errorf("shop '%s' has unsupported type: %s", shop.ID, shop.Type)
		}
	}

	return nil
}
