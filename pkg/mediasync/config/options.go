package config

import (
	"fmt"
	"time"

	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"github.com/tendant/simple-media-sync/pkg/mediasync/logging"
)

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *Config) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithLogging sets the logger configuration
func WithLogging(cfg logging.Config) Option {
	return func(c *Config) error {
		if _, err := logging.ParseLevel(cfg.Level); err != nil {
			return err
		}
		c.Log = cfg
		return nil
	}
}

// WithDatabase configures the database backend
func WithDatabase(dbType, url string) Option {
	return func(c *Config) error {
		if dbType != "memory" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'memory' or 'postgres', got: %s", dbType)
		}
		if dbType == "postgres" && url == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *Config) error {
		c.DBSchema = schema
		return nil
	}
}

// WithStorage adds or replaces a durable storage backend
func WithStorage(backend StorageBackendConfig) Option {
	return func(c *Config) error {
		if backend.Name == "" {
			return fmt.Errorf("storage backend name cannot be empty")
		}
		if err := checkStorageType(backend.Type); err != nil {
			return err
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, backend)
		return nil
	}
}

// WithDefaultStorage sets the default storage backend name
func WithDefaultStorage(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("default storage backend name cannot be empty")
		}
		c.DefaultStorageBackend = name
		return nil
	}
}

// WithFilesystemStorage adds a filesystem backend and makes it the default.
// If name is empty, defaults to "fs"
func WithFilesystemStorage(name, baseDir string) Option {
	return func(c *Config) error {
		if name == "" {
			name = "fs"
		}
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name:   name,
			Type:   "fs",
			Config: map[string]interface{}{"base_dir": baseDir},
		})
		c.DefaultStorageBackend = name
		return nil
	}
}

// WithTempStorage sets where intake reads uploads from
func WithTempStorage(backend StorageBackendConfig) Option {
	return func(c *Config) error {
		if err := checkStorageType(backend.Type); err != nil {
			return err
		}
		if backend.Name == "" {
			backend.Name = "temp"
		}
		if backend.Config == nil {
			backend.Config = map[string]interface{}{}
		}
		c.TempStorage = &backend
		return nil
	}
}

// WithKeyLayout selects the object key layout ("sharded" or "flat")
func WithKeyLayout(layout string) Option {
	return func(c *Config) error {
		if layout != "sharded" && layout != "flat" {
			return fmt.Errorf("key layout must be 'sharded' or 'flat', got: %s", layout)
		}
		c.KeyLayout = layout
		return nil
	}
}

// WithRedis stores progress records in Redis
func WithRedis(addr, password string, db int) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("redis address cannot be empty")
		}
		c.ProgressStore = "redis"
		c.Redis.Addr = addr
		c.Redis.Password = password
		c.Redis.DB = db
		return nil
	}
}

// WithProgressRetention sets how long finished progress records are kept in Redis
func WithProgressRetention(retention time.Duration) Option {
	return func(c *Config) error {
		if retention <= 0 {
			return fmt.Errorf("progress retention must be positive, got: %s", retention)
		}
		c.Redis.Retention = retention
		return nil
	}
}

// WithScheduler selects "immediate" or "pool" job execution
func WithScheduler(mode string) Option {
	return func(c *Config) error {
		if mode != "immediate" && mode != "pool" {
			return fmt.Errorf("scheduler must be 'immediate' or 'pool', got: %s", mode)
		}
		c.Scheduler = mode
		return nil
	}
}

// WithWorkers sets the worker pool size and queue capacity
func WithWorkers(workers, queueSize int) Option {
	return func(c *Config) error {
		if workers <= 0 {
			return fmt.Errorf("workers must be positive, got: %d", workers)
		}
		if queueSize <= 0 {
			return fmt.Errorf("queue size must be positive, got: %d", queueSize)
		}
		c.Workers = workers
		c.QueueSize = queueSize
		return nil
	}
}

// WithThumbnailSizes sets the thumbnail specification ("name:WxH,...")
func WithThumbnailSizes(spec string) Option {
	return func(c *Config) error {
		if _, err := imaging.ParseSizes(spec); err != nil {
			return err
		}
		c.ThumbnailSizes = spec
		return nil
	}
}

// WithJPEGQuality sets the quality of converted derivatives
func WithJPEGQuality(quality int) Option {
	return func(c *Config) error {
		if quality < 1 || quality > 100 {
			return fmt.Errorf("jpeg quality must be between 1 and 100, got: %d", quality)
		}
		c.JPEGQuality = quality
		return nil
	}
}

// WithShop adds or replaces a destination shop
func WithShop(shop ShopConfig) Option {
	return func(c *Config) error {
		if shop.ID == "" {
			return fmt.Errorf("shop id cannot be empty")
		}
		if shop.Name == "" {
			shop.Name = string(shop.ID)
		}
		c.Shops = upsertShop(c.Shops, shop)
		return nil
	}
}

// WithOwnersFile seeds the in-memory owner lookup from a JSON file
func WithOwnersFile(path string) Option {
	return func(c *Config) error {
		c.OwnersFile = path
		return nil
	}
}

func checkStorageType(t string) error {
	switch t {
	case "memory", "fs", "s3":
		return nil
	}
	return fmt.Errorf("unsupported storage backend type: %s", t)
}

func upsertStorageBackend(backends []StorageBackendConfig, backend StorageBackendConfig) []StorageBackendConfig {
	if backend.Config == nil {
		backend.Config = map[string]interface{}{}
	}
	for i := range backends {
		if backends[i].Name == backend.Name {
			backends[i] = backend
			return backends
		}
	}
	return append(backends, backend)
}

func upsertShop(shops []ShopConfig, shop ShopConfig) []ShopConfig {
	for i := range shops {
		if shops[i].ID == shop.ID {
			shops[i] = shop
			return shops
		}
	}
	return append(shops, shop)
}
