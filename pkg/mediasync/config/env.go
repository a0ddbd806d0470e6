package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
	"github.com/tendant/simple-media-sync/pkg/mediasync/logging"
)

// EnvConfig is the environment variable surface of a deployment.
//
// Storage URLs are one of:
//
//	memory://                                   in-memory storage
//	file:///path/to/data                        filesystem storage
//	s3://bucket?region=us-east-1&endpoint=...   S3 storage
//
// MEDIASYNC_SHOPS lists shops as "id=url" pairs separated by commas, where
// url is the shop's media API base URL or "memory://" for an in-process shop.
type EnvConfig struct {
	Environment string `env:"MEDIASYNC_ENVIRONMENT" env-default:"development"`
	LogLevel    string `env:"MEDIASYNC_LOG_LEVEL" env-default:"info"`
	LogFormat   string `env:"MEDIASYNC_LOG_FORMAT" env-default:"console"`
	LogOutput   string `env:"MEDIASYNC_LOG_OUTPUT" env-default:"stdout"`

	DatabaseURL string `env:"MEDIASYNC_DATABASE_URL" env-default:"memory"`
	DBSchema    string `env:"MEDIASYNC_DB_SCHEMA" env-default:"public"`

	StorageURL     string `env:"MEDIASYNC_STORAGE_URL" env-default:"memory://"`
	TempStorageURL string `env:"MEDIASYNC_TEMP_STORAGE_URL"`
	KeyLayout      string `env:"MEDIASYNC_KEY_LAYOUT" env-default:"sharded"`

	RedisAddr         string        `env:"MEDIASYNC_REDIS_ADDR"`
	RedisPassword     string        `env:"MEDIASYNC_REDIS_PASSWORD"`
	RedisDB           int           `env:"MEDIASYNC_REDIS_DB" env-default:"0"`
	ProgressRetention time.Duration `env:"MEDIASYNC_PROGRESS_RETENTION" env-default:"24h"`

	Scheduler string `env:"MEDIASYNC_SCHEDULER" env-default:"pool"`
	Workers   int    `env:"MEDIASYNC_WORKERS" env-default:"4"`
	QueueSize int    `env:"MEDIASYNC_QUEUE_SIZE" env-default:"1000"`

	ThumbnailSizes string `env:"MEDIASYNC_THUMBNAIL_SIZES" env-default:"small:150x150,medium:512x512,large:1024x1024"`
	JPEGQuality    int    `env:"MEDIASYNC_JPEG_QUALITY" env-default:"85"`

	Shops           string            `env:"MEDIASYNC_SHOPS"`
	ShopAPIKeys     map[string]string `env:"MEDIASYNC_SHOP_API_KEYS"`
	ShopTimeout     time.Duration     `env:"MEDIASYNC_SHOP_TIMEOUT" env-default:"30s"`
	ShopMinInterval time.Duration     `env:"MEDIASYNC_SHOP_MIN_INTERVAL" env-default:"500ms"`

	OwnersFile string `env:"MEDIASYNC_OWNERS_FILE"`
}

// WithEnv applies the MEDIASYNC_* environment variables.
func WithEnv() Option {
	return func(c *Config) error {
		var env EnvConfig
		if err := cleanenv.ReadEnv(&env); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		return env.apply(c)
	}
}

func (e *EnvConfig) apply(c *Config) error {
	c.Environment = e.Environment
	c.Log = logging.Config{Level: e.LogLevel, Format: e.LogFormat, Output: e.LogOutput}
	c.DBSchema = e.DBSchema
	c.KeyLayout = e.KeyLayout
	c.Scheduler = e.Scheduler
	c.Workers = e.Workers
	c.QueueSize = e.QueueSize
	c.ThumbnailSizes = e.ThumbnailSizes
	c.JPEGQuality = e.JPEGQuality
	c.OwnersFile = e.OwnersFile

	if err := applyDatabaseURL(e.DatabaseURL, c); err != nil {
		return err
	}

	backend, err := parseStorageURL(e.StorageURL)
	if err != nil {
		return fmt.Errorf("MEDIASYNC_STORAGE_URL: %w", err)
	}
	c.StorageBackends = upsertStorageBackend(c.StorageBackends, backend)
	c.DefaultStorageBackend = backend.Name

	if e.TempStorageURL != "" {
		temp, err := parseStorageURL(e.TempStorageURL)
		if err != nil {
			return fmt.Errorf("MEDIASYNC_TEMP_STORAGE_URL: %w", err)
		}
		temp.Name = "temp"
		c.TempStorage = &temp
	}

	if e.RedisAddr != "" {
		c.ProgressStore = "redis"
		c.Redis.Addr = e.RedisAddr
		c.Redis.Password = e.RedisPassword
		c.Redis.DB = e.RedisDB
	}
	c.Redis.Retention = e.ProgressRetention

	shops, err := parseShops(e.Shops)
	if err != nil {
		return fmt.Errorf("MEDIASYNC_SHOPS: %w", err)
	}
	for _, shop := range shops {
		shop.APIKey = e.ShopAPIKeys[string(shop.ID)]
		shop.Timeout = e.ShopTimeout
		shop.MinInterval = e.ShopMinInterval
		c.Shops = upsertShop(c.Shops, shop)
	}
	return nil
}

// applyDatabaseURL infers the database type from the URL scheme
func applyDatabaseURL(dbURL string, c *Config) error {
	switch {
	case dbURL == "" || dbURL == "memory":
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
	case strings.HasPrefix(dbURL, "postgresql://"), strings.HasPrefix(dbURL, "postgres://"):
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
	default:
		return fmt.Errorf("unsupported MEDIASYNC_DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", dbURL)
	}
	return nil
}

func parseStorageURL(raw string) (StorageBackendConfig, error) {
	if raw == "" || raw == "memory" || raw == "memory://" {
		return StorageBackendConfig{Name: "memory", Type: "memory", Config: map[string]interface{}{}}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return StorageBackendConfig{}, fmt.Errorf("invalid storage url: %w", err)
	}

	switch u.Scheme {
	case "file":
		path := u.Host + u.Path
		if path == "" {
			return StorageBackendConfig{}, fmt.Errorf("filesystem path cannot be empty")
		}
		return StorageBackendConfig{
			Name:   "fs",
			Type:   "fs",
			Config: map[string]interface{}{"base_dir": path},
		}, nil

	case "s3":
		if u.Host == "" {
			return StorageBackendConfig{}, fmt.Errorf("s3 bucket name cannot be empty")
		}
		q := u.Query()
		cfg := map[string]interface{}{
			"bucket": u.Host,
			"region": "us-east-1",
		}
		if prefix := strings.Trim(u.Path, "/"); prefix != "" {
			cfg["prefix"] = prefix
		}
		for _, key := range []string{"region", "endpoint", "access_key_id", "secret_access_key", "sse_algorithm", "sse_kms_key_id"} {
			if v := q.Get(key); v != "" {
				cfg[key] = v
			}
		}
		for _, key := range []string{"use_path_style", "enable_sse", "create_bucket_if_not_exist"} {
			if v := q.Get(key); v != "" {
				b, err := strconv.ParseBool(v)
				if err != nil {
					return StorageBackendConfig{}, fmt.Errorf("invalid boolean for %s: %w", key, err)
				}
				cfg[key] = b
			}
		}
		return StorageBackendConfig{Name: "s3", Type: "s3", Config: cfg}, nil
	}

	return StorageBackendConfig{}, fmt.Errorf("unsupported storage url %s (use 'memory://', 'file://...', or 's3://...')", raw)
}

func parseShops(raw string) ([]ShopConfig, error) {
	var shops []ShopConfig
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, target, ok := strings.Cut(part, "=")
		if !ok || id == "" || target == "" {
			return nil, fmt.Errorf("invalid shop %q: expected id=url", part)
		}
		shop := ShopConfig{
			ID:     mediasync.DestinationID(id),
			Name:   id,
			Active: true,
		}
		if target == "memory://" || target == "memory" {
			shop.Type = "memory"
		} else {
			shop.Type = "webservice"
			shop.BaseURL = target
		}
		shops = append(shops, shop)
	}
	return shops, nil
}
