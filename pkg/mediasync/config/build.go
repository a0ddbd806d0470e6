package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"github.com/tendant/simple-media-sync/pkg/mediasync/objectkey"
	"github.com/tendant/simple-media-sync/pkg/mediasync/progress"
	repomemory "github.com/tendant/simple-media-sync/pkg/mediasync/repo/memory"
	repopg "github.com/tendant/simple-media-sync/pkg/mediasync/repo/postgres"
	shopmemory "github.com/tendant/simple-media-sync/pkg/mediasync/shop/memory"
	"github.com/tendant/simple-media-sync/pkg/mediasync/shop/webservice"
	fsstorage "github.com/tendant/simple-media-sync/pkg/mediasync/storage/fs"
	memorystorage "github.com/tendant/simple-media-sync/pkg/mediasync/storage/memory"
	s3storage "github.com/tendant/simple-media-sync/pkg/mediasync/storage/s3"
	"github.com/tendant/simple-media-sync/pkg/mediasync/worker"
	"go.uber.org/zap"
)

// Runtime is a built service together with the resources it owns
type Runtime struct {
	Service mediasync.Service
	// Pool is nil in immediate mode
	Pool *worker.Pool
	// TempStore is where intake reads uploads from
	TempStore mediasync.BlobStore

	closers []func() error
}

// Close drains the worker pool, then releases connections
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.Pool != nil {
		if err := r.Pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Build assembles the service described by the configuration
func (c *Config) Build(ctx context.Context, logger *zap.Logger) (rt *Runtime, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rt = &Runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
			rt = nil
		}
	}()

	var options []mediasync.Option
	options = append(options, mediasync.WithLogger(logger))

	// Repository and owners
	switch c.DatabaseType {
	case "memory":
		options = append(options, mediasync.WithRepository(repomemory.New()))
		owners, err := loadOwnersFile(c.OwnersFile)
		if err != nil {
			return nil, err
		}
		options = append(options, mediasync.WithOwnerLookup(owners))
	case "postgres":
		pool, err := c.connectPostgres(ctx)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { pool.Close(); return nil })
		if err := repopg.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		options = append(options,
			mediasync.WithRepository(repopg.NewWithPool(pool)),
			mediasync.WithOwnerLookup(repopg.NewOwners(pool)),
		)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}

	// Storage backends
	for _, backendConfig := range c.StorageBackends {
		store, err := buildStorageBackend(backendConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build storage backend %s: %w", backendConfig.Name, err)
		}
		options = append(options, mediasync.WithBlobStore(backendConfig.Name, store))
		if backendConfig.Name == c.DefaultStorageBackend {
			rt.TempStore = store
		}
	}
	options = append(options, mediasync.WithDefaultBackend(c.DefaultStorageBackend))
	if c.TempStorage != nil {
		temp, err := buildStorageBackend(*c.TempStorage)
		if err != nil {
			return nil, fmt.Errorf("failed to build temp storage: %w", err)
		}
		options = append(options, mediasync.WithTempStore(temp))
		rt.TempStore = temp
	}
	if c.KeyLayout == "flat" {
		options = append(options, mediasync.WithKeyGenerator(objectkey.NewFlatGenerator()))
	} else {
		options = append(options, mediasync.WithKeyGenerator(objectkey.NewShardedGenerator()))
	}

	// Progress records
	var store progress.Store
	switch c.ProgressStore {
	case "redis":
		redisStore, err := progress.NewRedisStore(c.Redis)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, redisStore.Close)
		store = redisStore
	default:
		store = progress.NewMemoryStore()
	}
	options = append(options, mediasync.WithTracker(progress.NewTracker(store, progress.WithLogger(logger))))

	// Job execution
	if c.Scheduler == "pool" {
		rt.Pool = worker.NewPool(
			worker.WithWorkers(c.Workers),
			worker.WithQueueSize(c.QueueSize),
			worker.WithLogger(logger),
		)
		options = append(options, mediasync.WithScheduler(rt.Pool))
	} else {
		options = append(options, mediasync.WithScheduler(worker.NewImmediate(logger)))
	}

	// Derivatives
	sizes, err := imaging.ParseSizes(c.ThumbnailSizes)
	if err != nil {
		return nil, err
	}
	options = append(options,
		mediasync.WithThumbnailSizes(sizes),
		mediasync.WithJPEGQuality(c.JPEGQuality),
		mediasync.WithEventSink(mediasync.NewLoggingEventSink(logger)),
	)

	// Shops
	for _, shop := range c.Shops {
		client, err := buildShopClient(shop, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build shop %s: %w", shop.ID, err)
		}
		options = append(options, mediasync.WithDestination(mediasync.Destination{
			ID:     shop.ID,
			Name:   shop.Name,
			Active: shop.Active,
		}, client))
	}

	svc, err := mediasync.New(options...)
	if err != nil {
		return nil, err
	}
	rt.Service = svc
	return rt, nil
}

func (c *Config) connectPostgres(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(c.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	schema := c.DBSchema
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if schema == "" {
			return nil
		}
		_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return pool, nil
}

// buildStorageBackend creates a BlobStore based on the backend configuration
func buildStorageBackend(config StorageBackendConfig) (mediasync.BlobStore, error) {
	switch config.Type {
	case "memory":
		return memorystorage.New(), nil

	case "fs":
		return fsstorage.New(fsstorage.Config{
			BaseDir: getString(config.Config, "base_dir", "./data/storage"),
		})

	case "s3":
		return s3storage.New(s3storage.Config{
			Region:                 getString(config.Config, "region", "us-east-1"),
			Bucket:                 getString(config.Config, "bucket", ""),
			Prefix:                 getString(config.Config, "prefix", ""),
			AccessKeyID:            getString(config.Config, "access_key_id", ""),
			SecretAccessKey:        getString(config.Config, "secret_access_key", ""),
			Endpoint:               getString(config.Config, "endpoint", ""),
			UsePathStyle:           getBool(config.Config, "use_path_style", false),
			EnableSSE:              getBool(config.Config, "enable_sse", false),
			SSEAlgorithm:           getString(config.Config, "sse_algorithm", "AES256"),
			SSEKMSKeyID:            getString(config.Config, "sse_kms_key_id", ""),
			CreateBucketIfNotExist: getBool(config.Config, "create_bucket_if_not_exist", false),
		})

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", config.Type)
	}
}

func buildShopClient(shop ShopConfig, logger *zap.Logger) (mediasync.ShopClient, error) {
	switch shop.Type {
	case "memory":
		return shopmemory.New(string(shop.ID)), nil
	case "webservice":
		return webservice.New(webservice.Config{
			BaseURL:     shop.BaseURL,
			APIKey:      shop.APIKey,
			Timeout:     shop.Timeout,
			MinInterval: shop.MinInterval,
		}, webservice.WithLogger(logger.With(zap.String("shop", string(shop.ID)))))
	default:
		return nil, fmt.Errorf("unsupported shop type: %s", shop.Type)
	}
}

type ownerRecord struct {
	Type      string            `json:"type"`
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	RemoteIDs map[string]string `json:"remote_ids"`
}

// loadOwnersFile reads a JSON array of owners. An empty path yields an empty lookup.
func loadOwnersFile(path string) (*mediasync.StaticOwners, error) {
	owners := mediasync.NewStaticOwners()
	if path == "" {
		return owners, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read owners file: %w", err)
	}
	var records []ownerRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse owners file: %w", err)
	}
	for _, r := range records {
		owner := &mediasync.Owner{
			Type:      r.Type,
			ID:        r.ID,
			Name:      r.Name,
			RemoteIDs: make(map[mediasync.DestinationID]string, len(r.RemoteIDs)),
		}
		for dest, remoteID := range r.RemoteIDs {
			owner.RemoteIDs[mediasync.DestinationID(dest)] = remoteID
		}
		owners.Put(owner)
	}
	return owners, nil
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b
			}
		}
	}
	return defaultValue
}
