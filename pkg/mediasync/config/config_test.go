package config

import (
	"bytes"
	"context"
	"image"
	"image/color"
	pngenc "image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.DatabaseType)
	assert.Equal(t, "memory", cfg.DefaultStorageBackend)
	assert.Equal(t, "memory", cfg.ProgressStore)
	assert.Equal(t, "pool", cfg.Scheduler)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "sharded", cfg.KeyLayout)
	assert.Equal(t, 85, cfg.JPEGQuality)
	assert.Nil(t, cfg.TempStorage)
	assert.Empty(t, cfg.Shops)
}

func TestLoad_OptionErrors(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{"bad database type", WithDatabase("mysql", "x")},
		{"postgres without url", WithDatabase("postgres", "")},
		{"bad scheduler", WithScheduler("cron")},
		{"zero workers", WithWorkers(0, 10)},
		{"bad thumbnail sizes", WithThumbnailSizes("small:axb")},
		{"bad quality", WithJPEGQuality(0)},
		{"bad storage type", WithStorage(StorageBackendConfig{Name: "x", Type: "ftp"})},
		{"empty redis addr", WithRedis("", "", 0)},
		{"bad key layout", WithKeyLayout("nested")},
		{"empty shop id", WithShop(ShopConfig{Type: "memory"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	_, err := Load(WithDefaultStorage("s3"))
	assert.ErrorContains(t, err, "default storage backend")

	_, err = Load(WithShop(ShopConfig{ID: "a", Type: "webservice"}))
	assert.ErrorContains(t, err, "base url")

	_, err = Load(
		WithShop(ShopConfig{ID: "a", Type: "memory"}),
		WithShop(ShopConfig{ID: "a", Type: "ftp"}),
	)
	assert.ErrorContains(t, err, "unsupported type")

	cfg, err := Load(
		WithFilesystemStorage("", t.TempDir()),
		WithShop(ShopConfig{ID: "a", Type: "memory", Active: true}),
		WithShop(ShopConfig{ID: "b", Type: "webservice", BaseURL: "https://b.example/api", Active: true}),
	)
	require.NoError(t, err)
	assert.Equal(t, "fs", cfg.DefaultStorageBackend)
	assert.Len(t, cfg.StorageBackends, 2)
	assert.Equal(t, "a", cfg.Shops[0].Name)
}

func TestWithEnv(t *testing.T) {
	t.Setenv("MEDIASYNC_DATABASE_URL", "postgres://u:p@localhost:5432/media")
	t.Setenv("MEDIASYNC_STORAGE_URL", "s3://media-bucket/prod?region=eu-west-1&endpoint=http://localhost:9000&use_path_style=true")
	t.Setenv("MEDIASYNC_TEMP_STORAGE_URL", "file:///var/tmp/uploads")
	t.Setenv("MEDIASYNC_REDIS_ADDR", "redis:6379")
	t.Setenv("MEDIASYNC_PROGRESS_RETENTION", "2h")
	t.Setenv("MEDIASYNC_SCHEDULER", "immediate")
	t.Setenv("MEDIASYNC_SHOPS", "shop-a=https://a.example/api, shop-b=memory://")
	t.Setenv("MEDIASYNC_SHOP_API_KEYS", "shop-a:secret")
	t.Setenv("MEDIASYNC_SHOP_MIN_INTERVAL", "250ms")
	t.Setenv("MEDIASYNC_THUMBNAIL_SIZES", "thumb:64x64")

	cfg, err := Load(WithEnv())
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.DatabaseType)
	assert.Equal(t, "postgres://u:p@localhost:5432/media", cfg.DatabaseURL)

	assert.Equal(t, "s3", cfg.DefaultStorageBackend)
	var s3cfg StorageBackendConfig
	for _, b := range cfg.StorageBackends {
		if b.Name == "s3" {
			s3cfg = b
		}
	}
	assert.Equal(t, "media-bucket", s3cfg.Config["bucket"])
	assert.Equal(t, "prod", s3cfg.Config["prefix"])
	assert.Equal(t, "eu-west-1", s3cfg.Config["region"])
	assert.Equal(t, "http://localhost:9000", s3cfg.Config["endpoint"])
	assert.Equal(t, true, s3cfg.Config["use_path_style"])

	require.NotNil(t, cfg.TempStorage)
	assert.Equal(t, "fs", cfg.TempStorage.Type)
	assert.Equal(t, "/var/tmp/uploads", cfg.TempStorage.Config["base_dir"])

	assert.Equal(t, "redis", cfg.ProgressStore)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Redis.Retention)
	assert.Equal(t, "immediate", cfg.Scheduler)
	assert.Equal(t, "thumb:64x64", cfg.ThumbnailSizes)

	require.Len(t, cfg.Shops, 2)
	assert.Equal(t, mediasync.DestinationID("shop-a"), cfg.Shops[0].ID)
	assert.Equal(t, "webservice", cfg.Shops[0].Type)
	assert.Equal(t, "https://a.example/api", cfg.Shops[0].BaseURL)
	assert.Equal(t, "secret", cfg.Shops[0].APIKey)
	assert.Equal(t, 250*time.Millisecond, cfg.Shops[0].MinInterval)
	assert.Equal(t, "memory", cfg.Shops[1].Type)
	assert.True(t, cfg.Shops[1].Active)
}

func TestWithEnv_Invalid(t *testing.T) {
	t.Run("database url", func(t *testing.T) {
		t.Setenv("MEDIASYNC_DATABASE_URL", "mysql://x")
		_, err := Load(WithEnv())
		assert.Error(t, err)
	})
	t.Run("storage url", func(t *testing.T) {
		t.Setenv("MEDIASYNC_STORAGE_URL", "ftp://host/x")
		_, err := Load(WithEnv())
		assert.Error(t, err)
	})
	t.Run("shops", func(t *testing.T) {
		t.Setenv("MEDIASYNC_SHOPS", "shop-a")
		_, err := Load(WithEnv())
		assert.Error(t, err)
	})
}

func TestBuild_MemoryStack(t *testing.T) {
	ownerID := uuid.New()
	ownersFile := filepath.Join(t.TempDir(), "owners.json")
	require.NoError(t, os.WriteFile(ownersFile, []byte(`[
		{"type": "product", "id": "`+ownerID.String()+`", "name": "Mug", "remote_ids": {"demo": "p-1"}}
	]`), 0o644))

	cfg, err := Load(
		WithScheduler("immediate"),
		WithThumbnailSizes("small:8x8"),
		WithShop(ShopConfig{ID: "demo", Type: "memory", Active: true}),
		WithOwnersFile(ownersFile),
	)
	require.NoError(t, err)

	ctx := context.Background()
	rt, err := cfg.Build(ctx, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	assert.Nil(t, rt.Pool)

	svc := rt.Service
	assert.Equal(t, []mediasync.Destination{{ID: "demo", Name: "demo", Active: true}}, svc.Destinations())

	temp := rt.TempStore
	require.NotNil(t, temp)
	backend, err := svc.GetBackend("memory")
	require.NoError(t, err)
	assert.Same(t, backend, temp)
	var png bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.RGBA{R: 200, A: 255})
	require.NoError(t, pngenc.Encode(&png, img))
	require.NoError(t, temp.Write(ctx, "tmp/one.png", bytes.NewReader(png.Bytes()), "image/png"))

	res, err := svc.Intake(ctx, mediasync.IntakeRequest{
		OwnerType: "product",
		OwnerID:   ownerID,
		TempKeys:  []string{"tmp/one.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)

	push, err := svc.Push(ctx, mediasync.PushRequest{OwnerType: "product", OwnerID: ownerID, DestinationID: "demo"})
	require.NoError(t, err)
	assert.Equal(t, 1, push.Uploaded)
}

func TestBuild_PoolAndFilesystem(t *testing.T) {
	cfg, err := Load(
		WithFilesystemStorage("fs", t.TempDir()),
		WithTempStorage(StorageBackendConfig{Type: "memory"}),
		WithKeyLayout("flat"),
		WithWorkers(2, 10),
	)
	require.NoError(t, err)

	rt, err := cfg.Build(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, rt.Pool)

	_, err = rt.Service.GetBackend("fs")
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, rt.Close(ctx))
}

func TestLoadOwnersFile(t *testing.T) {
	owners, err := loadOwnersFile("")
	require.NoError(t, err)
	o, err := owners.FindOwner(context.Background(), "product", uuid.New())
	require.NoError(t, err)
	assert.Nil(t, o)

	_, err = loadOwnersFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = loadOwnersFile(bad)
	assert.Error(t, err)
}
