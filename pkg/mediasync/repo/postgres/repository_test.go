package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	connString := os.Getenv("TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)

	require.NoError(t, pool.Ping(ctx), "Failed to ping test database")
	require.NoError(t, EnsureSchema(ctx, pool))
	return NewWithPool(pool)
}

func testAsset(ownerID uuid.UUID, sortOrder int, primary bool) *mediasync.MediaAsset {
	now := time.Now().UTC().Truncate(time.Microsecond)
	w := 640
	return &mediasync.MediaAsset{
		ID:               uuid.New(),
		OwnerType:        "product",
		OwnerID:          ownerID,
		StorageBackend:   "memory",
		ObjectKey:        "media/" + uuid.NewString(),
		FileName:         "photo.jpg",
		MimeType:         "image/jpeg",
		SizeBytes:        1234,
		Width:            &w,
		IsPrimary:        primary,
		SortOrder:        sortOrder,
		IsActive:         true,
		Origin:           "shop-a",
		ProcessingStatus: mediasync.ProcessingStatusCreated,
		Derivatives:      map[string]string{"small": "media/small.jpg"},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestPostgresRepository_Assets(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	owner := uuid.New()

	a := testAsset(owner, 1, false)
	b := testAsset(owner, 0, true)
	require.NoError(t, repo.CreateAsset(ctx, a))
	require.NoError(t, repo.CreateAsset(ctx, b))

	got, err := repo.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ObjectKey, got.ObjectKey)
	require.NotNil(t, got.Width)
	assert.Equal(t, 640, *got.Width)
	assert.Nil(t, got.Height)
	assert.Equal(t, mediasync.DestinationID("shop-a"), got.Origin)
	assert.Equal(t, "media/small.jpg", got.Derivatives["small"])

	_, err = repo.GetAsset(ctx, uuid.New())
	assert.ErrorIs(t, err, mediasync.ErrAssetNotFound)

	list, err := repo.ListAssetsByOwner(ctx, "product", owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)

	next, err := repo.NextSortOrder(ctx, "product", owner)
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	now := time.Now().UTC()
	require.NoError(t, repo.SetDestinationState(ctx, a.ID, "shop-b", mediasync.DestinationState{
		Status: mediasync.SyncStatusSynced, RemoteID: "99", SyncedAt: &now,
	}))
	got, err = repo.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.IsSyncedTo("shop-b"))

	require.NoError(t, repo.SetPrimary(ctx, "product", owner, a.ID))
	list, err = repo.ListAssetsByOwner(ctx, "product", owner)
	require.NoError(t, err)
	assert.Equal(t, a.ID, list[0].ID)
	assert.True(t, list[0].IsPrimary)
	assert.False(t, list[1].IsPrimary)

	assert.ErrorIs(t, repo.SetPrimary(ctx, "product", uuid.New(), a.ID), mediasync.ErrAssetNotFound)

	got.ProcessingStatus = mediasync.ProcessingStatusProcessed
	require.NoError(t, repo.UpdateAsset(ctx, got))
	got, err = repo.GetAsset(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, mediasync.ProcessingStatusProcessed, got.ProcessingStatus)
}

func TestPostgresRepository_Conflicts(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	owner := uuid.New()

	_, err := repo.GetConflict(ctx, "product", owner)
	assert.ErrorIs(t, err, mediasync.ErrConflictNotFound)

	require.NoError(t, repo.SaveConflict(ctx, &mediasync.Conflict{
		OwnerType:    "product",
		OwnerID:      owner,
		SourceShopID: "shop-b",
		OtherShopIDs: []mediasync.DestinationID{"shop-a"},
		DetectedAt:   time.Now().UTC(),
	}))

	c, err := repo.GetConflict(ctx, "product", owner)
	require.NoError(t, err)
	assert.Equal(t, []mediasync.DestinationID{"shop-a"}, c.OtherShopIDs)
	assert.False(t, c.Resolved)

	c, err = repo.ResolveConflict(ctx, "product", owner)
	require.NoError(t, err)
	assert.True(t, c.Resolved)
	assert.NotNil(t, c.ResolvedAt)
}

func TestPostgresOwners(t *testing.T) {
	repo := newTestRepository(t)
	owners := NewOwners(repo.db)
	ctx := context.Background()
	id := uuid.New()

	o, err := owners.FindOwner(ctx, "product", id)
	require.NoError(t, err)
	assert.Nil(t, o)

	require.NoError(t, owners.SaveOwner(ctx, &mediasync.Owner{
		Type:      "product",
		ID:        id,
		Name:      "Blue Mug",
		RemoteIDs: map[mediasync.DestinationID]string{"shop-a": "101"},
	}))

	o, err = owners.FindOwner(ctx, "product", id)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, "Blue Mug", o.Name)
	remote, ok := o.RemoteID("shop-a")
	assert.True(t, ok)
	assert.Equal(t, "101", remote)

	require.NoError(t, owners.DeleteOwner(ctx, "product", id))
	o, err = owners.FindOwner(ctx, "product", id)
	require.NoError(t, err)
	assert.Nil(t, o)
}
