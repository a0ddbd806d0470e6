package mediasync_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"github.com/tendant/simple-media-sync/pkg/mediasync/progress"
	repomemory "github.com/tendant/simple-media-sync/pkg/mediasync/repo/memory"
	shopmemory "github.com/tendant/simple-media-sync/pkg/mediasync/shop/memory"
	storagememory "github.com/tendant/simple-media-sync/pkg/mediasync/storage/memory"
	"github.com/tendant/simple-media-sync/pkg/mediasync/worker"
)

const (
	shopA mediasync.DestinationID = "shop-a"
	shopB mediasync.DestinationID = "shop-b"
	shopC mediasync.DestinationID = "shop-c"
)

type fixture struct {
	svc    mediasync.Service
	repo   *repomemory.Repository
	store  *storagememory.Backend
	temp   *storagememory.Backend
	owners *mediasync.StaticOwners
	owner  *mediasync.Owner
	shops  map[mediasync.DestinationID]*shopmemory.Shop
}

func newFixture(t *testing.T, opts ...mediasync.Option) *fixture {
	t.Helper()

	f := &fixture{
		repo:  repomemory.New(),
		store: storagememory.New(),
		temp:  storagememory.New(),
		owner: &mediasync.Owner{
			Type: "product",
			ID:   uuid.New(),
			Name: "Blue Mug",
			RemoteIDs: map[mediasync.DestinationID]string{
				shopA: "pa",
				shopB: "pb",
				shopC: "pc",
			},
		},
		shops: map[mediasync.DestinationID]*shopmemory.Shop{
			shopA: shopmemory.New(string(shopA)),
			shopB: shopmemory.New(string(shopB)),
			shopC: shopmemory.New(string(shopC)),
		},
	}
	f.owners = mediasync.NewStaticOwners(f.owner)

	base := []mediasync.Option{
		mediasync.WithRepository(f.repo),
		mediasync.WithOwnerLookup(f.owners),
		mediasync.WithBlobStore("memory", f.store),
		mediasync.WithTempStore(f.temp),
		mediasync.WithThumbnailSizes(imaging.MustParseSizes("small:8x8,medium:16x16")),
		mediasync.WithDestination(mediasync.Destination{ID: shopA, Name: "Shop A", Active: true}, f.shops[shopA]),
		mediasync.WithDestination(mediasync.Destination{ID: shopB, Name: "Shop B", Active: true}, f.shops[shopB]),
		mediasync.WithDestination(mediasync.Destination{ID: shopC, Name: "Shop C", Active: false}, f.shops[shopC]),
	}
	svc, err := mediasync.New(append(base, opts...)...)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (f *fixture) putTemp(t *testing.T, key string, data []byte) {
	t.Helper()
	require.NoError(t, f.temp.Write(context.Background(), key, bytes.NewReader(data), ""))
}

// intake stores n images for the fixture owner and returns their asset ids
func (f *fixture) intake(t *testing.T, n int) []uuid.UUID {
	t.Helper()
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("tmp/upload-%d.png", i)
		f.putTemp(t, keys[i], pngBytes(t, 24, 12, color.RGBA{R: uint8(40 * i), A: 255}))
	}
	res, err := f.svc.Intake(context.Background(), mediasync.IntakeRequest{
		OwnerType: f.owner.Type,
		OwnerID:   f.owner.ID,
		TempKeys:  keys,
	})
	require.NoError(t, err)
	require.Len(t, res.AssetIDs, n)
	return res.AssetIDs
}

func (f *fixture) asset(t *testing.T, id uuid.UUID) *mediasync.MediaAsset {
	t.Helper()
	a, err := f.svc.GetAsset(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) push(t *testing.T, dest mediasync.DestinationID) (*mediasync.PushResult, error) {
	t.Helper()
	return f.svc.Push(context.Background(), mediasync.PushRequest{
		JobID:         uuid.NewString(),
		OwnerType:     f.owner.Type,
		OwnerID:       f.owner.ID,
		DestinationID: dest,
	})
}

func (f *fixture) pull(t *testing.T, dest mediasync.DestinationID) (*mediasync.PullResult, error) {
	t.Helper()
	return f.svc.Pull(context.Background(), mediasync.PullRequest{
		JobID:         uuid.NewString(),
		OwnerType:     f.owner.Type,
		OwnerID:       f.owner.ID,
		DestinationID: dest,
	})
}

func TestNew_Validation(t *testing.T) {
	repo := repomemory.New()
	owners := mediasync.NewStaticOwners()
	store := storagememory.New()

	_, err := mediasync.New(mediasync.WithOwnerLookup(owners), mediasync.WithBlobStore("m", store))
	assert.Error(t, err)

	_, err = mediasync.New(mediasync.WithRepository(repo), mediasync.WithBlobStore("m", store))
	assert.Error(t, err)

	_, err = mediasync.New(mediasync.WithRepository(repo), mediasync.WithOwnerLookup(owners))
	assert.Error(t, err)

	_, err = mediasync.New(
		mediasync.WithRepository(repo),
		mediasync.WithOwnerLookup(owners),
		mediasync.WithBlobStore("a", store),
		mediasync.WithBlobStore("b", storagememory.New()),
	)
	assert.Error(t, err, "two stores need an explicit default")

	svc, err := mediasync.New(
		mediasync.WithRepository(repo),
		mediasync.WithOwnerLookup(owners),
		mediasync.WithBlobStore("a", store),
		mediasync.WithBlobStore("b", storagememory.New()),
		mediasync.WithDefaultBackend("b"),
	)
	require.NoError(t, err)
	_, err = svc.GetBackend("a")
	assert.NoError(t, err)
	_, err = svc.GetBackend("missing")
	assert.ErrorIs(t, err, mediasync.ErrStorageBackendNotFound)
}

func TestIntake_MissingFileIsRecordedAndTempFilesDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.putTemp(t, "tmp/file1.png", pngBytes(t, 40, 20, color.White))
	f.putTemp(t, "tmp/file3.png", pngBytes(t, 20, 40, color.Black))

	res, err := f.svc.Intake(ctx, mediasync.IntakeRequest{
		JobID:     "intake-1",
		OwnerType: f.owner.Type,
		OwnerID:   f.owner.ID,
		TempKeys:  []string{"tmp/file1.png", "tmp/file2.png", "tmp/file3.png"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, []mediasync.ItemError{{Item: "tmp/file2.png", Error: "not found"}}, res.Errors)
	assert.Empty(t, f.temp.Keys())
	assert.GreaterOrEqual(t, res.Uploaded+len(res.Errors), 3)

	rec, err := f.svc.GetProgress(ctx, "intake-1")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.Processed)
	assert.Equal(t, 3, rec.Total)
	assert.Len(t, rec.Errors, 1)

	first := f.asset(t, res.AssetIDs[0])
	second := f.asset(t, res.AssetIDs[1])
	assert.True(t, first.IsPrimary)
	assert.False(t, second.IsPrimary)
	assert.Less(t, first.SortOrder, second.SortOrder)
	assert.Equal(t, "image/png", first.MimeType)
	assert.Equal(t, "file1.png", first.FileName)
}

func TestIntake_RunsDerivatives(t *testing.T) {
	f := newFixture(t)
	ids := f.intake(t, 1)

	a := f.asset(t, ids[0])
	assert.Equal(t, mediasync.ProcessingStatusProcessed, a.ProcessingStatus)
	require.NotNil(t, a.Width)
	require.NotNil(t, a.Height)
	assert.Equal(t, 24, *a.Width)
	assert.Equal(t, 12, *a.Height)
	assert.Contains(t, a.Derivatives, mediasync.VariantConverted)
	assert.Contains(t, a.Derivatives, "small")
	assert.Contains(t, a.Derivatives, "medium")

	for _, key := range a.Derivatives {
		ok, err := f.store.Exists(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
	for _, dest := range []mediasync.DestinationID{shopA, shopB, shopC} {
		assert.Equal(t, mediasync.SyncStatusPending, a.Destination(dest).Status, dest)
	}
}

func TestIntake_RejectsNonImages(t *testing.T) {
	f := newFixture(t)
	f.putTemp(t, "tmp/notes.txt", []byte("just some text"))

	res, err := f.svc.Intake(context.Background(), mediasync.IntakeRequest{
		OwnerType: f.owner.Type,
		OwnerID:   f.owner.ID,
		TempKeys:  []string{"tmp/notes.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Uploaded)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error, "unsupported media type")
	assert.Empty(t, f.temp.Keys())
}

func TestIntake_MissingOwnerAbortsWithoutProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTemp(t, "tmp/a.png", pngBytes(t, 4, 4, color.White))

	_, err := f.svc.Intake(ctx, mediasync.IntakeRequest{
		JobID:     "orphan-intake",
		OwnerType: "product",
		OwnerID:   uuid.New(),
		TempKeys:  []string{"tmp/a.png"},
	})
	assert.ErrorIs(t, err, mediasync.ErrOwnerNotFound)
	assert.True(t, mediasync.IsPrecondition(err))
	assert.Empty(t, f.temp.Keys())

	_, err = f.svc.GetProgress(ctx, "orphan-intake")
	assert.ErrorIs(t, err, progress.ErrJobNotFound)
}

func TestIntake_CancelledContextStillCleansUp(t *testing.T) {
	f := newFixture(t)
	f.putTemp(t, "tmp/a.png", pngBytes(t, 4, 4, color.White))
	f.putTemp(t, "tmp/b.png", pngBytes(t, 4, 4, color.White))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Intake(ctx, mediasync.IntakeRequest{
		JobID:     "cancelled",
		OwnerType: f.owner.Type,
		OwnerID:   f.owner.ID,
		TempKeys:  []string{"tmp/a.png", "tmp/b.png"},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.temp.Keys())

	rec, err := f.svc.GetProgress(context.Background(), "cancelled")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, rec.Status)
}

func TestPush_UploadsAllAndSetsCover(t *testing.T) {
	f := newFixture(t)
	ids := f.intake(t, 3)

	res, err := f.push(t, shopA)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Uploaded)
	assert.Equal(t, 0, res.Skipped)
	assert.Empty(t, res.Errors)
	assert.True(t, res.CoverSet)
	assert.Equal(t, 1, f.shops[shopA].BulkCalls())
	assert.Equal(t, 3, f.shops[shopA].ImageCount("pa"))

	primary := f.asset(t, ids[0])
	state := primary.Destination(shopA)
	assert.Equal(t, mediasync.SyncStatusSynced, state.Status)
	assert.True(t, state.IsCover)
	assert.NotNil(t, state.SyncedAt)
	assert.Equal(t, state.RemoteID, f.shops[shopA].Cover("pa"))

	for _, id := range ids[1:] {
		a := f.asset(t, id)
		assert.True(t, a.IsSyncedTo(shopA))
		assert.False(t, a.Destination(shopA).IsCover)
		assert.Equal(t, mediasync.SyncStatusPending, a.Destination(shopB).Status)
	}

	rec, err := f.svc.GetProgress(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
	assert.Equal(t, true, rec.Summary["cover_set"])
}

func TestPush_SecondRunSkipsEverything(t *testing.T) {
	f := newFixture(t)
	f.intake(t, 4)

	first, err := f.push(t, shopA)
	require.NoError(t, err)
	require.Equal(t, 4, first.Uploaded)

	second, err := f.push(t, shopA)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Uploaded)
	assert.Equal(t, 4, second.Skipped)
	assert.False(t, second.CoverSet)
	assert.Equal(t, 1, f.shops[shopA].BulkCalls())
	assert.Equal(t, 4, f.shops[shopA].ImageCount("pa"))
}

func TestPush_BatchFailureMarksEveryAssetError(t *testing.T) {
	f := newFixture(t)
	ids := f.intake(t, 5)
	f.shops[shopA].FailBulk(context.DeadlineExceeded, true)

	res, err := f.svc.Push(context.Background(), mediasync.PushRequest{
		JobID:         "push-timeout",
		OwnerType:     f.owner.Type,
		OwnerID:       f.owner.ID,
		DestinationID: shopA,
	})
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var syncErr *mediasync.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, shopA, syncErr.DestinationID)

	for _, id := range ids {
		state := f.asset(t, id).Destination(shopA)
		assert.Equal(t, mediasync.SyncStatusError, state.Status)
		assert.Contains(t, state.Error, context.DeadlineExceeded.Error())
	}
	assert.Empty(t, f.shops[shopA].Cover("pa"))

	rec, err := f.svc.GetProgress(context.Background(), "push-timeout")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, rec.Status)
	assert.Contains(t, rec.Reason, context.DeadlineExceeded.Error())
}

func TestPush_PerAssetFailureCountsAsSkipped(t *testing.T) {
	f := newFixture(t)
	ids := f.intake(t, 3)
	f.shops[shopA].FailUpload(ids[2], errors.New("image too large"))

	res, err := f.push(t, shopA)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []mediasync.ItemError{{Item: ids[2].String(), Error: "image too large"}}, res.Errors)
	assert.True(t, res.CoverSet)
	assert.Equal(t, 3, res.Uploaded+res.Skipped)

	state := f.asset(t, ids[2]).Destination(shopA)
	assert.Equal(t, mediasync.SyncStatusError, state.Status)
	assert.Equal(t, "image too large", state.Error)
}

func TestPush_CoverFailureDoesNotFailPush(t *testing.T) {
	f := newFixture(t)
	ids := f.intake(t, 2)
	f.shops[shopA].FailCover(errors.New("cover endpoint down"))

	res, err := f.push(t, shopA)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Uploaded)
	assert.False(t, res.CoverSet)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, ids[0].String(), res.Errors[0].Item)
	assert.Contains(t, res.Errors[0].Error, "set cover")
	assert.True(t, f.asset(t, ids[0]).IsSyncedTo(shopA))
}

func TestPush_Subset(t *testing.T) {
	f := newFixture(t)
	ids := f.intake(t, 3)
	unknown := uuid.New()

	res, err := f.svc.Push(context.Background(), mediasync.PushRequest{
		OwnerType:     f.owner.Type,
		OwnerID:       f.owner.ID,
		DestinationID: shopB,
		AssetIDs:      []uuid.UUID{ids[2], unknown},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.False(t, res.CoverSet, "primary was not part of the subset")
	assert.Equal(t, []mediasync.ItemError{{Item: unknown.String(), Error: mediasync.ErrAssetNotFound.Error()}}, res.Errors)
	assert.True(t, f.asset(t, ids[2]).IsSyncedTo(shopB))
	assert.False(t, f.asset(t, ids[0]).IsSyncedTo(shopB))
}

func TestPush_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		dest    mediasync.DestinationID
		setup   func(f *fixture)
		wantErr error
	}{
		{name: "unknown destination", dest: "nowhere", wantErr: mediasync.ErrDestinationNotFound},
		{name: "inactive destination", dest: shopC, wantErr: mediasync.ErrDestinationInactive},
		{
			name: "owner deleted",
			dest: shopA,
			setup: func(f *fixture) {
				f.owners.Remove(f.owner.Type, f.owner.ID)
			},
			wantErr: mediasync.ErrOwnerNotFound,
		},
		{
			name: "owner not mapped",
			dest: shopA,
			setup: func(f *fixture) {
				o := *f.owner
				o.RemoteIDs = map[mediasync.DestinationID]string{shopB: "pb"}
				f.owners.Put(&o)
			},
			wantErr: mediasync.ErrOwnerNotMapped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.intake(t, 1)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.svc.Push(context.Background(), mediasync.PushRequest{
				JobID:         "precondition",
				OwnerType:     f.owner.Type,
				OwnerID:       f.owner.ID,
				DestinationID: tt.dest,
			})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, mediasync.IsPrecondition(err))

			_, err = f.svc.GetProgress(context.Background(), "precondition")
			assert.ErrorIs(t, err, progress.ErrJobNotFound)
			assert.Equal(t, 0, f.shops[shopA].BulkCalls())
		})
	}
}

func TestPull_DownloadsUnrepresentedImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	remote := f.shops[shopB]
	r1 := remote.AddImage("pb", pngBytes(t, 10, 10, color.White), "image/png")
	r2 := remote.AddImage("pb", pngBytes(t, 12, 10, color.Black), "image/png")

	res, err := f.pull(t, shopB)
	require.NoError(t, err)
	assert.False(t, res.ShopConflict)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 0, res.Skipped)
	assert.Empty(t, res.Errors)

	assets, err := f.svc.ListAssets(ctx, f.owner.Type, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, assets, 2)
	remoteIDs := []string{}
	for _, a := range assets {
		assert.Equal(t, shopB, a.Origin)
		assert.True(t, a.IsSyncedTo(shopB))
		assert.Equal(t, mediasync.SyncStatusPending, a.Destination(shopA).Status)
		assert.Equal(t, mediasync.ProcessingStatusProcessed, a.ProcessingStatus)
		remoteIDs = append(remoteIDs, a.Destination(shopB).RemoteID)
	}
	assert.ElementsMatch(t, []string{r1, r2}, remoteIDs)
	assert.NotNil(t, mediasync.PrimaryOf(assets))

	again, err := f.pull(t, shopB)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Downloaded)
	assert.Equal(t, 2, again.Skipped)
}

func TestPull_ConflictWhenOwnerHasAssetsFromAnotherShop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shops[shopA].AddImage("pa", pngBytes(t, 6, 6, color.White), "image/png")
	f.shops[shopA].AddImage("pa", pngBytes(t, 6, 6, color.Black), "image/png")
	fromA, err := f.pull(t, shopA)
	require.NoError(t, err)
	require.Equal(t, 2, fromA.Downloaded)

	f.shops[shopB].AddImage("pb", pngBytes(t, 6, 6, color.Gray{Y: 128}), "image/png")

	res, err := f.svc.Pull(ctx, mediasync.PullRequest{
		JobID:         "pull-b",
		OwnerType:     f.owner.Type,
		OwnerID:       f.owner.ID,
		DestinationID: shopB,
	})
	require.NoError(t, err)
	assert.True(t, res.ShopConflict)
	assert.Equal(t, []mediasync.DestinationID{shopA}, res.OtherShopIDs)
	assert.Equal(t, 0, res.Downloaded)
	assert.Empty(t, res.AssetIDs)

	assets, err := f.svc.ListAssets(ctx, f.owner.Type, f.owner.ID)
	require.NoError(t, err)
	assert.Len(t, assets, 2)

	conflict, err := f.svc.GetConflict(ctx, f.owner.Type, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, shopB, conflict.SourceShopID)
	assert.Equal(t, []mediasync.DestinationID{shopA}, conflict.OtherShopIDs)
	assert.False(t, conflict.Resolved)

	rec, err := f.svc.GetProgress(ctx, "pull-b")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusAwaitingResolution, rec.Status)
	assert.Equal(t, true, rec.Summary["shop_conflict"])

	resolved, err := f.svc.ResolveConflict(ctx, f.owner.Type, f.owner.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.NotNil(t, resolved.ResolvedAt)
}

func TestPull_NoConflictWhenEverythingIsRepresented(t *testing.T) {
	f := newFixture(t)
	f.intake(t, 2)
	_, err := f.push(t, shopB)
	require.NoError(t, err)

	f.shops[shopA].AddImage("pa", pngBytes(t, 6, 6, color.White), "image/png")
	_, err = f.pull(t, shopA)
	require.NoError(t, err)

	// the owner now holds an asset from shop A, but shop B has nothing new
	res, err := f.pull(t, shopB)
	require.NoError(t, err)
	assert.False(t, res.ShopConflict)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.Downloaded)
}

func TestPull_OrphanedRecordIsReplaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.shops[shopA].AddImage("pa", pngBytes(t, 6, 6, color.White), "image/png")
	f.shops[shopA].AddImage("pa", pngBytes(t, 6, 6, color.Black), "image/png")
	first, err := f.pull(t, shopA)
	require.NoError(t, err)
	require.Len(t, first.AssetIDs, 2)

	orphan := f.asset(t, first.AssetIDs[0])
	require.NoError(t, f.store.Delete(ctx, orphan.ObjectKey))

	res, err := f.pull(t, shopA)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, res.Skipped)

	retired := f.asset(t, orphan.ID)
	assert.False(t, retired.IsActive)
	assert.Empty(t, retired.Destination(shopA).RemoteID)

	replacement := f.asset(t, res.AssetIDs[0])
	assert.Equal(t, orphan.Destination(shopA).RemoteID, replacement.Destination(shopA).RemoteID)

	assets, err := f.svc.ListAssets(ctx, f.owner.Type, f.owner.ID)
	require.NoError(t, err)
	assert.Len(t, assets, 2)
}

func TestPull_PerImageFailureContinues(t *testing.T) {
	f := newFixture(t)
	bad := f.shops[shopA].AddImage("pa", pngBytes(t, 6, 6, color.White), "image/png")
	f.shops[shopA].AddImage("pa", pngBytes(t, 6, 6, color.Black), "image/png")
	f.shops[shopA].FailDownload(bad, errors.New("connection reset"))

	res, err := f.pull(t, shopA)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, []mediasync.ItemError{{Item: bad, Error: "connection reset"}}, res.Errors)
	assert.GreaterOrEqual(t, res.Downloaded+res.Skipped+len(res.Errors), 2)
}

func TestPull_ListFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	f.shops[shopA].FailList(errors.New("service unavailable"))

	_, err := f.svc.Pull(context.Background(), mediasync.PullRequest{
		JobID:         "pull-down",
		OwnerType:     f.owner.Type,
		OwnerID:       f.owner.ID,
		DestinationID: shopA,
	})
	require.Error(t, err)
	assert.False(t, mediasync.IsPrecondition(err))

	rec, err := f.svc.GetProgress(context.Background(), "pull-down")
	require.NoError(t, err)
	assert.Equal(t, progress.StatusFailed, rec.Status)
}

func TestProcessDerivatives_MissingRawFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.intake(t, 1)
	a := f.asset(t, ids[0])
	require.NoError(t, f.store.Delete(ctx, a.ObjectKey))

	_, err := f.svc.ProcessDerivatives(ctx, a.ID)
	assert.ErrorIs(t, err, mediasync.ErrRawAssetMissing)

	failed := f.asset(t, a.ID)
	assert.Equal(t, mediasync.ProcessingStatusFailed, failed.ProcessingStatus)
	assert.Equal(t, mediasync.SyncStatusError, failed.Destination(shopA).Status)
	assert.Contains(t, failed.Destination(shopA).Error, mediasync.ErrRawAssetMissing.Error())
}

func TestProcessDerivatives_JPEGIsNotConverted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img := image.NewRGBA(image.Rect(0, 0, 20, 10))
	data, err := imaging.EncodeJPEG(img, 80)
	require.NoError(t, err)
	f.putTemp(t, "tmp/photo.jpg", data)

	res, err := f.svc.Intake(ctx, mediasync.IntakeRequest{
		OwnerType: f.owner.Type,
		OwnerID:   f.owner.ID,
		TempKeys:  []string{"tmp/photo.jpg"},
	})
	require.NoError(t, err)
	require.Len(t, res.AssetIDs, 1)

	out, err := f.svc.ProcessDerivatives(ctx, res.AssetIDs[0])
	require.NoError(t, err)
	assert.False(t, out.Converted)
	assert.ElementsMatch(t, []string{"small", "medium"}, out.Generated)
	assert.Empty(t, out.Failed)
	assert.NotContains(t, f.asset(t, res.AssetIDs[0]).Derivatives, mediasync.VariantConverted)
}

func TestProcessDerivatives_KeepsSyncedDestinations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.intake(t, 1)
	_, err := f.push(t, shopA)
	require.NoError(t, err)

	_, err = f.svc.ProcessDerivatives(ctx, ids[0])
	require.NoError(t, err)

	a := f.asset(t, ids[0])
	assert.True(t, a.IsSyncedTo(shopA))
	assert.Equal(t, mediasync.SyncStatusPending, a.Destination(shopB).Status)
}

func TestSetPrimary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.intake(t, 3)

	require.NoError(t, f.svc.SetPrimary(ctx, f.owner.Type, f.owner.ID, ids[2]))
	assets, err := f.svc.ListAssets(ctx, f.owner.Type, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, ids[2], assets[0].ID)
	primaries := 0
	for _, a := range assets {
		if a.IsPrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)

	err = f.svc.SetPrimary(ctx, f.owner.Type, uuid.New(), ids[0])
	assert.ErrorIs(t, err, mediasync.ErrAssetNotFound)
}

func TestScheduleIntake_ImmediateModeRunsInline(t *testing.T) {
	f := newFixture(t)
	f.putTemp(t, "tmp/a.png", pngBytes(t, 4, 4, color.White))

	jobID, err := f.svc.ScheduleIntake(context.Background(), mediasync.IntakeRequest{
		OwnerType: f.owner.Type,
		OwnerID:   f.owner.ID,
		TempKeys:  []string{"tmp/a.png"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	rec, err := f.svc.GetProgress(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, rec.Status)
}

func TestSchedulePull_PoolRetriesWithAttemptJobIDs(t *testing.T) {
	results := make(chan worker.Result, 4)
	pool := worker.NewPool(
		worker.WithWorkers(2),
		worker.WithBackoff(time.Millisecond, 5*time.Millisecond),
		worker.WithResultHandler(func(r worker.Result) { results <- r }),
	)
	f := newFixture(t, mediasync.WithScheduler(pool))
	f.shops[shopA].FailList(errors.New("service unavailable"))

	jobID, err := f.svc.SchedulePull(context.Background(), mediasync.PullRequest{
		JobID:         "nightly",
		OwnerType:     f.owner.Type,
		OwnerID:       f.owner.ID,
		DestinationID: shopA,
	})
	require.NoError(t, err)
	assert.Equal(t, "nightly", jobID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Close(ctx))

	res := <-results
	assert.Equal(t, 3, res.Attempts)
	assert.Error(t, res.Err)

	for _, id := range []string{"nightly", "nightly.retry-1", "nightly.retry-2"} {
		rec, err := f.svc.GetProgress(context.Background(), id)
		require.NoError(t, err, id)
		assert.Equal(t, progress.StatusFailed, rec.Status, id)
	}
}

func TestSchedulePush_PreconditionIsNotRetried(t *testing.T) {
	results := make(chan worker.Result, 4)
	pool := worker.NewPool(
		worker.WithBackoff(time.Millisecond, 5*time.Millisecond),
		worker.WithResultHandler(func(r worker.Result) { results <- r }),
	)
	f := newFixture(t, mediasync.WithScheduler(pool))

	_, err := f.svc.SchedulePush(context.Background(), mediasync.PushRequest{
		OwnerType:     f.owner.Type,
		OwnerID:       f.owner.ID,
		DestinationID: shopC,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Close(ctx))

	res := <-results
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, mediasync.ErrDestinationInactive)
}

func TestAttemptJobID(t *testing.T) {
	assert.Equal(t, "job", mediasync.AttemptJobID("job", 1))
	assert.Equal(t, "job.retry-1", mediasync.AttemptJobID("job", 2))
	assert.Equal(t, "job.retry-4", mediasync.AttemptJobID("job", 5))
}

func TestListJobs(t *testing.T) {
	f := newFixture(t)
	f.intake(t, 1)
	_, err := f.push(t, shopA)
	require.NoError(t, err)

	jobs, err := f.svc.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	types := []string{jobs[0].JobType, jobs[1].JobType}
	assert.ElementsMatch(t, []string{mediasync.JobTypeIntake, mediasync.JobTypePush}, types)
}

// variantFailingStore rejects writes of one derivative variant
type variantFailingStore struct {
	*storagememory.Backend
	variant string
}

func (s *variantFailingStore) Write(ctx context.Context, key string, reader io.Reader, mimeType string) error {
	if strings.Contains(key, "/"+s.variant) {
		return errors.New("disk quota exceeded")
	}
	return s.Backend.Write(ctx, key, reader, mimeType)
}

func TestProcessDerivatives_PartialSuccess(t *testing.T) {
	tests := []struct {
		name          string
		variant       string
		wantConverted bool
		wantGenerated []string
	}{
		{name: "thumbnail write fails", variant: "medium", wantConverted: true, wantGenerated: []string{"small"}},
		{name: "conversion write fails", variant: mediasync.VariantConverted, wantConverted: false, wantGenerated: []string{"small", "medium"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &variantFailingStore{Backend: storagememory.New(), variant: tt.variant}
			f := newFixture(t, mediasync.WithBlobStore("memory", store))
			f.store = store.Backend
			ids := f.intake(t, 1)

			res, err := f.svc.ProcessDerivatives(context.Background(), ids[0])
			require.NoError(t, err)
			assert.Equal(t, tt.wantConverted, res.Converted)
			assert.ElementsMatch(t, tt.wantGenerated, res.Generated)
			require.Len(t, res.Failed, 1)
			assert.Contains(t, res.Failed[tt.variant], "disk quota exceeded")

			a := f.asset(t, ids[0])
			assert.Equal(t, mediasync.ProcessingStatusProcessed, a.ProcessingStatus)
			assert.NotContains(t, a.Derivatives, tt.variant)
			for _, name := range tt.wantGenerated {
				assert.Contains(t, a.Derivatives, name)
			}
			assert.Equal(t, mediasync.SyncStatusPending, a.Destination(shopA).Status)
			assert.Equal(t, mediasync.SyncStatusPending, a.Destination(shopB).Status)
		})
	}
}

func TestScheduleDerivatives_MissingRawFileIsRetried(t *testing.T) {
	results := make(chan worker.Result, 8)
	pool := worker.NewPool(
		worker.WithWorkers(2),
		worker.WithBackoff(time.Millisecond, 5*time.Millisecond),
		worker.WithResultHandler(func(r worker.Result) { results <- r }),
	)
	f := newFixture(t, mediasync.WithScheduler(pool))
	ctx := context.Background()

	// intake queues the first derivative run on the pool
	ids := f.intake(t, 1)
	select {
	case res := <-results:
		require.NoError(t, res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("derivative task after intake did not finish")
	}

	a := f.asset(t, ids[0])
	require.NoError(t, f.store.Delete(ctx, a.ObjectKey))
	require.NoError(t, f.svc.ScheduleDerivatives(ctx, a.ID))

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Close(closeCtx))

	res := <-results
	assert.Equal(t, mediasync.JobTypeDerivative, res.Task.Name)
	assert.Equal(t, mediasync.DerivativePolicy.MaxAttempts, res.Attempts)
	assert.ErrorIs(t, res.Err, mediasync.ErrRawAssetMissing)
	assert.Equal(t, mediasync.ProcessingStatusFailed, f.asset(t, a.ID).ProcessingStatus)
}

func TestScheduleDerivatives_UnknownAsset(t *testing.T) {
	f := newFixture(t)
	err := f.svc.ScheduleDerivatives(context.Background(), uuid.New())
	assert.ErrorIs(t, err, mediasync.ErrAssetNotFound)
}

// deadlineShop records the deadline the shop calls ran under
type deadlineShop struct {
	*shopmemory.Shop

	mu        sync.Mutex
	deadlines map[string]time.Time
}

func newDeadlineShop(name string) *deadlineShop {
	return &deadlineShop{Shop: shopmemory.New(name), deadlines: make(map[string]time.Time)}
}

func (s *deadlineShop) record(ctx context.Context, call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := ctx.Deadline(); ok {
		s.deadlines[call] = d
	}
}

func (s *deadlineShop) deadline(call string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deadlines[call]
	return d, ok
}

func (s *deadlineShop) BulkUploadImages(ctx context.Context, ownerRemoteID string, images []mediasync.UploadImage) (*mediasync.BulkUploadResult, error) {
	s.record(ctx, "bulk")
	return s.Shop.BulkUploadImages(ctx, ownerRemoteID, images)
}

func (s *deadlineShop) ListImages(ctx context.Context, ownerRemoteID string) ([]mediasync.RemoteImage, error) {
	s.record(ctx, "list")
	return s.Shop.ListImages(ctx, ownerRemoteID)
}

func TestRunStages_UseStageTimeout(t *testing.T) {
	tests := []struct {
		name   string
		call   string
		policy worker.Policy
		run    func(f *fixture) error
	}{
		{
			name:   "push",
			call:   "bulk",
			policy: mediasync.PushPolicy,
			run: func(f *fixture) error {
				res, err := f.svc.RunPush(context.Background(), mediasync.PushRequest{
					OwnerType:     f.owner.Type,
					OwnerID:       f.owner.ID,
					DestinationID: shopA,
				})
				if err == nil && res.Uploaded != 1 {
					return fmt.Errorf("uploaded %d", res.Uploaded)
				}
				return err
			},
		},
		{
			name:   "pull",
			call:   "list",
			policy: mediasync.PullPolicy,
			run: func(f *fixture) error {
				res, err := f.svc.RunPull(context.Background(), mediasync.PullRequest{
					OwnerType:     f.owner.Type,
					OwnerID:       f.owner.ID,
					DestinationID: shopA,
				})
				if err == nil && res.JobID == "" {
					return errors.New("missing job id")
				}
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shop := newDeadlineShop(string(shopA))
			f := newFixture(t, mediasync.WithDestination(mediasync.Destination{ID: shopA, Name: "Shop A", Active: true}, shop))
			f.intake(t, 1)

			start := time.Now()
			require.NoError(t, tt.run(f))

			deadline, ok := shop.deadline(tt.call)
			require.True(t, ok, "stage ran without a deadline")
			assert.WithinDuration(t, start.Add(tt.policy.Timeout), deadline, 5*time.Second)
		})
	}
}

func TestRunPush_PreconditionErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	f.intake(t, 1)

	res, err := f.svc.RunPush(context.Background(), mediasync.PushRequest{
		OwnerType:     f.owner.Type,
		OwnerID:       f.owner.ID,
		DestinationID: shopC,
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, mediasync.ErrDestinationInactive)
	assert.True(t, mediasync.IsPrecondition(err))
}

// repeatingShop lists every image twice
type repeatingShop struct {
	*shopmemory.Shop
}

func (s repeatingShop) ListImages(ctx context.Context, ownerRemoteID string) ([]mediasync.RemoteImage, error) {
	images, err := s.Shop.ListImages(ctx, ownerRemoteID)
	if err != nil {
		return nil, err
	}
	return append(images, images...), nil
}

func TestPull_RepeatedRemoteIDIsDownloadedOnce(t *testing.T) {
	shop := shopmemory.New(string(shopA))
	f := newFixture(t, mediasync.WithDestination(mediasync.Destination{ID: shopA, Name: "Shop A", Active: true}, repeatingShop{shop}))
	remoteID := shop.AddImage("pa", pngBytes(t, 6, 6, color.White), "image/png")

	res, err := f.pull(t, shopA)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.AssetIDs, 1)

	assets, err := f.svc.ListAssets(context.Background(), f.owner.Type, f.owner.ID)
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, remoteID, assets[0].Destination(shopA).RemoteID)
}

func TestPush_NewPrimaryTakesOverCover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.intake(t, 2)
	_, err := f.push(t, shopA)
	require.NoError(t, err)
	require.True(t, f.asset(t, ids[0]).Destination(shopA).IsCover)

	added := f.intake(t, 1)
	require.NoError(t, f.svc.SetPrimary(ctx, f.owner.Type, f.owner.ID, added[0]))

	res, err := f.push(t, shopA)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Uploaded)
	assert.True(t, res.CoverSet)

	newCover := f.asset(t, added[0]).Destination(shopA)
	assert.True(t, newCover.IsCover)
	assert.Equal(t, newCover.RemoteID, f.shops[shopA].Cover("pa"))

	assets, err := f.svc.ListAssets(ctx, f.owner.Type, f.owner.ID)
	require.NoError(t, err)
	covers := 0
	for _, a := range assets {
		if a.Destination(shopA).IsCover {
			covers++
		}
	}
	assert.Equal(t, 1, covers)
	assert.False(t, f.asset(t, ids[0]).Destination(shopA).IsCover)
}

func TestVerifySync(t *testing.T) {
	tests := []struct {
		name       string
		dest       mediasync.DestinationID
		setup      func(t *testing.T, f *fixture, remoteID string)
		wantStatus mediasync.SyncStatus
		wantError  string
		wantCover  bool
	}{
		{
			name:       "image still on the shop",
			dest:       shopA,
			wantStatus: mediasync.SyncStatusSynced,
			wantCover:  true,
		},
		{
			name: "image removed from the shop",
			dest: shopA,
			setup: func(t *testing.T, f *fixture, remoteID string) {
				require.True(t, f.shops[shopA].RemoveImage("pa", remoteID))
			},
			wantStatus: mediasync.SyncStatusError,
			wantError:  mediasync.ErrRemoteImageNotFound.Error(),
		},
		{
			name:       "never pushed",
			dest:       shopB,
			wantStatus: mediasync.SyncStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			ids := f.intake(t, 1)
			_, err := f.push(t, shopA)
			require.NoError(t, err)
			remoteID := f.asset(t, ids[0]).Destination(shopA).RemoteID
			if tt.setup != nil {
				tt.setup(t, f, remoteID)
			}

			res, err := f.svc.VerifySync(ctx, ids[0], tt.dest)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantError, res.Error)
			assert.Equal(t, tt.wantCover, res.IsCover)

			state := f.asset(t, ids[0]).Destination(tt.dest)
			assert.Equal(t, tt.wantStatus, state.Status)
			assert.Equal(t, tt.wantError, state.Error)
			assert.Equal(t, tt.wantCover, state.IsCover)
		})
	}
}

func TestVerifySync_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := f.intake(t, 1)
	_, err := f.push(t, shopA)
	require.NoError(t, err)

	_, err = f.svc.VerifySync(ctx, ids[0], shopC)
	assert.ErrorIs(t, err, mediasync.ErrDestinationInactive)

	_, err = f.svc.VerifySync(ctx, uuid.New(), shopA)
	assert.ErrorIs(t, err, mediasync.ErrAssetNotFound)

	f.shops[shopA].FailList(errors.New("service unavailable"))
	_, err = f.svc.VerifySync(ctx, ids[0], shopA)
	var syncErr *mediasync.SyncError
	require.True(t, errors.As(err, &syncErr))
	assert.Equal(t, "verify", syncErr.Op)
	assert.True(t, f.asset(t, ids[0]).IsSyncedTo(shopA), "a failed listing leaves the state alone")
}
