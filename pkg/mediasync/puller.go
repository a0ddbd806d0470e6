package mediasync

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"go.uber.org/zap"
)

// Pull imports the images an owner has on one destination that are not yet
// represented locally. When the owner already holds live assets that came
// from another shop, a conflict is recorded instead and nothing is created.
func (s *service) Pull(ctx context.Context, req PullRequest) (*PullResult, error) {
	jobID := s.jobID(req.JobID)
	logger := s.logger.With(
		zap.String("job_id", jobID),
		zap.String("destination", string(req.DestinationID)),
		zap.String("owner_type", req.OwnerType),
		zap.String("owner_id", req.OwnerID.String()),
	)

	dest, client, err := s.destination(req.DestinationID)
	if err != nil {
		logger.Warn("pull aborted", zap.Error(err))
		return nil, err
	}
	_, remoteOwnerID, err := s.resolveOwner(ctx, req.OwnerType, req.OwnerID, dest.ID)
	if err != nil {
		logger.Warn("pull aborted", zap.Error(err))
		return nil, err
	}

	remote, err := client.ListImages(ctx, remoteOwnerID)
	if err != nil {
		syncErr := &SyncError{DestinationID: dest.ID, Op: "list_images", Err: err}
		bg := context.WithoutCancel(ctx)
		if startErr := s.tracker.Start(bg, jobID, JobTypePull, 0); startErr == nil {
			s.tracker.Fail(bg, jobID, syncErr.Error())
		}
		logger.Error("listing remote images failed", zap.Error(err))
		return nil, syncErr
	}
	if err := s.tracker.Start(ctx, jobID, JobTypePull, len(remote)); err != nil {
		return nil, err
	}

	fail := func(err error) (*PullResult, error) {
		s.tracker.Fail(context.WithoutCancel(ctx), jobID, err.Error())
		return nil, err
	}

	local, err := s.repository.ListAssetsByOwner(ctx, req.OwnerType, req.OwnerID)
	if err != nil {
		return fail(&AssetError{Op: "list", Err: err})
	}
	view, err := s.localView(ctx, local, dest.ID)
	if err != nil {
		return fail(err)
	}

	var pending []RemoteImage
	for _, img := range remote {
		if !view.represented[img.ID] {
			pending = append(pending, img)
		}
	}

	result := &PullResult{JobID: jobID, Errors: []ItemError{}, AssetIDs: []uuid.UUID{}}

	if len(pending) > 0 && len(view.otherShops) > 0 {
		conflict := &Conflict{
			OwnerType:    req.OwnerType,
			OwnerID:      req.OwnerID,
			SourceShopID: dest.ID,
			OtherShopIDs: view.otherShops,
			DetectedAt:   s.now(),
		}
		if err := s.RecordConflict(ctx, conflict); err != nil {
			return fail(err)
		}
		result.ShopConflict = true
		result.OtherShopIDs = conflict.OtherShopIDs
		result.Skipped = len(remote) - len(pending)
		s.tracker.AwaitResolution(ctx, jobID, map[string]any{
			"shop_conflict":  true,
			"other_shop_ids": conflict.OtherShopIDs,
			"skipped":        result.Skipped,
		})
		logger.Warn("pull stopped on shop conflict", zap.Any("other_shops", conflict.OtherShopIDs))
		return result, nil
	}

	hasPrimary := PrimaryOf(view.live) != nil
	nextSort, err := s.repository.NextSortOrder(ctx, req.OwnerType, req.OwnerID)
	if err != nil {
		return fail(&AssetError{Op: "sort_order", Err: err})
	}

	batch := runBatch(ctx, remote,
		func(img RemoteImage) string { return img.ID },
		func(ctx context.Context, img RemoteImage) (itemOutcome, error) {
			if view.represented[img.ID] {
				return itemSkipped, nil
			}
			asset, err := s.pullOne(ctx, dest.ID, req, client, img, !hasPrimary, nextSort)
			if err != nil {
				logger.Warn("pull item failed", zap.String("remote_id", img.ID), zap.Error(err))
				return itemDone, err
			}
			view.represented[img.ID] = true
			hasPrimary = true
			nextSort++
			result.AssetIDs = append(result.AssetIDs, asset.ID)
			s.retireOrphans(ctx, view.orphans[img.ID], dest.ID)
			return itemDone, nil
		},
		s.progressReporter(ctx, jobID),
	)

	result.Downloaded = batch.Done
	result.Skipped = batch.Skipped
	result.Errors = append(result.Errors, batch.Errors...)
	if batch.Err != nil {
		s.tracker.Fail(context.WithoutCancel(ctx), jobID, batch.Err.Error())
		return result, batch.Err
	}

	summary := map[string]any{
		"downloaded": result.Downloaded,
		"skipped":    result.Skipped,
		"errors":     len(result.Errors),
	}
	s.tracker.Complete(ctx, jobID, summary)
	s.fireEvent("sync_completed", s.eventSink.SyncCompleted(ctx, dest.ID, req.OwnerType, req.OwnerID, summary))
	logger.Info("pull completed",
		zap.Int("downloaded", result.Downloaded),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// localView classifies an owner's assets relative to one shop.
type localView struct {
	// live assets have their raw file in storage
	live []*MediaAsset
	// represented holds the shop's remote ids carried by live assets
	represented map[string]bool
	// orphans are records whose raw file is gone, by remote id on the shop
	orphans map[string][]*MediaAsset
	// otherShops lists the origins of live assets that came from other shops
	otherShops []DestinationID
}

func (s *service) localView(ctx context.Context, assets []*MediaAsset, dest DestinationID) (*localView, error) {
	view := &localView{
		represented: make(map[string]bool),
		orphans:     make(map[string][]*MediaAsset),
	}
	others := make(map[DestinationID]bool)
	for _, asset := range assets {
		alive, err := s.blobExists(ctx, asset)
		if err != nil {
			return nil, err
		}
		remoteID := asset.Destination(dest).RemoteID
		if !alive {
			if remoteID != "" {
				view.orphans[remoteID] = append(view.orphans[remoteID], asset)
			}
			continue
		}
		view.live = append(view.live, asset)
		if remoteID != "" {
			view.represented[remoteID] = true
		}
		if asset.Origin != "" && asset.Origin != dest {
			others[asset.Origin] = true
		}
	}
	for id := range others {
		view.otherShops = append(view.otherShops, id)
	}
	sort.Slice(view.otherShops, func(i, j int) bool { return view.otherShops[i] < view.otherShops[j] })
	return view, nil
}

func (s *service) blobExists(ctx context.Context, asset *MediaAsset) (bool, error) {
	backend, err := s.GetBackend(asset.StorageBackend)
	if err != nil {
		return false, err
	}
	exists, err := backend.Exists(ctx, asset.ObjectKey)
	if err != nil {
		return false, &StorageError{Backend: asset.StorageBackend, Key: asset.ObjectKey, Op: "exists", Err: err}
	}
	return exists, nil
}

// pullOne downloads one remote image and records it as an asset that is
// already synced to the shop it came from.
func (s *service) pullOne(ctx context.Context, dest DestinationID, req PullRequest, client ShopClient, img RemoteImage, primary bool, sortOrder int) (*MediaAsset, error) {
	data, err := client.DownloadImage(ctx, img)
	if err != nil {
		return nil, err
	}
	mimeType := imaging.DetectMimeType(data)
	if !imaging.IsImage(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mimeType)
	}

	now := s.now()
	syncedAt := now
	asset := &MediaAsset{
		ID:               uuid.New(),
		OwnerType:        req.OwnerType,
		OwnerID:          req.OwnerID,
		StorageBackend:   s.defaultBackend,
		FileName:         remoteFileName(img, mimeType),
		MimeType:         mimeType,
		SizeBytes:        int64(len(data)),
		IsPrimary:        primary,
		SortOrder:        sortOrder,
		IsActive:         true,
		Origin:           dest,
		ProcessingStatus: ProcessingStatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	asset.SetDestination(dest, DestinationState{
		Status:   SyncStatusSynced,
		RemoteID: img.ID,
		IsCover:  img.Cover,
		SyncedAt: &syncedAt,
	})
	for _, other := range s.Destinations() {
		if other.ID != dest {
			asset.SetDestination(other.ID, DestinationState{Status: SyncStatusPending})
		}
	}

	if err := s.storeAsset(ctx, asset, data); err != nil {
		return nil, err
	}
	s.fireEvent("asset_created", s.eventSink.AssetCreated(ctx, asset))
	if err := s.scheduleDerivatives(ctx, asset); err != nil {
		s.logger.Warn("failed to schedule derivatives",
			zap.String("asset_id", asset.ID.String()), zap.Error(err))
	}
	return asset, nil
}

// retireOrphans deactivates records whose raw file was lost once the image
// they pointed at has been downloaded again, and clears their stale remote id.
func (s *service) retireOrphans(ctx context.Context, orphans []*MediaAsset, dest DestinationID) {
	for _, orphan := range orphans {
		state := orphan.Destination(dest)
		state.RemoteID = ""
		state.IsCover = false
		state.Status = SyncStatusError
		state.Error = ErrRawAssetMissing.Error()
		orphan.SetDestination(dest, state)
		orphan.IsActive = false
		orphan.IsPrimary = false
		orphan.UpdatedAt = s.now()
		if err := s.repository.UpdateAsset(ctx, orphan); err != nil {
			s.logger.Warn("failed to retire orphaned asset",
				zap.String("asset_id", orphan.ID.String()), zap.Error(err))
		}
	}
}

func remoteFileName(img RemoteImage, mimeType string) string {
	ext := ".img"
	switch mimeType {
	case "image/jpeg":
		ext = ".jpg"
	case "image/png":
		ext = ".png"
	case "image/gif":
		ext = ".gif"
	case "image/webp":
		ext = ".webp"
	}
	name, _, _ := strings.Cut(path.Base(img.URL), "?")
	if img.URL == "" || path.Ext(name) == "" {
		return "image-" + img.ID + ext
	}
	return name
}
