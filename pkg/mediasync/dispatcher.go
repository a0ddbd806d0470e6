package mediasync

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"go.uber.org/zap"
)

// Push sends an owner's assets to one destination in a single bulk call and
// designates the primary asset as the cover when it was uploaded.
func (s *service) Push(ctx context.Context, req PushRequest) (*PushResult, error) {
	jobID := s.jobID(req.JobID)
	logger := s.logger.With(
		zap.String("job_id", jobID),
		zap.String("destination", string(req.DestinationID)),
		zap.String("owner_type", req.OwnerType),
		zap.String("owner_id", req.OwnerID.String()),
	)

	dest, client, err := s.destination(req.DestinationID)
	if err != nil {
		logger.Warn("push aborted", zap.Error(err))
		return nil, err
	}
	_, remoteOwnerID, err := s.resolveOwner(ctx, req.OwnerType, req.OwnerID, dest.ID)
	if err != nil {
		logger.Warn("push aborted", zap.Error(err))
		return nil, err
	}

	assets, missing, err := s.selectAssets(ctx, req)
	if err != nil {
		return nil, err
	}
	total := len(assets) + len(missing)
	if err := s.tracker.Start(ctx, jobID, JobTypePush, total); err != nil {
		return nil, err
	}

	result := &PushResult{JobID: jobID, Errors: []ItemError{}}
	result.Errors = append(result.Errors, missing...)

	primary := PrimaryOf(assets)
	var (
		images    []UploadImage
		submitted = make(map[uuid.UUID]*MediaAsset)
	)
	for position, asset := range assets {
		if asset.IsSyncedTo(dest.ID) {
			continue
		}
		img, err := s.uploadImage(ctx, asset, position, asset == primary)
		if err != nil {
			logger.Warn("failed to prepare asset", zap.String("asset_id", asset.ID.String()), zap.Error(err))
			s.markSyncError(ctx, asset, dest.ID, err.Error())
			result.Errors = append(result.Errors, ItemError{Item: asset.ID.String(), Error: err.Error()})
			continue
		}
		images = append(images, img)
		submitted[asset.ID] = asset
	}

	var uploaded map[uuid.UUID]string
	if len(images) > 0 {
		bulk, err := client.BulkUploadImages(ctx, remoteOwnerID, images)
		if err != nil {
			bg := context.WithoutCancel(ctx)
			for _, asset := range submitted {
				s.markSyncError(bg, asset, dest.ID, err.Error())
			}
			s.tracker.Fail(bg, jobID, err.Error())
			logger.Error("bulk upload failed", zap.Int("assets", len(submitted)), zap.Error(err))
			return nil, &SyncError{DestinationID: dest.ID, Op: "bulk_upload", Err: err}
		}
		uploaded = s.applyBulkResult(ctx, dest.ID, submitted, bulk, result)
	}
	result.Uploaded = len(uploaded)
	result.Skipped = len(assets) - result.Uploaded

	if primary != nil {
		if remoteID, ok := uploaded[primary.ID]; ok {
			if err := client.SetCoverImage(ctx, remoteOwnerID, remoteID); err != nil {
				logger.Warn("failed to set cover image", zap.String("asset_id", primary.ID.String()), zap.Error(err))
				result.Errors = append(result.Errors, ItemError{Item: primary.ID.String(), Error: "set cover: " + err.Error()})
			} else {
				result.CoverSet = true
				state := primary.Destination(dest.ID)
				state.IsCover = true
				if err := s.repository.SetDestinationState(ctx, primary.ID, dest.ID, state); err != nil {
					logger.Warn("failed to record cover flag", zap.Error(err))
				}
				s.clearCover(ctx, req.OwnerType, req.OwnerID, dest.ID, primary.ID)
			}
		}
	}

	s.tracker.Update(ctx, jobID, total, result.Errors)
	summary := map[string]any{
		"uploaded":  result.Uploaded,
		"skipped":   result.Skipped,
		"errors":    len(result.Errors),
		"cover_set": result.CoverSet,
	}
	s.tracker.Complete(ctx, jobID, summary)
	s.fireEvent("sync_completed", s.eventSink.SyncCompleted(ctx, dest.ID, req.OwnerType, req.OwnerID, summary))
	logger.Info("push completed",
		zap.Int("uploaded", result.Uploaded),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
		zap.Bool("cover_set", result.CoverSet),
	)
	return result, nil
}

// selectAssets returns the assets to push in push order. Requested ids that
// do not name an active asset of the owner come back as item errors.
func (s *service) selectAssets(ctx context.Context, req PushRequest) ([]*MediaAsset, []ItemError, error) {
	all, err := s.repository.ListAssetsByOwner(ctx, req.OwnerType, req.OwnerID)
	if err != nil {
		return nil, nil, &AssetError{Op: "list", Err: err}
	}
	if len(req.AssetIDs) == 0 {
		return all, nil, nil
	}

	byID := make(map[uuid.UUID]*MediaAsset, len(all))
	for _, a := range all {
		byID[a.ID] = a
	}
	var (
		selected []*MediaAsset
		missing  []ItemError
		seen     = make(map[uuid.UUID]bool)
	)
	for _, id := range req.AssetIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if a, ok := byID[id]; ok {
			selected = append(selected, a)
			continue
		}
		missing = append(missing, ItemError{Item: id.String(), Error: ErrAssetNotFound.Error()})
	}
	SortAssets(selected)
	return selected, missing, nil
}

// uploadImage loads the bytes sent for an asset: the converted JPEG when one
// exists, the raw file otherwise.
func (s *service) uploadImage(ctx context.Context, asset *MediaAsset, position int, cover bool) (UploadImage, error) {
	backend, err := s.GetBackend(asset.StorageBackend)
	if err != nil {
		return UploadImage{}, err
	}
	key, mimeType, fileName := asset.ObjectKey, asset.MimeType, asset.FileName
	if converted := asset.Derivatives[VariantConverted]; converted != "" {
		key, mimeType = converted, imaging.CanonicalMimeType
		fileName = strings.TrimSuffix(fileName, path.Ext(fileName)) + ".jpg"
	}
	data, err := readAll(ctx, backend, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return UploadImage{}, ErrRawAssetMissing
		}
		return UploadImage{}, err
	}
	return UploadImage{
		AssetID:  asset.ID,
		FileName: fileName,
		MimeType: mimeType,
		Position: position,
		Cover:    cover,
		Data:     data,
	}, nil
}

// applyBulkResult records per-asset outcomes and returns the remote ids of
// the uploaded assets.
func (s *service) applyBulkResult(ctx context.Context, dest DestinationID, submitted map[uuid.UUID]*MediaAsset, bulk *BulkUploadResult, result *PushResult) map[uuid.UUID]string {
	uploaded := make(map[uuid.UUID]string, len(bulk.Uploaded))
	now := s.now()
	for _, up := range bulk.Uploaded {
		asset, ok := submitted[up.AssetID]
		if !ok || up.RemoteID == "" {
			s.logger.Warn("ignoring unexpected upload entry",
				zap.String("asset_id", up.AssetID.String()), zap.String("remote_id", up.RemoteID))
			continue
		}
		syncedAt := now
		state := DestinationState{Status: SyncStatusSynced, RemoteID: up.RemoteID, SyncedAt: &syncedAt}
		if err := s.repository.SetDestinationState(ctx, asset.ID, dest, state); err != nil {
			s.logger.Error("failed to record sync state", zap.String("asset_id", asset.ID.String()), zap.Error(err))
			result.Errors = append(result.Errors, ItemError{Item: asset.ID.String(), Error: err.Error()})
			continue
		}
		asset.SetDestination(dest, state)
		uploaded[asset.ID] = up.RemoteID
	}
	for _, failure := range bulk.Errors {
		if asset, ok := submitted[failure.AssetID]; ok {
			s.markSyncError(ctx, asset, dest, failure.Error)
		}
		result.Errors = append(result.Errors, ItemError{Item: failure.AssetID.String(), Error: failure.Error})
	}
	return uploaded
}

// clearCover drops the cover flag from every asset of the owner on dest
// except keep. A shop has one cover per owner.
func (s *service) clearCover(ctx context.Context, ownerType string, ownerID uuid.UUID, dest DestinationID, keep uuid.UUID) {
	assets, err := s.repository.ListAssetsByOwner(ctx, ownerType, ownerID)
	if err != nil {
		s.logger.Warn("failed to list assets for cover reset", zap.Error(err))
		return
	}
	for _, asset := range assets {
		if asset.ID == keep {
			continue
		}
		state := asset.Destination(dest)
		if !state.IsCover {
			continue
		}
		state.IsCover = false
		if err := s.repository.SetDestinationState(ctx, asset.ID, dest, state); err != nil {
			s.logger.Warn("failed to clear cover flag", zap.String("asset_id", asset.ID.String()), zap.Error(err))
		}
	}
}

// markSyncError puts the asset's destination state into error, keeping any
// remote id it already had.
func (s *service) markSyncError(ctx context.Context, asset *MediaAsset, dest DestinationID, message string) {
	state := asset.Destination(dest)
	state.Status = SyncStatusError
	state.Error = message
	if err := s.repository.SetDestinationState(ctx, asset.ID, dest, state); err != nil {
		s.logger.Error("failed to record sync error", zap.String("asset_id", asset.ID.String()), zap.Error(err))
		return
	}
	asset.SetDestination(dest, state)
}
