package mediasync

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VerifySync checks the asset's recorded remote image against the shop's
// current image list. An asset without a remote id is reported pending and
// left untouched. A listed id confirms the synced state; a missing one puts
// the destination state into error. Listing failures are returned without
// changing the recorded state.
func (s *service) VerifySync(ctx context.Context, assetID uuid.UUID, destID DestinationID) (*VerifyResult, error) {
	dest, client, err := s.destination(destID)
	if err != nil {
		return nil, err
	}
	asset, err := s.repository.GetAsset(ctx, assetID)
	if err != nil {
		return nil, &AssetError{AssetID: assetID, Op: "verify", Err: err}
	}

	state := asset.Destination(dest.ID)
	result := &VerifyResult{
		AssetID:       asset.ID,
		DestinationID: dest.ID,
		RemoteID:      state.RemoteID,
		IsCover:       state.IsCover,
	}
	if state.RemoteID == "" {
		result.Status = SyncStatusPending
		return result, nil
	}

	_, remoteOwnerID, err := s.resolveOwner(ctx, asset.OwnerType, asset.OwnerID, dest.ID)
	if err != nil {
		return nil, err
	}
	images, err := client.ListImages(ctx, remoteOwnerID)
	if err != nil {
		s.logger.Warn("failed to verify sync",
			zap.String("asset_id", asset.ID.String()),
			zap.String("destination", string(dest.ID)),
			zap.Error(err),
		)
		return nil, &SyncError{DestinationID: dest.ID, Op: "verify", Err: err}
	}

	found := false
	for _, img := range images {
		if img.ID == state.RemoteID {
			found = true
			break
		}
	}

	next := state
	if found {
		next.Status = SyncStatusSynced
		next.Error = ""
		if next.SyncedAt == nil {
			now := s.now()
			next.SyncedAt = &now
		}
	} else {
		next.Status = SyncStatusError
		next.Error = ErrRemoteImageNotFound.Error()
		next.IsCover = false
	}
	if next.Status != state.Status || next.Error != state.Error || next.IsCover != state.IsCover || next.SyncedAt != state.SyncedAt {
		if err := s.repository.SetDestinationState(ctx, asset.ID, dest.ID, next); err != nil {
			return nil, &AssetError{AssetID: asset.ID, Op: "verify", Err: err}
		}
	}

	result.Status = next.Status
	result.IsCover = next.IsCover
	result.Error = next.Error
	if !found {
		s.logger.Warn("remote image missing",
			zap.String("asset_id", asset.ID.String()),
			zap.String("destination", string(dest.ID)),
			zap.String("remote_id", state.RemoteID),
		)
	}
	return result, nil
}
