package mediasync

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"github.com/tendant/simple-media-sync/pkg/mediasync/objectkey"
	"go.uber.org/zap"
)

// ProcessDerivatives reads an asset's raw file and writes its converted copy
// and thumbnails. A missing raw file fails the asset; a single failed
// variant is logged and skipped. On success every destination the asset is
// not yet synced to becomes pending.
func (s *service) ProcessDerivatives(ctx context.Context, assetID uuid.UUID) (result *DerivativeResult, err error) {
	asset, err := s.repository.GetAsset(ctx, assetID)
	if err != nil {
		return nil, &AssetError{AssetID: assetID, Op: "derive", Err: err}
	}
	logger := s.logger.With(zap.String("asset_id", assetID.String()))

	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("derivative processing panicked: %v", r)
		}
		if err != nil {
			logger.Error("derivative processing failed", zap.Error(err))
			s.markDerivativeFailure(context.WithoutCancel(ctx), asset, err)
		}
	}()

	backend, err := s.GetBackend(asset.StorageBackend)
	if err != nil {
		return nil, &AssetError{AssetID: assetID, Op: "derive", Err: err}
	}

	asset.ProcessingStatus = ProcessingStatusProcessing
	asset.UpdatedAt = s.now()
	if err := s.repository.UpdateAsset(ctx, asset); err != nil {
		return nil, &AssetError{AssetID: assetID, Op: "derive", Err: err}
	}

	exists, err := backend.Exists(ctx, asset.ObjectKey)
	if err != nil {
		return nil, &StorageError{Backend: asset.StorageBackend, Key: asset.ObjectKey, Op: "exists", Err: err}
	}
	if !exists {
		return nil, &AssetError{AssetID: assetID, Op: "derive", Err: ErrRawAssetMissing}
	}
	data, err := readAll(ctx, backend, asset.ObjectKey)
	if err != nil {
		return nil, &StorageError{Backend: asset.StorageBackend, Key: asset.ObjectKey, Op: "read", Err: err}
	}

	result = &DerivativeResult{AssetID: assetID, Generated: []string{}, Failed: map[string]string{}}
	if asset.Derivatives == nil {
		asset.Derivatives = make(map[string]string)
	}

	if w, h, dimErr := imaging.Dimensions(bytes.NewReader(data)); dimErr != nil {
		logger.Warn("failed to read image dimensions", zap.Error(dimErr))
	} else {
		asset.Width, asset.Height = &w, &h
		result.Width, result.Height = &w, &h
	}

	img, format, decErr := imaging.Decode(data)
	if decErr != nil {
		logger.Warn("failed to decode image", zap.Error(decErr))
		if asset.MimeType != imaging.CanonicalMimeType {
			result.Failed[VariantConverted] = decErr.Error()
		}
		for _, size := range s.sizes {
			result.Failed[size.Name] = decErr.Error()
		}
	} else {
		logger.Debug("decoded image", zap.String("format", format))
		if asset.MimeType != imaging.CanonicalMimeType {
			if err := s.writeVariant(ctx, backend, asset, VariantConverted, img); err != nil {
				logger.Warn("conversion failed", zap.Error(err))
				result.Failed[VariantConverted] = err.Error()
			} else {
				result.Converted = true
			}
		}
		for _, size := range s.sizes {
			if err := s.writeVariant(ctx, backend, asset, size.Name, imaging.Thumbnail(img, size)); err != nil {
				logger.Warn("thumbnail failed", zap.String("variant", size.Name), zap.Error(err))
				result.Failed[size.Name] = err.Error()
				continue
			}
			result.Generated = append(result.Generated, size.Name)
		}
	}

	asset.ProcessingStatus = ProcessingStatusProcessed
	asset.UpdatedAt = s.now()
	for _, dest := range s.Destinations() {
		if asset.IsSyncedTo(dest.ID) {
			continue
		}
		state := asset.Destination(dest.ID)
		state.Status = SyncStatusPending
		state.Error = ""
		asset.SetDestination(dest.ID, state)
	}
	if err := s.repository.UpdateAsset(ctx, asset); err != nil {
		return nil, &AssetError{AssetID: assetID, Op: "derive", Err: err}
	}

	s.fireEvent("derivatives_ready", s.eventSink.DerivativesReady(ctx, asset))
	logger.Info("derivatives ready",
		zap.Bool("converted", result.Converted),
		zap.Strings("generated", result.Generated),
		zap.Int("failed", len(result.Failed)),
	)
	return result, nil
}

func (s *service) writeVariant(ctx context.Context, backend BlobStore, asset *MediaAsset, variant string, img image.Image) error {
	encoded, err := imaging.EncodeJPEG(img, s.quality)
	if err != nil {
		return err
	}
	key := s.keyGen.GenerateKey(asset.ID, &objectkey.KeyMetadata{
		OwnerType: asset.OwnerType,
		OwnerID:   asset.OwnerID,
		FileName:  asset.FileName,
		Variant:   variant,
		Ext:       ".jpg",
	})
	if err := backend.Write(ctx, key, bytes.NewReader(encoded), imaging.CanonicalMimeType); err != nil {
		return &StorageError{Backend: asset.StorageBackend, Key: key, Op: "write", Err: err}
	}
	asset.Derivatives[variant] = key
	return nil
}

// markDerivativeFailure flags the asset as failed and puts every destination
// it is not already synced to into the error state.
func (s *service) markDerivativeFailure(ctx context.Context, asset *MediaAsset, cause error) {
	asset.ProcessingStatus = ProcessingStatusFailed
	asset.UpdatedAt = s.now()
	for _, dest := range s.Destinations() {
		if asset.IsSyncedTo(dest.ID) {
			continue
		}
		state := asset.Destination(dest.ID)
		state.Status = SyncStatusError
		state.Error = cause.Error()
		asset.SetDestination(dest.ID, state)
	}
	if err := s.repository.UpdateAsset(ctx, asset); err != nil {
		s.logger.Error("failed to record derivative failure",
			zap.String("asset_id", asset.ID.String()), zap.Error(err))
	}
}
