package mediasync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"github.com/tendant/simple-media-sync/pkg/mediasync/objectkey"
	"go.uber.org/zap"
)

var errTempFileNotFound = errors.New("not found")

// Intake persists a batch of temporary uploads as media assets of one owner.
// Temporary files are deleted on every exit path, including failures.
func (s *service) Intake(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	defer s.deleteTempFiles(context.WithoutCancel(ctx), req.TempKeys)

	jobID := s.jobID(req.JobID)
	logger := s.logger.With(
		zap.String("job_id", jobID),
		zap.String("owner_type", req.OwnerType),
		zap.String("owner_id", req.OwnerID.String()),
	)

	if _, _, err := s.resolveOwner(ctx, req.OwnerType, req.OwnerID, ""); err != nil {
		logger.Warn("intake aborted", zap.Error(err))
		return nil, err
	}

	if err := s.tracker.Start(ctx, jobID, JobTypeIntake, len(req.TempKeys)); err != nil {
		return nil, err
	}

	existing, err := s.repository.ListAssetsByOwner(ctx, req.OwnerType, req.OwnerID)
	if err != nil {
		s.tracker.Fail(context.WithoutCancel(ctx), jobID, err.Error())
		return nil, fmt.Errorf("failed to list owner assets: %w", err)
	}
	hasPrimary := PrimaryOf(existing) != nil
	nextSort, err := s.repository.NextSortOrder(ctx, req.OwnerType, req.OwnerID)
	if err != nil {
		s.tracker.Fail(context.WithoutCancel(ctx), jobID, err.Error())
		return nil, fmt.Errorf("failed to compute sort order: %w", err)
	}

	result := &IntakeResult{JobID: jobID, Errors: []ItemError{}, AssetIDs: []uuid.UUID{}}

	batch := runBatch(ctx, req.TempKeys,
		func(key string) string { return key },
		func(ctx context.Context, key string) (itemOutcome, error) {
			asset, err := s.intakeOne(ctx, req, key, !hasPrimary, nextSort)
			if err != nil {
				logger.Warn("intake item failed", zap.String("temp_key", key), zap.Error(err))
				return itemDone, err
			}
			hasPrimary = true
			nextSort++
			result.AssetIDs = append(result.AssetIDs, asset.ID)
			return itemDone, nil
		},
		s.progressReporter(ctx, jobID),
	)

	result.Uploaded = batch.Done
	result.Errors = append(result.Errors, batch.Errors...)

	if batch.Err != nil {
		s.tracker.Fail(context.WithoutCancel(ctx), jobID, batch.Err.Error())
		return result, batch.Err
	}

	s.tracker.Complete(ctx, jobID, map[string]any{
		"uploaded": result.Uploaded,
		"errors":   len(result.Errors),
		"actor_id": req.ActorID,
	})
	logger.Info("intake completed", zap.Int("uploaded", result.Uploaded), zap.Int("errors", len(result.Errors)))
	return result, nil
}

// intakeOne moves one temporary file into durable storage and records it.
func (s *service) intakeOne(ctx context.Context, req IntakeRequest, tempKey string, primary bool, sortOrder int) (*MediaAsset, error) {
	exists, err := s.tempStore.Exists(ctx, tempKey)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errTempFileNotFound
	}

	data, err := readAll(ctx, s.tempStore, tempKey)
	if err != nil {
		return nil, err
	}
	mimeType := imaging.DetectMimeType(data)
	if !imaging.IsImage(mimeType) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMediaType, mimeType)
	}

	now := s.now()
	fileName := path.Base(tempKey)
	asset := &MediaAsset{
		ID:               uuid.New(),
		OwnerType:        req.OwnerType,
		OwnerID:          req.OwnerID,
		StorageBackend:   s.defaultBackend,
		FileName:         fileName,
		OriginalName:     fileName,
		MimeType:         mimeType,
		SizeBytes:        int64(len(data)),
		IsPrimary:        primary,
		SortOrder:        sortOrder,
		IsActive:         true,
		ProcessingStatus: ProcessingStatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
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

// storeAsset writes the raw file to the default backend and creates the
// record. The blob is removed again if the record cannot be created.
func (s *service) storeAsset(ctx context.Context, asset *MediaAsset, data []byte) error {
	backend, err := s.GetBackend(asset.StorageBackend)
	if err != nil {
		return err
	}
	asset.ObjectKey = s.keyGen.GenerateKey(asset.ID, &objectkey.KeyMetadata{
		OwnerType: asset.OwnerType,
		OwnerID:   asset.OwnerID,
		FileName:  asset.FileName,
	})

	if err := backend.Write(ctx, asset.ObjectKey, bytes.NewReader(data), asset.MimeType); err != nil {
		return &StorageError{Backend: asset.StorageBackend, Key: asset.ObjectKey, Op: "write", Err: err}
	}
	if err := s.repository.CreateAsset(ctx, asset); err != nil {
		if delErr := backend.Delete(context.WithoutCancel(ctx), asset.ObjectKey); delErr != nil {
			s.logger.Warn("failed to remove orphaned blob", zap.String("key", asset.ObjectKey), zap.Error(delErr))
		}
		return &AssetError{AssetID: asset.ID, Op: "create", Err: err}
	}
	return nil
}

func (s *service) deleteTempFiles(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.tempStore.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete temporary file", zap.String("temp_key", key), zap.Error(err))
		}
	}
}

func readAll(ctx context.Context, store BlobStore, key string) ([]byte, error) {
	rc, err := store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}
