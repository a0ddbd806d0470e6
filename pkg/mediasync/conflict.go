package mediasync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func (s *service) RecordConflict(ctx context.Context, conflict *Conflict) error {
	if conflict == nil {
		return errors.New("conflict is required")
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = s.now()
	}
	sort.Slice(conflict.OtherShopIDs, func(i, j int) bool {
		return conflict.OtherShopIDs[i] < conflict.OtherShopIDs[j]
	})
	if err := s.repository.SaveConflict(ctx, conflict); err != nil {
		return fmt.Errorf("failed to save conflict: %w", err)
	}
	s.logger.Warn("shop conflict recorded",
		zap.String("owner_type", conflict.OwnerType),
		zap.String("owner_id", conflict.OwnerID.String()),
		zap.String("source_shop", string(conflict.SourceShopID)),
		zap.Any("other_shops", conflict.OtherShopIDs),
	)
	return nil
}

func (s *service) GetConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*Conflict, error) {
	return s.repository.GetConflict(ctx, ownerType, ownerID)
}

func (s *service) ResolveConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*Conflict, error) {
	conflict, err := s.repository.ResolveConflict(ctx, ownerType, ownerID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("shop conflict resolved",
		zap.String("owner_type", ownerType),
		zap.String("owner_id", ownerID.String()),
	)
	return conflict, nil
}
