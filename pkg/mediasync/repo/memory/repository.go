package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
)

var errDuplicate = errors.New("asset already exists")

// Repository implements mediasync.Repository using in-memory storage
type Repository struct {
	mu        sync.RWMutex
	assets    map[uuid.UUID]*mediasync.MediaAsset
	byOwner   map[string][]uuid.UUID // "type:id" -> asset ids
	conflicts map[string]*mediasync.Conflict
	now       func() time.Time
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		assets:    make(map[uuid.UUID]*mediasync.MediaAsset),
		byOwner:   make(map[string][]uuid.UUID),
		conflicts: make(map[string]*mediasync.Conflict),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func ownerKey(ownerType string, ownerID uuid.UUID) string {
	return ownerType + ":" + ownerID.String()
}

// Asset operations

func (r *Repository) CreateAsset(ctx context.Context, asset *mediasync.MediaAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.assets[asset.ID]; exists {
		return &mediasync.AssetError{AssetID: asset.ID, Op: "create", Err: errDuplicate}
	}
	r.assets[asset.ID] = asset.Clone()
	key := ownerKey(asset.OwnerType, asset.OwnerID)
	r.byOwner[key] = append(r.byOwner[key], asset.ID)
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*mediasync.MediaAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, exists := r.assets[id]
	if !exists {
		return nil, mediasync.ErrAssetNotFound
	}
	return asset.Clone(), nil
}

func (r *Repository) UpdateAsset(ctx context.Context, asset *mediasync.MediaAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.assets[asset.ID]
	if !exists {
		return mediasync.ErrAssetNotFound
	}
	updated := asset.Clone()
	// Ownership is immutable
	updated.OwnerType = existing.OwnerType
	updated.OwnerID = existing.OwnerID
	updated.UpdatedAt = r.now()
	r.assets[asset.ID] = updated
	return nil
}

func (r *Repository) ListAssetsByOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) ([]*mediasync.MediaAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byOwner[ownerKey(ownerType, ownerID)]
	result := make([]*mediasync.MediaAsset, 0, len(ids))
	for _, id := range ids {
		if a := r.assets[id]; a != nil && a.IsActive {
			result = append(result, a.Clone())
		}
	}
	mediasync.SortAssets(result)
	return result, nil
}

func (r *Repository) SetDestinationState(ctx context.Context, assetID uuid.UUID, dest mediasync.DestinationID, state mediasync.DestinationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	asset, exists := r.assets[assetID]
	if !exists {
		return mediasync.ErrAssetNotFound
	}
	if state.SyncedAt != nil {
		t := *state.SyncedAt
		state.SyncedAt = &t
	}
	asset.SetDestination(dest, state)
	asset.UpdatedAt = r.now()
	return nil
}

func (r *Repository) SetPrimary(ctx context.Context, ownerType string, ownerID, assetID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, exists := r.assets[assetID]
	if !exists || target.OwnerType != ownerType || target.OwnerID != ownerID {
		return mediasync.ErrAssetNotFound
	}
	now := r.now()
	for _, id := range r.byOwner[ownerKey(ownerType, ownerID)] {
		a := r.assets[id]
		want := id == assetID
		if a.IsPrimary != want {
			a.IsPrimary = want
			a.UpdatedAt = now
		}
	}
	return nil
}

func (r *Repository) NextSortOrder(ctx context.Context, ownerType string, ownerID uuid.UUID) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byOwner[ownerKey(ownerType, ownerID)]
	if len(ids) == 0 {
		return 0, nil
	}
	next := 0
	for _, id := range ids {
		if so := r.assets[id].SortOrder + 1; so > next {
			next = so
		}
	}
	return next, nil
}

// Conflict operations

func (r *Repository) SaveConflict(ctx context.Context, conflict *mediasync.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conflicts[ownerKey(conflict.OwnerType, conflict.OwnerID)] = conflict.Clone()
	return nil
}

func (r *Repository) GetConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*mediasync.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.conflicts[ownerKey(ownerType, ownerID)]
	if !exists {
		return nil, mediasync.ErrConflictNotFound
	}
	return c.Clone(), nil
}

func (r *Repository) ResolveConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*mediasync.Conflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.conflicts[ownerKey(ownerType, ownerID)]
	if !exists {
		return nil, mediasync.ErrConflictNotFound
	}
	if !c.Resolved {
		now := r.now()
		c.Resolved = true
		c.ResolvedAt = &now
	}
	return c.Clone(), nil
}

var _ mediasync.Repository = (*Repository)(nil)
