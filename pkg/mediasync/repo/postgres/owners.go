package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
)

// Owners resolves catalog owners and their shop identifiers from the
// media_owners table, which the catalog keeps up to date.
type Owners struct {
	db DBTX
}

// NewOwners creates an owner lookup over db
func NewOwners(db DBTX) *Owners {
	return &Owners{db: db}
}

// FindOwner returns nil, nil when the owner does not exist
func (o *Owners) FindOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) (*mediasync.Owner, error) {
	query := `
		SELECT name, remote_ids
		FROM media_owners
		WHERE owner_type = $1 AND owner_id = $2`

	var (
		name string
		raw  []byte
	)
	err := o.db.QueryRow(ctx, query, ownerType, ownerID).Scan(&name, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database error in find_owner: %w", err)
	}

	owner := &mediasync.Owner{Type: ownerType, ID: ownerID, Name: name}
	if err := json.Unmarshal(raw, &owner.RemoteIDs); err != nil {
		return nil, fmt.Errorf("failed to decode remote ids: %w", err)
	}
	return owner, nil
}

// SaveOwner inserts or replaces an owner
func (o *Owners) SaveOwner(ctx context.Context, owner *mediasync.Owner) error {
	remoteIDs := owner.RemoteIDs
	if remoteIDs == nil {
		remoteIDs = map[mediasync.DestinationID]string{}
	}
	raw, err := json.Marshal(remoteIDs)
	if err != nil {
		return fmt.Errorf("failed to encode remote ids: %w", err)
	}

	query := `
		INSERT INTO media_owners (owner_type, owner_id, name, remote_ids, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (owner_type, owner_id)
		DO UPDATE SET name = EXCLUDED.name, remote_ids = EXCLUDED.remote_ids, updated_at = NOW()`

	if _, err := o.db.Exec(ctx, query, owner.Type, owner.ID, owner.Name, raw); err != nil {
		return fmt.Errorf("database error in save_owner: %w", err)
	}
	return nil
}

// DeleteOwner removes an owner; deleting a missing owner is not an error
func (o *Owners) DeleteOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) error {
	_, err := o.db.Exec(ctx, `DELETE FROM media_owners WHERE owner_type = $1 AND owner_id = $2`, ownerType, ownerID)
	if err != nil {
		return fmt.Errorf("database error in delete_owner: %w", err)
	}
	return nil
}

var _ mediasync.OwnerLookup = (*Owners)(nil)
