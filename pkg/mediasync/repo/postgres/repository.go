package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-media-sync/pkg/mediasync"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Repository implements mediasync.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// EnsureSchema creates the tables and indexes if they do not exist
func EnsureSchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "media_assets") {
				return fmt.Errorf("asset already exists")
			}
			return fmt.Errorf("duplicate entry")
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

const assetColumns = `
	id, owner_type, owner_id, storage_backend, object_key, file_name, original_name,
	mime_type, size_bytes, width, height, is_primary, sort_order, is_active, origin,
	processing_status, derivatives, destinations, created_at, updated_at`

func scanAsset(row pgx.Row) (*mediasync.MediaAsset, error) {
	var (
		a            mediasync.MediaAsset
		origin       string
		status       string
		derivatives  []byte
		destinations []byte
	)
	err := row.Scan(
		&a.ID, &a.OwnerType, &a.OwnerID, &a.StorageBackend, &a.ObjectKey, &a.FileName, &a.OriginalName,
		&a.MimeType, &a.SizeBytes, &a.Width, &a.Height, &a.IsPrimary, &a.SortOrder, &a.IsActive, &origin,
		&status, &derivatives, &destinations, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Origin = mediasync.DestinationID(origin)
	a.ProcessingStatus = mediasync.ProcessingStatus(status)
	if len(derivatives) > 0 {
		if err := json.Unmarshal(derivatives, &a.Derivatives); err != nil {
			return nil, fmt.Errorf("failed to decode derivatives: %w", err)
		}
	}
	if len(destinations) > 0 {
		if err := json.Unmarshal(destinations, &a.Destinations); err != nil {
			return nil, fmt.Errorf("failed to decode destinations: %w", err)
		}
	}
	return &a, nil
}

func encodeMaps(a *mediasync.MediaAsset) (derivatives, destinations []byte, err error) {
	d := a.Derivatives
	if d == nil {
		d = map[string]string{}
	}
	if derivatives, err = json.Marshal(d); err != nil {
		return nil, nil, err
	}
	s := a.Destinations
	if s == nil {
		s = map[mediasync.DestinationID]mediasync.DestinationState{}
	}
	if destinations, err = json.Marshal(s); err != nil {
		return nil, nil, err
	}
	return derivatives, destinations, nil
}

// Asset operations

func (r *Repository) CreateAsset(ctx context.Context, a *mediasync.MediaAsset) error {
	derivatives, destinations, err := encodeMaps(a)
	if err != nil {
		return fmt.Errorf("failed to encode asset: %w", err)
	}

	query := `
		INSERT INTO media_assets (` + assetColumns + `
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err = r.db.Exec(ctx, query,
		a.ID, a.OwnerType, a.OwnerID, a.StorageBackend, a.ObjectKey, a.FileName, a.OriginalName,
		a.MimeType, a.SizeBytes, a.Width, a.Height, a.IsPrimary, a.SortOrder, a.IsActive, string(a.Origin),
		string(a.ProcessingStatus), derivatives, destinations, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create asset", err)
	}
	return nil
}

func (r *Repository) GetAsset(ctx context.Context, id uuid.UUID) (*mediasync.MediaAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM media_assets WHERE id = $1`

	asset, err := scanAsset(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mediasync.ErrAssetNotFound
		}
		return nil, r.handlePostgresError("get asset", err)
	}
	return asset, nil
}

func (r *Repository) UpdateAsset(ctx context.Context, a *mediasync.MediaAsset) error {
	derivatives, destinations, err := encodeMaps(a)
	if err != nil {
		return fmt.Errorf("failed to encode asset: %w", err)
	}

	query := `
		UPDATE media_assets SET
			storage_backend = $2, object_key = $3, file_name = $4, original_name = $5,
			mime_type = $6, size_bytes = $7, width = $8, height = $9, is_primary = $10,
			sort_order = $11, is_active = $12, origin = $13, processing_status = $14,
			derivatives = $15, destinations = $16, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		a.ID, a.StorageBackend, a.ObjectKey, a.FileName, a.OriginalName,
		a.MimeType, a.SizeBytes, a.Width, a.Height, a.IsPrimary,
		a.SortOrder, a.IsActive, string(a.Origin), string(a.ProcessingStatus),
		derivatives, destinations)
	if err != nil {
		return r.handlePostgresError("update asset", err)
	}
	if tag.RowsAffected() == 0 {
		return mediasync.ErrAssetNotFound
	}
	return nil
}

func (r *Repository) ListAssetsByOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) ([]*mediasync.MediaAsset, error) {
	query := `
		SELECT ` + assetColumns + `
		FROM media_assets
		WHERE owner_type = $1 AND owner_id = $2 AND is_active
		ORDER BY is_primary DESC, sort_order ASC, id::text ASC`

	rows, err := r.db.Query(ctx, query, ownerType, ownerID)
	if err != nil {
		return nil, r.handlePostgresError("list assets", err)
	}
	defer rows.Close()

	assets := []*mediasync.MediaAsset{}
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list assets", err)
	}
	return assets, nil
}

// SetDestinationState rewrites one key of the destinations document
func (r *Repository) SetDestinationState(ctx context.Context, assetID uuid.UUID, dest mediasync.DestinationID, state mediasync.DestinationState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode destination state: %w", err)
	}

	query := `
		UPDATE media_assets
		SET destinations = jsonb_set(destinations, ARRAY[$2::text], $3::jsonb, true),
		    updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, assetID, string(dest), payload)
	if err != nil {
		return r.handlePostgresError("set destination state", err)
	}
	if tag.RowsAffected() == 0 {
		return mediasync.ErrAssetNotFound
	}
	return nil
}

// SetPrimary flips every asset of the owner in one statement
func (r *Repository) SetPrimary(ctx context.Context, ownerType string, ownerID, assetID uuid.UUID) error {
	query := `
		UPDATE media_assets
		SET is_primary = (id = $3), updated_at = NOW()
		WHERE owner_type = $1 AND owner_id = $2
		  AND EXISTS (SELECT 1 FROM media_assets WHERE id = $3 AND owner_type = $1 AND owner_id = $2)`

	tag, err := r.db.Exec(ctx, query, ownerType, ownerID, assetID)
	if err != nil {
		return r.handlePostgresError("set primary", err)
	}
	if tag.RowsAffected() == 0 {
		return mediasync.ErrAssetNotFound
	}
	return nil
}

func (r *Repository) NextSortOrder(ctx context.Context, ownerType string, ownerID uuid.UUID) (int, error) {
	query := `SELECT COALESCE(MAX(sort_order) + 1, 0) FROM media_assets WHERE owner_type = $1 AND owner_id = $2`

	var next int
	if err := r.db.QueryRow(ctx, query, ownerType, ownerID).Scan(&next); err != nil {
		return 0, r.handlePostgresError("next sort order", err)
	}
	return next, nil
}

// Conflict operations

func (r *Repository) SaveConflict(ctx context.Context, c *mediasync.Conflict) error {
	others := make([]string, len(c.OtherShopIDs))
	for i, id := range c.OtherShopIDs {
		others[i] = string(id)
	}

	query := `
		INSERT INTO media_conflicts (owner_type, owner_id, source_shop_id, other_shop_ids, resolved, detected_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_type, owner_id) DO UPDATE SET
			source_shop_id = EXCLUDED.source_shop_id,
			other_shop_ids = EXCLUDED.other_shop_ids,
			resolved = EXCLUDED.resolved,
			detected_at = EXCLUDED.detected_at,
			resolved_at = EXCLUDED.resolved_at`

	_, err := r.db.Exec(ctx, query,
		c.OwnerType, c.OwnerID, string(c.SourceShopID), others, c.Resolved, c.DetectedAt, c.ResolvedAt)
	if err != nil {
		return r.handlePostgresError("save conflict", err)
	}
	return nil
}

const conflictColumns = `owner_type, owner_id, source_shop_id, other_shop_ids, resolved, detected_at, resolved_at`

func scanConflict(row pgx.Row) (*mediasync.Conflict, error) {
	var (
		c      mediasync.Conflict
		source string
		others []string
	)
	if err := row.Scan(&c.OwnerType, &c.OwnerID, &source, &others, &c.Resolved, &c.DetectedAt, &c.ResolvedAt); err != nil {
		return nil, err
	}
	c.SourceShopID = mediasync.DestinationID(source)
	c.OtherShopIDs = make([]mediasync.DestinationID, len(others))
	for i, id := range others {
		c.OtherShopIDs[i] = mediasync.DestinationID(id)
	}
	return &c, nil
}

func (r *Repository) GetConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*mediasync.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM media_conflicts WHERE owner_type = $1 AND owner_id = $2`

	c, err := scanConflict(r.db.QueryRow(ctx, query, ownerType, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mediasync.ErrConflictNotFound
		}
		return nil, r.handlePostgresError("get conflict", err)
	}
	return c, nil
}

func (r *Repository) ResolveConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*mediasync.Conflict, error) {
	query := `
		UPDATE media_conflicts
		SET resolved = TRUE, resolved_at = COALESCE(resolved_at, $3)
		WHERE owner_type = $1 AND owner_id = $2
		RETURNING ` + conflictColumns

	c, err := scanConflict(r.db.QueryRow(ctx, query, ownerType, ownerID, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mediasync.ErrConflictNotFound
		}
		return nil, r.handlePostgresError("resolve conflict", err)
	}
	return c, nil
}

var _ mediasync.Repository = (*Repository)(nil)
