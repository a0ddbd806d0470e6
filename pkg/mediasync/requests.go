package mediasync

import (
	"github.com/google/uuid"
)

// Request/response DTOs for service operations

// IntakeRequest contains parameters for persisting a batch of uploads
type IntakeRequest struct {
	JobID     string    `json:"job_id,omitempty"`
	OwnerType string    `json:"owner_type"`
	OwnerID   uuid.UUID `json:"owner_id"`
	// TempKeys are keys in the temporary store, processed in order
	TempKeys []string `json:"temp_keys"`
	ActorID  string   `json:"actor_id,omitempty"`
}

// IntakeResult reports the outcome of an intake batch
type IntakeResult struct {
	JobID    string      `json:"job_id"`
	Uploaded int         `json:"uploaded"`
	Errors   []ItemError `json:"errors"`
	AssetIDs []uuid.UUID `json:"asset_ids"`
}

// DerivativeResult reports what derivative processing produced for one asset
type DerivativeResult struct {
	AssetID   uuid.UUID         `json:"asset_id"`
	Width     *int              `json:"width,omitempty"`
	Height    *int              `json:"height,omitempty"`
	Converted bool              `json:"converted"`
	Generated []string          `json:"generated"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// PushRequest contains parameters for sending an owner's assets to a shop
type PushRequest struct {
	JobID         string        `json:"job_id,omitempty"`
	OwnerType     string        `json:"owner_type"`
	OwnerID       uuid.UUID     `json:"owner_id"`
	DestinationID DestinationID `json:"destination_id"`
	// AssetIDs restricts the push to a subset; empty means all active assets
	AssetIDs []uuid.UUID `json:"asset_ids,omitempty"`
}

// PushResult reports the outcome of a push
type PushResult struct {
	JobID    string      `json:"job_id"`
	Uploaded int         `json:"uploaded"`
	Skipped  int         `json:"skipped"`
	Errors   []ItemError `json:"errors"`
	CoverSet bool        `json:"cover_set"`
}

// PullRequest contains parameters for importing an owner's images from a shop
type PullRequest struct {
	JobID         string        `json:"job_id,omitempty"`
	OwnerType     string        `json:"owner_type"`
	OwnerID       uuid.UUID     `json:"owner_id"`
	DestinationID DestinationID `json:"destination_id"`
}

// PullResult reports the outcome of a pull
type PullResult struct {
	JobID        string          `json:"job_id"`
	Downloaded   int             `json:"downloaded"`
	Skipped      int             `json:"skipped"`
	Errors       []ItemError     `json:"errors"`
	ShopConflict bool            `json:"shop_conflict"`
	OtherShopIDs []DestinationID `json:"other_shop_ids,omitempty"`
	AssetIDs     []uuid.UUID     `json:"asset_ids"`
}

// VerifyResult reports whether an asset's remote image is still on a shop
type VerifyResult struct {
	AssetID       uuid.UUID     `json:"asset_id"`
	DestinationID DestinationID `json:"destination_id"`
	Status        SyncStatus    `json:"status"`
	RemoteID      string        `json:"remote_id,omitempty"`
	IsCover       bool          `json:"is_cover"`
	Error         string        `json:"error,omitempty"`
}
