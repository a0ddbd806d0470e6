package mediasync

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync/progress"
)

// DestinationID identifies an external shop.
type DestinationID string

// SyncStatus is the per-(asset, destination) synchronization state.
type SyncStatus string

// Sync status constants (typed).
const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// ProcessingStatus is the derivative processing lifecycle of an asset.
type ProcessingStatus string

// Processing status constants (typed).
const (
	ProcessingStatusCreated    ProcessingStatus = "created"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusProcessed  ProcessingStatus = "processed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

// Derivative variant names.
const (
	VariantConverted = "converted"
	VariantSmall     = "small"
	VariantMedium    = "medium"
	VariantLarge     = "large"
)

// Job types recorded on progress records.
const (
	JobTypeIntake     = "intake"
	JobTypePush       = "push"
	JobTypePull       = "pull"
	JobTypeDerivative = "derivative"
)

// ItemError is a per-item failure recorded by a pipeline stage.
type ItemError = progress.ItemError

// DestinationState is the sync state of one asset on one destination.
type DestinationState struct {
	Status   SyncStatus `json:"status"`
	RemoteID string     `json:"remote_id,omitempty"`
	Error    string     `json:"error,omitempty"`
	IsCover  bool       `json:"is_cover,omitempty"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`
}

// MediaAsset is one stored file owned by exactly one catalog entity.
type MediaAsset struct {
	ID               uuid.UUID                          `json:"id"`
	OwnerType        string                             `json:"owner_type"`
	OwnerID          uuid.UUID                          `json:"owner_id"`
	StorageBackend   string                             `json:"storage_backend"`
	ObjectKey        string                             `json:"object_key"`
	FileName         string                             `json:"file_name"`
	OriginalName     string                             `json:"original_name,omitempty"`
	MimeType         string                             `json:"mime_type"`
	SizeBytes        int64                              `json:"size_bytes"`
	Width            *int                               `json:"width,omitempty"`
	Height           *int                               `json:"height,omitempty"`
	IsPrimary        bool                               `json:"is_primary"`
	SortOrder        int                                `json:"sort_order"`
	IsActive         bool                               `json:"is_active"`
	Origin           DestinationID                      `json:"origin,omitempty"`
	ProcessingStatus ProcessingStatus                   `json:"processing_status"`
	Derivatives      map[string]string                  `json:"derivatives,omitempty"`
	Destinations     map[DestinationID]DestinationState `json:"destinations,omitempty"`
	CreatedAt        time.Time                          `json:"created_at"`
	UpdatedAt        time.Time                          `json:"updated_at"`
}

// Destination returns the state recorded for the given destination. The
// zero value (empty status) means the asset has never been scheduled for it.
func (a *MediaAsset) Destination(id DestinationID) DestinationState {
	if a.Destinations == nil {
		return DestinationState{}
	}
	return a.Destinations[id]
}

// SetDestination replaces the state for the given destination.
func (a *MediaAsset) SetDestination(id DestinationID, state DestinationState) {
	if a.Destinations == nil {
		a.Destinations = make(map[DestinationID]DestinationState)
	}
	a.Destinations[id] = state
}

// IsSyncedTo reports whether the asset already has a remote copy on the destination.
func (a *MediaAsset) IsSyncedTo(id DestinationID) bool {
	state := a.Destination(id)
	return state.Status == SyncStatusSynced && state.RemoteID != ""
}

// Owner is the catalog entity a media asset belongs to.
type Owner struct {
	Type string
	ID   uuid.UUID
	Name string
	// RemoteIDs maps a destination to the owner's identifier on that shop.
	RemoteIDs map[DestinationID]string
}

// RemoteID returns the owner's identifier on the destination, if mapped.
func (o *Owner) RemoteID(dest DestinationID) (string, bool) {
	if o == nil || o.RemoteIDs == nil {
		return "", false
	}
	id, ok := o.RemoteIDs[dest]
	return id, ok && id != ""
}

// Destination is an external shop registered on the service.
type Destination struct {
	ID     DestinationID `json:"id"`
	Name   string        `json:"name"`
	Active bool          `json:"active"`
}

// Conflict records that a pull found images originating from other shops.
type Conflict struct {
	OwnerType    string          `json:"owner_type"`
	OwnerID      uuid.UUID       `json:"owner_id"`
	SourceShopID DestinationID   `json:"source_shop_id"`
	OtherShopIDs []DestinationID `json:"other_shop_ids"`
	Resolved     bool            `json:"resolved"`
	DetectedAt   time.Time       `json:"detected_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// ObjectMeta contains metadata about an object in storage
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
}

// UploadImage is one asset handed to a shop in a bulk upload.
type UploadImage struct {
	AssetID  uuid.UUID
	FileName string
	MimeType string
	Position int
	Cover    bool
	Data     []byte
}

// UploadedImage pairs a local asset with the id the shop assigned to it.
type UploadedImage struct {
	AssetID  uuid.UUID `json:"asset_id"`
	RemoteID string    `json:"image_id"`
}

// UploadFailure is a per-asset failure reported by a bulk upload.
type UploadFailure struct {
	AssetID uuid.UUID `json:"asset_id"`
	Error   string    `json:"error"`
}

// BulkUploadResult is the outcome of one bulk upload call.
type BulkUploadResult struct {
	Uploaded []UploadedImage `json:"uploaded"`
	Skipped  []uuid.UUID     `json:"skipped"`
	Errors   []UploadFailure `json:"errors"`
}

// RemoteImage is an image attached to an owner on a shop.
type RemoteImage struct {
	ID       string `json:"id"`
	URL      string `json:"url,omitempty"`
	Position int    `json:"position"`
	Cover    bool   `json:"cover"`
	MimeType string `json:"mime_type,omitempty"`
}

// SortAssets orders assets primary first, then by sort order, then by id.
func SortAssets(assets []*MediaAsset) {
	sort.SliceStable(assets, func(i, j int) bool {
		a, b := assets[i], assets[j]
		if a.IsPrimary != b.IsPrimary {
			return a.IsPrimary
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.ID.String() < b.ID.String()
	})
}

// PrimaryOf returns the single primary asset among assets. When more than one
// asset is flagged primary the lowest sort order wins, then the earliest
// creation time, then the lowest id. It returns nil when none is flagged.
func PrimaryOf(assets []*MediaAsset) *MediaAsset {
	var winner *MediaAsset
	for _, a := range assets {
		if !a.IsPrimary {
			continue
		}
		if winner == nil || primaryBefore(a, winner) {
			winner = a
		}
	}
	return winner
}

func primaryBefore(a, b *MediaAsset) bool {
	if a.SortOrder != b.SortOrder {
		return a.SortOrder < b.SortOrder
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// Clone returns a deep copy of the asset.
func (a *MediaAsset) Clone() *MediaAsset {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Width != nil {
		w := *a.Width
		cp.Width = &w
	}
	if a.Height != nil {
		h := *a.Height
		cp.Height = &h
	}
	if a.Derivatives != nil {
		cp.Derivatives = make(map[string]string, len(a.Derivatives))
		for k, v := range a.Derivatives {
			cp.Derivatives[k] = v
		}
	}
	if a.Destinations != nil {
		cp.Destinations = make(map[DestinationID]DestinationState, len(a.Destinations))
		for k, v := range a.Destinations {
			if v.SyncedAt != nil {
				t := *v.SyncedAt
				v.SyncedAt = &t
			}
			cp.Destinations[k] = v
		}
	}
	return &cp
}

// Clone returns a deep copy of the conflict.
func (c *Conflict) Clone() *Conflict {
	if c == nil {
		return nil
	}
	cp := *c
	cp.OtherShopIDs = append([]DestinationID(nil), c.OtherShopIDs...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
