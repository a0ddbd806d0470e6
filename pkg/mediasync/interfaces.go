package mediasync

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// BlobStore defines the interface for durable and temporary file storage
type BlobStore interface {
	// Exists reports whether an object is stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// Read opens the object; a missing object yields ErrObjectNotFound
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Write stores the reader's content under key, replacing any existing object
	Write(ctx context.Context, key string, reader io.Reader, mimeType string) error

	// Delete removes the object; deleting a missing object is not an error
	Delete(ctx context.Context, key string) error

	// Stat retrieves metadata for an object
	Stat(ctx context.Context, key string) (*ObjectMeta, error)
}

// Repository defines the interface for media asset and conflict persistence
type Repository interface {
	// Asset operations
	CreateAsset(ctx context.Context, asset *MediaAsset) error
	GetAsset(ctx context.Context, id uuid.UUID) (*MediaAsset, error)
	UpdateAsset(ctx context.Context, asset *MediaAsset) error
	// ListAssetsByOwner returns active assets, primary first, then by sort order
	ListAssetsByOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) ([]*MediaAsset, error)
	SetDestinationState(ctx context.Context, assetID uuid.UUID, dest DestinationID, state DestinationState) error
	// SetPrimary flags assetID as the owner's only primary asset
	SetPrimary(ctx context.Context, ownerType string, ownerID, assetID uuid.UUID) error
	NextSortOrder(ctx context.Context, ownerType string, ownerID uuid.UUID) (int, error)

	// Conflict operations
	SaveConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*Conflict, error)
	ResolveConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*Conflict, error)
}

// OwnerLookup resolves catalog entities. A nil owner with a nil error means
// the owner no longer exists.
type OwnerLookup interface {
	FindOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) (*Owner, error)
}

// ShopClient talks to one external shop.
type ShopClient interface {
	// BulkUploadImages sends all images in one call. Per-image failures are
	// reported in the result; a returned error means the whole batch failed.
	BulkUploadImages(ctx context.Context, ownerRemoteID string, images []UploadImage) (*BulkUploadResult, error)

	// SetCoverImage designates an uploaded image as the owner's cover
	SetCoverImage(ctx context.Context, ownerRemoteID, imageRemoteID string) error

	// ListImages returns every image attached to the owner on the shop
	ListImages(ctx context.Context, ownerRemoteID string) ([]RemoteImage, error)

	// DownloadImage fetches the bytes of one remote image
	DownloadImage(ctx context.Context, image RemoteImage) ([]byte, error)
}

// EventSink defines the interface for pipeline notifications
type EventSink interface {
	// AssetCreated is fired when intake or pull persists a new asset
	AssetCreated(ctx context.Context, asset *MediaAsset) error

	// DerivativesReady is fired when an asset finished derivative processing
	DerivativesReady(ctx context.Context, asset *MediaAsset) error

	// SyncCompleted is fired when a push or pull finished for an owner
	SyncCompleted(ctx context.Context, dest DestinationID, ownerType string, ownerID uuid.UUID, summary map[string]any) error
}
