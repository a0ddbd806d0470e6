package mediasync

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrOwnerNotFound indicates the owning entity could not be resolved
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrOwnerNotMapped indicates the owner has no identifier on the destination
	ErrOwnerNotMapped = errors.New("owner not mapped on destination")

	// ErrDestinationNotFound indicates no shop is registered under the id
	ErrDestinationNotFound = errors.New("destination not found")

	// ErrDestinationInactive indicates the shop is registered but disabled
	ErrDestinationInactive = errors.New("destination inactive")

	// ErrAssetNotFound indicates a media asset was not found
	ErrAssetNotFound = errors.New("asset not found")

	// ErrRawAssetMissing indicates the raw file of an asset is gone from durable storage
	ErrRawAssetMissing = errors.New("raw asset missing from storage")

	// ErrRemoteImageNotFound indicates a recorded remote image is gone from the shop
	ErrRemoteImageNotFound = errors.New("image not found")

	// ErrObjectNotFound indicates an object was not found in a blob store
	ErrObjectNotFound = errors.New("object not found")

	// ErrConflictNotFound indicates the owner has no conflict record
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrStorageBackendNotFound indicates a storage backend was not found
	ErrStorageBackendNotFound = errors.New("storage backend not found")

	// ErrUnsupportedMediaType indicates an upload is not an image
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

// IsPrecondition reports whether err is a precondition failure: the job
// aborts before any side effect and retrying cannot help.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrOwnerNotFound) ||
		errors.Is(err, ErrOwnerNotMapped) ||
		errors.Is(err, ErrDestinationNotFound) ||
		errors.Is(err, ErrDestinationInactive)
}

// AssetError represents an error related to asset operations
type AssetError struct {
	AssetID uuid.UUID
	Op      string
	Err     error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset operation %s failed for asset %s: %v", e.Op, e.AssetID, e.Err)
}

func (e *AssetError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// SyncError represents a batch-level failure talking to a destination
type SyncError struct {
	DestinationID DestinationID
	Op            string
	Err           error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync operation %s failed for destination %s: %v", e.Op, e.DestinationID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
