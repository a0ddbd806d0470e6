package mediasync

import (
	"context"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync/progress"
)

// Service defines the main interface of the media pipeline
type Service interface {
	// Pipeline stages, executed in the caller's goroutine
	Intake(ctx context.Context, req IntakeRequest) (*IntakeResult, error)
	ProcessDerivatives(ctx context.Context, assetID uuid.UUID) (*DerivativeResult, error)
	Push(ctx context.Context, req PushRequest) (*PushResult, error)
	Pull(ctx context.Context, req PullRequest) (*PullResult, error)

	// Scheduled stages run through the configured scheduler and return the
	// job id observers can poll
	ScheduleIntake(ctx context.Context, req IntakeRequest) (string, error)
	ScheduleDerivatives(ctx context.Context, assetID uuid.UUID) error
	SchedulePush(ctx context.Context, req PushRequest) (string, error)
	SchedulePull(ctx context.Context, req PullRequest) (string, error)

	// Run* execute one attempt of a stage in the caller's goroutine under the
	// same timeout budget as the scheduled stage
	RunIntake(ctx context.Context, req IntakeRequest) (*IntakeResult, error)
	RunPush(ctx context.Context, req PushRequest) (*PushResult, error)
	RunPull(ctx context.Context, req PullRequest) (*PullResult, error)

	// VerifySync checks that an asset's remote image still exists on a shop
	// and records the outcome in its destination state
	VerifySync(ctx context.Context, assetID uuid.UUID, dest DestinationID) (*VerifyResult, error)

	// Conflict operations
	RecordConflict(ctx context.Context, conflict *Conflict) error
	GetConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*Conflict, error)
	ResolveConflict(ctx context.Context, ownerType string, ownerID uuid.UUID) (*Conflict, error)

	// Asset operations
	GetAsset(ctx context.Context, id uuid.UUID) (*MediaAsset, error)
	ListAssets(ctx context.Context, ownerType string, ownerID uuid.UUID) ([]*MediaAsset, error)
	SetPrimary(ctx context.Context, ownerType string, ownerID, assetID uuid.UUID) error

	// Progress observer
	GetProgress(ctx context.Context, jobID string) (*progress.Record, error)
	ListJobs(ctx context.Context, limit int) ([]*progress.Record, error)

	// Destination and storage registry
	RegisterDestination(dest Destination, client ShopClient)
	Destinations() []Destination
	RegisterBackend(name string, backend BlobStore)
	GetBackend(name string) (BlobStore, error)
}
