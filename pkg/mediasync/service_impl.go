package mediasync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync/imaging"
	"github.com/tendant/simple-media-sync/pkg/mediasync/objectkey"
	"github.com/tendant/simple-media-sync/pkg/mediasync/progress"
	"github.com/tendant/simple-media-sync/pkg/mediasync/worker"
	"go.uber.org/zap"
)

// service implements the Service interface
type service struct {
	repository     Repository
	owners         OwnerLookup
	blobStores     map[string]BlobStore
	defaultBackend string
	tempStore      BlobStore
	eventSink      EventSink
	tracker        *progress.Tracker
	scheduler      worker.Scheduler
	inline         worker.Scheduler
	keyGen         objectkey.Generator
	sizes          []imaging.Size
	quality        int
	logger         *zap.Logger
	now            func() time.Time

	mu           sync.RWMutex
	destinations map[DestinationID]*destinationEntry
	destOrder    []DestinationID
}

type destinationEntry struct {
	dest   Destination
	client ShopClient
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithOwnerLookup sets the resolver for catalog owners
func WithOwnerLookup(owners OwnerLookup) Option {
	return func(s *service) {
		s.owners = owners
	}
}

// WithBlobStore adds a durable storage backend
func WithBlobStore(name string, store BlobStore) Option {
	return func(s *service) {
		if s.blobStores == nil {
			s.blobStores = make(map[string]BlobStore)
		}
		s.blobStores[name] = store
	}
}

// WithDefaultBackend selects the backend new assets are written to
func WithDefaultBackend(name string) Option {
	return func(s *service) {
		s.defaultBackend = name
	}
}

// WithTempStore sets the store intake reads uploads from. Defaults to the
// default durable backend.
func WithTempStore(store BlobStore) Option {
	return func(s *service) {
		s.tempStore = store
	}
}

// WithDestination registers a shop and its client
func WithDestination(dest Destination, client ShopClient) Option {
	return func(s *service) {
		s.RegisterDestination(dest, client)
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.eventSink = sink
	}
}

// WithTracker sets the progress tracker
func WithTracker(tracker *progress.Tracker) Option {
	return func(s *service) {
		s.tracker = tracker
	}
}

// WithScheduler sets how scheduled stages execute. Defaults to immediate mode.
func WithScheduler(scheduler worker.Scheduler) Option {
	return func(s *service) {
		s.scheduler = scheduler
	}
}

// WithKeyGenerator sets the object key generator
func WithKeyGenerator(gen objectkey.Generator) Option {
	return func(s *service) {
		s.keyGen = gen
	}
}

// WithThumbnailSizes replaces the thumbnail sizes derivative processing produces
func WithThumbnailSizes(sizes []imaging.Size) Option {
	return func(s *service) {
		s.sizes = sizes
	}
}

// WithJPEGQuality sets the quality of converted derivatives
func WithJPEGQuality(quality int) Option {
	return func(s *service) {
		s.quality = quality
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		blobStores:   make(map[string]BlobStore),
		destinations: make(map[DestinationID]*destinationEntry),
		quality:      imaging.DefaultQuality,
		now:          func() time.Time { return time.Now().UTC() },
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.owners == nil {
		return nil, fmt.Errorf("owner lookup is required")
	}
	if len(s.blobStores) == 0 {
		return nil, fmt.Errorf("at least one blob store is required")
	}
	if s.defaultBackend == "" {
		if len(s.blobStores) > 1 {
			return nil, fmt.Errorf("default backend must be set when more than one blob store is registered")
		}
		for name := range s.blobStores {
			s.defaultBackend = name
		}
	}
	if _, ok := s.blobStores[s.defaultBackend]; !ok {
		return nil, fmt.Errorf("default backend %q: %w", s.defaultBackend, ErrStorageBackendNotFound)
	}
	if s.tempStore == nil {
		s.tempStore = s.blobStores[s.defaultBackend]
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("mediasync")
	if s.eventSink == nil {
		s.eventSink = NewNoopEventSink()
	}
	if s.tracker == nil {
		s.tracker = progress.NewTracker(nil, progress.WithLogger(s.logger), progress.WithClock(s.now))
	}
	s.inline = worker.NewImmediate(s.logger)
	if s.scheduler == nil {
		s.scheduler = s.inline
	}
	if s.keyGen == nil {
		s.keyGen = objectkey.NewDefaultGenerator()
	}
	if s.sizes == nil {
		s.sizes = imaging.MustParseSizes(imaging.DefaultSizes)
	}
	if s.quality <= 0 || s.quality > 100 {
		s.quality = imaging.DefaultQuality
	}

	return s, nil
}

// Destination registry

func (s *service) RegisterDestination(dest Destination, client ShopClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destinations == nil {
		s.destinations = make(map[DestinationID]*destinationEntry)
	}
	if _, exists := s.destinations[dest.ID]; !exists {
		s.destOrder = append(s.destOrder, dest.ID)
	}
	s.destinations[dest.ID] = &destinationEntry{dest: dest, client: client}
}

func (s *service) Destinations() []Destination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Destination, 0, len(s.destOrder))
	for _, id := range s.destOrder {
		out = append(out, s.destinations[id].dest)
	}
	return out
}

// destination resolves an active destination and its client
func (s *service) destination(id DestinationID) (Destination, ShopClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.destinations[id]
	if !ok {
		return Destination{}, nil, fmt.Errorf("%s: %w", id, ErrDestinationNotFound)
	}
	if !entry.dest.Active {
		return Destination{}, nil, fmt.Errorf("%s: %w", id, ErrDestinationInactive)
	}
	return entry.dest, entry.client, nil
}

// Storage backend operations

func (s *service) RegisterBackend(name string, backend BlobStore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobStores[name] = backend
}

func (s *service) GetBackend(name string) (BlobStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	backend, exists := s.blobStores[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStorageBackendNotFound, name)
	}
	return backend, nil
}

// Asset operations

func (s *service) GetAsset(ctx context.Context, id uuid.UUID) (*MediaAsset, error) {
	return s.repository.GetAsset(ctx, id)
}

func (s *service) ListAssets(ctx context.Context, ownerType string, ownerID uuid.UUID) ([]*MediaAsset, error) {
	return s.repository.ListAssetsByOwner(ctx, ownerType, ownerID)
}

func (s *service) SetPrimary(ctx context.Context, ownerType string, ownerID, assetID uuid.UUID) error {
	if err := s.repository.SetPrimary(ctx, ownerType, ownerID, assetID); err != nil {
		return &AssetError{AssetID: assetID, Op: "set_primary", Err: err}
	}
	return nil
}

// Progress observer

func (s *service) GetProgress(ctx context.Context, jobID string) (*progress.Record, error) {
	return s.tracker.Get(ctx, jobID)
}

func (s *service) ListJobs(ctx context.Context, limit int) ([]*progress.Record, error) {
	return s.tracker.List(ctx, limit)
}

// Shared helpers

// resolveOwner loads the owner and, when dest is non-empty, its remote id there.
func (s *service) resolveOwner(ctx context.Context, ownerType string, ownerID uuid.UUID, dest DestinationID) (*Owner, string, error) {
	owner, err := s.owners.FindOwner(ctx, ownerType, ownerID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to look up owner: %w", err)
	}
	if owner == nil {
		return nil, "", fmt.Errorf("%s %s: %w", ownerType, ownerID, ErrOwnerNotFound)
	}
	if dest == "" {
		return owner, "", nil
	}
	remoteID, ok := owner.RemoteID(dest)
	if !ok {
		return nil, "", fmt.Errorf("%s %s on %s: %w", ownerType, ownerID, dest, ErrOwnerNotMapped)
	}
	return owner, remoteID, nil
}

func (s *service) jobID(requested string) string {
	if requested != "" {
		return requested
	}
	return uuid.NewString()
}

// fireEvent logs sink failures; notifications never fail a stage.
func (s *service) fireEvent(name string, err error) {
	if err != nil {
		s.logger.Warn("event sink failed", zap.String("event", name), zap.Error(err))
	}
}
