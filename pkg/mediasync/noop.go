package mediasync

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// AssetCreated does nothing and returns nil
func (n *NoopEventSink) AssetCreated(ctx context.Context, asset *MediaAsset) error {
	return nil
}

// DerivativesReady does nothing and returns nil
func (n *NoopEventSink) DerivativesReady(ctx context.Context, asset *MediaAsset) error {
	return nil
}

// SyncCompleted does nothing and returns nil
func (n *NoopEventSink) SyncCompleted(ctx context.Context, dest DestinationID, ownerType string, ownerID uuid.UUID, summary map[string]any) error {
	return nil
}

// LoggingEventSink writes every event to a zap logger.
type LoggingEventSink struct {
	logger *zap.Logger
}

// NewLoggingEventSink creates an event sink that logs at info level
func NewLoggingEventSink(logger *zap.Logger) EventSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingEventSink{logger: logger.Named("events")}
}

func (l *LoggingEventSink) AssetCreated(ctx context.Context, asset *MediaAsset) error {
	l.logger.Info("asset created",
		zap.String("asset_id", asset.ID.String()),
		zap.String("owner_type", asset.OwnerType),
		zap.String("owner_id", asset.OwnerID.String()),
		zap.String("mime_type", asset.MimeType),
		zap.String("origin", string(asset.Origin)),
	)
	return nil
}

func (l *LoggingEventSink) DerivativesReady(ctx context.Context, asset *MediaAsset) error {
	variants := make([]string, 0, len(asset.Derivatives))
	for name := range asset.Derivatives {
		variants = append(variants, name)
	}
	l.logger.Info("derivatives ready",
		zap.String("asset_id", asset.ID.String()),
		zap.Strings("variants", variants),
	)
	return nil
}

func (l *LoggingEventSink) SyncCompleted(ctx context.Context, dest DestinationID, ownerType string, ownerID uuid.UUID, summary map[string]any) error {
	l.logger.Info("sync completed",
		zap.String("destination", string(dest)),
		zap.String("owner_type", ownerType),
		zap.String("owner_id", ownerID.String()),
		zap.Any("summary", summary),
	)
	return nil
}

// StaticOwners is an in-memory OwnerLookup, useful for tests and the CLI.
type StaticOwners struct {
	mu     sync.RWMutex
	owners map[string]*Owner
}

// NewStaticOwners creates a lookup pre-populated with owners
func NewStaticOwners(owners ...*Owner) *StaticOwners {
	s := &StaticOwners{owners: make(map[string]*Owner)}
	for _, o := range owners {
		s.Put(o)
	}
	return s
}

// Put adds or replaces an owner
func (s *StaticOwners) Put(owner *Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[ownerKey(owner.Type, owner.ID)] = owner
}

// Remove deletes an owner, simulating deletion mid-flight
func (s *StaticOwners) Remove(ownerType string, ownerID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owners, ownerKey(ownerType, ownerID))
}

// FindOwner returns a copy of the owner, or nil when unknown
func (s *StaticOwners) FindOwner(ctx context.Context, ownerType string, ownerID uuid.UUID) (*Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owners[ownerKey(ownerType, ownerID)]
	if !ok {
		return nil, nil
	}
	cp := *o
	cp.RemoteIDs = make(map[DestinationID]string, len(o.RemoteIDs))
	for k, v := range o.RemoteIDs {
		cp.RemoteIDs[k] = v
	}
	return &cp, nil
}

func ownerKey(ownerType string, ownerID uuid.UUID) string {
	return ownerType + ":" + ownerID.String()
}
