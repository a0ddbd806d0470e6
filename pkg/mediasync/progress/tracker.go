package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// errUnchanged aborts a Mutate without writing.
var errUnchanged = errors.New("progress: unchanged")

// Tracker is the bookkeeping service used by every pipeline stage.
// Apart from Start, its methods never return errors: a missing or broken
// progress record must not abort the stage that reports into it.
type Tracker struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger used for swallowed failures
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker over store. A nil store means in-memory.
func NewTracker(store Store, opts ...Option) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	t := &Tracker{
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("progress")
	return t
}

// Start opens a running record with processed=0 and no errors.
func (t *Tracker) Start(ctx context.Context, jobID, jobType string, total int) error {
	if total < 0 {
		total = 0
	}
	now := t.now()
	rec := &Record{
		JobID:     jobID,
		JobType:   jobType,
		Total:     total,
		Errors:    []ItemError{},
		Status:    StatusRunning,
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := t.store.Create(ctx, rec); err != nil {
		return err
	}
	t.logger.Debug("job started", zap.String("job_id", jobID), zap.String("job_type", jobType), zap.Int("total", total))
	return nil
}

// Update raises processed (lower values are ignored, the value is clamped to
// total) and appends newErrors. Unknown or finished jobs are a logged no-op.
func (t *Tracker) Update(ctx context.Context, jobID string, processed int, newErrors []ItemError) {
	err := t.store.Mutate(ctx, jobID, func(rec *Record) error {
		if rec.Status.Terminal() {
			return errUnchanged
		}
		if processed > rec.Total {
			processed = rec.Total
		}
		changed := false
		if processed > rec.Processed {
			rec.Processed = processed
			changed = true
		}
		if len(newErrors) > 0 {
			rec.Errors = append(rec.Errors, newErrors...)
			changed = true
		}
		if !changed {
			return errUnchanged
		}
		rec.UpdatedAt = t.now()
		return nil
	})
	t.swallow("update", jobID, err)
}

// Complete closes the record successfully with summary.
func (t *Tracker) Complete(ctx context.Context, jobID string, summary map[string]any) {
	t.finish(ctx, jobID, StatusCompleted, summary, "")
}

// Fail closes the record as failed with reason.
func (t *Tracker) Fail(ctx context.Context, jobID string, reason string) {
	t.finish(ctx, jobID, StatusFailed, nil, reason)
}

// AwaitResolution closes the record as waiting for a manual decision.
func (t *Tracker) AwaitResolution(ctx context.Context, jobID string, summary map[string]any) {
	t.finish(ctx, jobID, StatusAwaitingResolution, summary, "")
}

func (t *Tracker) finish(ctx context.Context, jobID string, status Status, summary map[string]any, reason string) {
	err := t.store.Mutate(ctx, jobID, func(rec *Record) error {
		if rec.Status.Terminal() {
			return errUnchanged
		}
		now := t.now()
		rec.Status = status
		rec.Summary = summary
		rec.Reason = reason
		rec.UpdatedAt = now
		rec.FinishedAt = &now
		return nil
	})
	if err == nil {
		t.logger.Debug("job finished", zap.String("job_id", jobID), zap.String("status", string(status)))
	}
	t.swallow(string(status), jobID, err)
}

func (t *Tracker) swallow(op, jobID string, err error) {
	switch {
	case err == nil, errors.Is(err, errUnchanged):
	case errors.Is(err, ErrJobNotFound):
		t.logger.Warn("progress record not found", zap.String("op", op), zap.String("job_id", jobID))
	default:
		t.logger.Error("failed to write progress record", zap.String("op", op), zap.String("job_id", jobID), zap.Error(err))
	}
}

// Get returns a snapshot of the record for observers.
func (t *Tracker) Get(ctx context.Context, jobID string) (*Record, error) {
	return t.store.Get(ctx, jobID)
}

// List returns up to limit recent records, newest first.
func (t *Tracker) List(ctx context.Context, limit int) ([]*Record, error) {
	return t.store.List(ctx, limit)
}
