package worker

import (
	"context"

	"go.uber.org/zap"
)

// Immediate runs each task synchronously with exactly one attempt, still
// bounded by the task timeout. It is used when no persistent worker exists.
type Immediate struct {
	logger *zap.Logger
}

// NewImmediate creates an immediate scheduler
func NewImmediate(logger *zap.Logger) *Immediate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Immediate{logger: logger.Named("worker")}
}

// Submit runs the task and returns its error.
func (i *Immediate) Submit(ctx context.Context, task Task) error {
	err := runAttempt(ctx, task, 1)
	if err != nil {
		i.logger.Warn("task failed",
			zap.String("task", task.Name),
			zap.String("key", task.Key),
			zap.Error(err),
		)
	}
	return unwrapPermanent(err)
}

var _ Scheduler = (*Immediate)(nil)
