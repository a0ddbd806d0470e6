package mediasync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-media-sync/pkg/mediasync/worker"
)

// Retry and timeout budgets of the scheduled stages.
var (
	IntakePolicy     = worker.Policy{MaxAttempts: 1, Timeout: 600 * time.Second}
	DerivativePolicy = worker.Policy{MaxAttempts: 3, Timeout: 120 * time.Second}
	PushPolicy       = worker.Policy{MaxAttempts: 3, Timeout: 300 * time.Second}
	PullPolicy       = worker.Policy{MaxAttempts: 3, Timeout: 300 * time.Second}
)

// AttemptJobID returns the progress job id of one attempt: the job id itself
// for the first attempt, "<job>.retry-N" for later ones.
func AttemptJobID(jobID string, attempt int) string {
	if attempt <= 1 {
		return jobID
	}
	return fmt.Sprintf("%s.retry-%d", jobID, attempt-1)
}

// ownerTaskKey serializes every task that mutates one owner's assets
func ownerTaskKey(ownerType string, ownerID uuid.UUID) string {
	return "owner:" + ownerKey(ownerType, ownerID)
}

// jobError marks errors retrying cannot fix as permanent. A missing raw file
// is retried within the stage budget.
func jobError(err error) error {
	if err == nil {
		return nil
	}
	if IsPrecondition(err) || errors.Is(err, ErrAssetNotFound) {
		return worker.Permanent(err)
	}
	return err
}

// The task builders below are shared by the Schedule* and Run* paths so both
// carry the same retry and timeout budget. When out is non-nil it receives
// the result of the last attempt.

func (s *service) intakeTask(req IntakeRequest, out **IntakeResult) worker.Task {
	return worker.Task{
		Name:   JobTypeIntake,
		Key:    ownerTaskKey(req.OwnerType, req.OwnerID),
		Policy: IntakePolicy,
		Run: func(ctx context.Context, attempt int) error {
			r := req
			r.JobID = AttemptJobID(req.JobID, attempt)
			result, err := s.Intake(ctx, r)
			if out != nil {
				*out = result
			}
			return jobError(err)
		},
	}
}

func (s *service) pushTask(req PushRequest, out **PushResult) worker.Task {
	return worker.Task{
		Name:   JobTypePush,
		Key:    ownerTaskKey(req.OwnerType, req.OwnerID),
		Policy: PushPolicy,
		Run: func(ctx context.Context, attempt int) error {
			r := req
			r.JobID = AttemptJobID(req.JobID, attempt)
			result, err := s.Push(ctx, r)
			if out != nil {
				*out = result
			}
			return jobError(err)
		},
	}
}

func (s *service) pullTask(req PullRequest, out **PullResult) worker.Task {
	return worker.Task{
		Name:   JobTypePull,
		Key:    ownerTaskKey(req.OwnerType, req.OwnerID),
		Policy: PullPolicy,
		Run: func(ctx context.Context, attempt int) error {
			r := req
			r.JobID = AttemptJobID(req.JobID, attempt)
			result, err := s.Pull(ctx, r)
			if out != nil {
				*out = result
			}
			return jobError(err)
		},
	}
}

func (s *service) ScheduleIntake(ctx context.Context, req IntakeRequest) (string, error) {
	req.JobID = s.jobID(req.JobID)
	return req.JobID, s.scheduler.Submit(ctx, s.intakeTask(req, nil))
}

func (s *service) SchedulePush(ctx context.Context, req PushRequest) (string, error) {
	req.JobID = s.jobID(req.JobID)
	return req.JobID, s.scheduler.Submit(ctx, s.pushTask(req, nil))
}

func (s *service) SchedulePull(ctx context.Context, req PullRequest) (string, error) {
	req.JobID = s.jobID(req.JobID)
	return req.JobID, s.scheduler.Submit(ctx, s.pullTask(req, nil))
}

func (s *service) RunIntake(ctx context.Context, req IntakeRequest) (*IntakeResult, error) {
	req.JobID = s.jobID(req.JobID)
	var result *IntakeResult
	err := s.inline.Submit(ctx, s.intakeTask(req, &result))
	return result, err
}

func (s *service) RunPush(ctx context.Context, req PushRequest) (*PushResult, error) {
	req.JobID = s.jobID(req.JobID)
	var result *PushResult
	err := s.inline.Submit(ctx, s.pushTask(req, &result))
	return result, err
}

func (s *service) RunPull(ctx context.Context, req PullRequest) (*PullResult, error) {
	req.JobID = s.jobID(req.JobID)
	var result *PullResult
	err := s.inline.Submit(ctx, s.pullTask(req, &result))
	return result, err
}

func (s *service) ScheduleDerivatives(ctx context.Context, assetID uuid.UUID) error {
	asset, err := s.repository.GetAsset(ctx, assetID)
	if err != nil {
		return &AssetError{AssetID: assetID, Op: "schedule_derivatives", Err: err}
	}
	return s.scheduleDerivatives(ctx, asset)
}

func (s *service) scheduleDerivatives(ctx context.Context, asset *MediaAsset) error {
	assetID := asset.ID
	return s.scheduler.Submit(ctx, worker.Task{
		Name:   JobTypeDerivative,
		Key:    ownerTaskKey(asset.OwnerType, asset.OwnerID),
		Policy: DerivativePolicy,
		Run: func(ctx context.Context, attempt int) error {
			_, err := s.ProcessDerivatives(ctx, assetID)
			return jobError(err)
		},
	})
}
