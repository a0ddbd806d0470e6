// Package progress tracks the progress of pipeline jobs keyed by job id.
//
// A record is created by the stage that owns the job, updated after every
// item and closed exactly once. Observers such as a UI poller read records
// through Tracker.Get while the owning job keeps writing.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a progress record.
type Status string

// Status constants (typed).
const (
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
	StatusAwaitingResolution Status = "awaiting_resolution"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAwaitingResolution
}

// ItemError is a failure of one item inside a job.
type ItemError struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// Record is the progress of one job execution.
type Record struct {
	JobID      string         `json:"job_id"`
	JobType    string         `json:"job_type"`
	Total      int            `json:"total"`
	Processed  int            `json:"processed"`
	Errors     []ItemError    `json:"errors"`
	Status     Status         `json:"status"`
	Summary    map[string]any `json:"summary,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy that callers may modify freely.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Errors = append([]ItemError(nil), r.Errors...)
	if r.Summary != nil {
		cp.Summary = make(map[string]any, len(r.Summary))
		for k, v := range r.Summary {
			cp.Summary[k] = v
		}
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// FirstErrors returns at most n item errors, for compact job listings.
func (r *Record) FirstErrors(n int) []ItemError {
	if n <= 0 || len(r.Errors) <= n {
		return r.Errors
	}
	return r.Errors[:n]
}

// ErrJobNotFound indicates no record exists for the job id
var ErrJobNotFound = errors.New("job not found")

// DuplicateJobError is returned by Start when the job id is already in use.
type DuplicateJobError struct {
	JobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("progress record for job %s already exists", e.JobID)
}
