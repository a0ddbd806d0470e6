// Package worker runs pipeline tasks either deferred on a retrying pool or
// immediately in the caller's goroutine. Both satisfy Scheduler, so the
// pipeline never branches on the execution mode.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the retry and timeout budget of a task.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Task is one unit of work. Run receives the 1-based attempt number.
type Task struct {
	Name string
	// Key serializes tasks: tasks sharing a non-empty key never run concurrently.
	Key    string
	Policy Policy
	Run    func(ctx context.Context, attempt int) error
}

// Scheduler accepts tasks for execution.
type Scheduler interface {
	Submit(ctx context.Context, task Task) error
}

// ErrPoolClosed is returned when submitting to a closed pool
var ErrPoolClosed = errors.New("worker pool closed")

// ErrQueueFull is returned when the pool's queue is at capacity
var ErrQueueFull = errors.New("worker queue full")

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// unwrapPermanent strips the Permanent marker.
func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// runAttempt executes one attempt bounded by the task timeout. Panics are
// converted into errors so a broken task cannot take a worker down.
func runAttempt(parent context.Context, task Task, attempt int) (err error) {
	ctx := parent
	if task.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, task.Policy.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v\n%s", task.Name, r, debug.Stack())
		}
	}()

	return task.Run(ctx, attempt)
}
