package mediasync

import (
	"context"
)

type itemOutcome int

const (
	itemDone itemOutcome = iota
	itemSkipped
)

// batchResult accumulates per-item outcomes of a stage
type batchResult struct {
	Done    int
	Skipped int
	Errors  []ItemError
	// Err is set when the batch stopped early because ctx ended
	Err error
}

// runBatch applies step to every item in order. A failing item is recorded
// and the batch continues with the next one. report is called after each
// item with the number processed so far and the errors that item produced.
func runBatch[T any](ctx context.Context, items []T, label func(T) string,
	step func(context.Context, T) (itemOutcome, error),
	report func(processed int, newErrors []ItemError)) batchResult {

	var res batchResult
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		var newErrors []ItemError
		outcome, err := step(ctx, item)
		switch {
		case err != nil:
			ie := ItemError{Item: label(item), Error: err.Error()}
			res.Errors = append(res.Errors, ie)
			newErrors = []ItemError{ie}
		case outcome == itemSkipped:
			res.Skipped++
		default:
			res.Done++
		}

		if report != nil {
			report(i+1, newErrors)
		}
	}
	return res
}

// progressReporter adapts the tracker to runBatch's report callback
func (s *service) progressReporter(ctx context.Context, jobID string) func(int, []ItemError) {
	return func(processed int, newErrors []ItemError) {
		s.tracker.Update(ctx, jobID, processed, newErrors)
	}
}
