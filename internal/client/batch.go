package client

import (
	"context"

	"golang.org/x/sync/errgroup"
)

const DefaultBatchLimit = 3

type BatchResult struct {
	Submission Submission
	JobID      string
	Err        error
}

// Batch submits subs with at most limit requests in flight. One failed item
// does not stop the others; results keep the input order.
func Batch(ctx context.Context, s *Submitter, subs []Submission, limit int) []BatchResult {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}
	results := make([]BatchResult, len(subs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, sub := range subs {
		g.Go(func() error {
			jobID, err := s.Submit(ctx, sub)
			results[i] = BatchResult{Submission: sub, JobID: jobID, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
