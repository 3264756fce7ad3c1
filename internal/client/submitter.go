package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// DefaultSubmitDelays are the waits between submission attempts. A
// transient failure is retried once per entry.
var DefaultSubmitDelays = []time.Duration{1500 * time.Millisecond, 3 * time.Second, 6 * time.Second}

// SubmissionError is a failed API call. Permanent errors (4xx other than
// 429) are never retried.
type SubmissionError struct {
	Status    int
	Message   string
	Permanent bool
	Err       error
}

func (e *SubmissionError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("request failed: %s", e.Message)
	}
	return fmt.Sprintf("request failed (status=%d): %s", e.Status, e.Message)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a submission error that must not be
// retried.
func IsPermanent(err error) bool {
	var serr *SubmissionError
	return errors.As(err, &serr) && serr.Permanent
}

type Submitter struct {
	api    *Client
	delays []time.Duration
	logger zerolog.Logger
}

func NewSubmitter(api *Client, logger zerolog.Logger, delays ...time.Duration) *Submitter {
	if len(delays) == 0 {
		delays = DefaultSubmitDelays
	}
	return &Submitter{
		api:    api,
		delays: append([]time.Duration(nil), delays...),
		logger: logger.With().Str("component", "submitter").Logger(),
	}
}

// Submit posts sub and returns the job id the server assigned to its slot.
func (s *Submitter) Submit(ctx context.Context, sub Submission) (string, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		jobID, err := s.api.submitOnce(ctx, sub)
		if err == nil {
			return jobID, nil
		}
		if ctx.Err() != nil || IsPermanent(err) {
			return "", backoff.Permanent(err)
		}
		s.logger.Warn().Err(err).
			Int("attempt", attempt).
			Str("generation_id", sub.GenerationID).
			Str("job_type", string(sub.JobType)).
			Str("target_id", sub.TargetID).
			Msg("submission failed, retrying")
		return "", err
	}, backoff.WithBackOff(&sequenceBackOff{delays: s.delays}), backoff.WithMaxTries(uint(len(s.delays)+1)), backoff.WithMaxElapsedTime(0))
}

// sequenceBackOff replays a fixed list of delays and then stops.
type sequenceBackOff struct {
	delays []time.Duration
	next   int
}

func (b *sequenceBackOff) NextBackOff() time.Duration {
	if b.next >= len(b.delays) {
		return backoff.Stop
	}
	d := b.delays[b.next]
	b.next++
	return d
}

func (b *sequenceBackOff) Reset() {
	b.next = 0
}
