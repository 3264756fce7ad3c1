package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/reelflow/internal/domain"
)

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewClient builds a resume task producer. timeout bounds one resume attempt
// in the worker and should exceed the provider poll timeout.
func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: timeout,
	}
}

func (c *Client) EnqueueResume(ctx context.Context, payload ResumeJobPayload) (*asynq.TaskInfo, error) {
	task, err := NewResumeJobTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(TaskID(payload)),
		asynq.MaxRetry(3),
		asynq.Timeout(c.timeout),
	)
}

// Resume hands job to the worker fleet. A resume already queued for the same
// handle counts as success.
func (c *Client) Resume(ctx context.Context, job domain.Job) error {
	_, err := c.EnqueueResume(ctx, ResumeJobPayload{
		JobID:        job.ID,
		JobType:      job.Type,
		PredictionID: job.Result.PredictionID(),
		RequestedAt:  time.Now().UTC(),
	})
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func (c *Client) Close() error {
	return c.client.Close()
}
