package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/reelflow/internal/domain"
)

const TypeResumeJob = "job:resume"

type ResumeJobPayload struct {
	JobID        string         `json:"job_id"`
	JobType      domain.JobType `json:"job_type"`
	PredictionID string         `json:"prediction_id"`
	RequestedAt  time.Time      `json:"requested_at"`
}

func NewResumeJobTask(payload ResumeJobPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal resume payload: %w", err)
	}
	return asynq.NewTask(TypeResumeJob, body), nil
}

func ParseResumeJobPayload(task *asynq.Task) (ResumeJobPayload, error) {
	var payload ResumeJobPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ResumeJobPayload{}, fmt.Errorf("unmarshal resume payload: %w", err)
	}
	if payload.JobID == "" {
		return ResumeJobPayload{}, fmt.Errorf("resume payload has no job_id")
	}
	return payload, nil
}

// TaskID makes a resume of the same job and provider handle unique in the
// queue, so two sweeps cannot enqueue it twice.
func TaskID(payload ResumeJobPayload) string {
	return "resume:" + payload.JobID + ":" + payload.PredictionID
}
