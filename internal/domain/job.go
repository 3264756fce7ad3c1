package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusQueued     = "queued"
	JobStatusGenerating = "generating"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

type JobType string

const (
	JobTypeStory       JobType = "story"
	JobTypeCharacter   JobType = "character_image"
	JobTypeLocation    JobType = "location_image"
	JobTypeKeyMoment   JobType = "key_moment_image"
	JobTypeSceneImages JobType = "scene_images"
	JobTypeAssetImage  JobType = "asset_image"
	JobTypeClip        JobType = "clip"
	JobTypeFilm        JobType = "film"
)

// Category groups job types by the provider class they exercise.
type Category string

const (
	CategoryText  Category = "text"
	CategoryImage Category = "image"
	CategoryVideo Category = "video"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeStory, JobTypeCharacter, JobTypeLocation, JobTypeKeyMoment,
		JobTypeSceneImages, JobTypeAssetImage, JobTypeClip, JobTypeFilm:
		return true
	}
	return false
}

func (t JobType) Category() Category {
	switch t {
	case JobTypeStory:
		return CategoryText
	case JobTypeClip, JobTypeFilm:
		return CategoryVideo
	default:
		return CategoryImage
	}
}

var ErrInvalidTransition = errors.New("invalid job status transition")

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses are sinks.
func CanTransition(from, to string) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusGenerating || to == JobStatusFailed
	case JobStatusGenerating:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusGenerating
	default:
		return false
	}
}

var jobStatuses = []string{JobStatusQueued, JobStatusGenerating, JobStatusCompleted, JobStatusFailed}

// TransitionSources lists the statuses from which a job may move to to.
func TransitionSources(to string) []string {
	var out []string
	for _, from := range jobStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Slot identifies the logical work item a job fills. Resubmitting the same
// slot overwrites the previous job.
type Slot struct {
	GenerationID string  `json:"generation_id"`
	JobType      JobType `json:"job_type"`
	TargetID     string  `json:"target_id"`
}

func (s Slot) Key() string {
	return s.GenerationID + "/" + string(s.JobType) + "/" + s.TargetID
}

func (s Slot) String() string {
	return s.Key()
}

type Submission struct {
	GenerationID string          `json:"generation_id"`
	JobType      JobType         `json:"job_type"`
	TargetID     string          `json:"target_id"`
	Route        Route           `json:"backend_path"`
	Payload      json.RawMessage `json:"payload"`
}

func (s Submission) Slot() Slot {
	return Slot{GenerationID: s.GenerationID, JobType: s.JobType, TargetID: s.TargetID}
}

func (s Submission) Validate() error {
	if strings.TrimSpace(s.GenerationID) == "" {
		return errors.New("generation_id is required")
	}
	if !s.JobType.Valid() {
		return fmt.Errorf("unsupported job_type: %q", s.JobType)
	}
	if strings.TrimSpace(s.TargetID) == "" {
		return errors.New("target_id is required")
	}
	if strings.TrimSpace(string(s.Route)) == "" {
		return errors.New("backend_path is required")
	}
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		return errors.New("payload must be valid JSON")
	}
	return nil
}

type Job struct {
	ID           string          `json:"id"`
	GenerationID string          `json:"generation_id"`
	Type         JobType         `json:"job_type"`
	TargetID     string          `json:"target_id"`
	Route        Route           `json:"backend_path"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       string          `json:"status"`
	Result       Result          `json:"result"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (j Job) Slot() Slot {
	return Slot{GenerationID: j.GenerationID, JobType: j.Type, TargetID: j.TargetID}
}

func (j Job) Terminal() bool {
	return IsTerminal(j.Status)
}

// Stale reports whether a generating job has not heartbeated since the
// threshold elapsed.
func (j Job) Stale(now time.Time, threshold time.Duration) bool {
	return j.Status == JobStatusGenerating && now.Sub(j.UpdatedAt) > threshold
}
