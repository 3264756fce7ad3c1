package domain

import (
	"errors"
	"strings"
	"time"
)

const (
	GenerationDrafting  = "drafting"
	GenerationVisuals   = "visuals"
	GenerationPreflight = "preflight"
	GenerationFilming   = "filming"
	GenerationReady     = "ready"
	GenerationFailed    = "failed"
)

func ValidGenerationStatus(status string) bool {
	switch status {
	case GenerationDrafting, GenerationVisuals, GenerationPreflight,
		GenerationFilming, GenerationReady, GenerationFailed:
		return true
	}
	return false
}

// Snapshot is the persisted projection of a generation's completed jobs.
// It holds references to stored artifacts, never the artifacts.
type Snapshot struct {
	Story         Result            `json:"story,omitempty"`
	Images        map[string]Result `json:"images,omitempty"`
	Clips         map[string]Result `json:"clips,omitempty"`
	Film          Result            `json:"film,omitempty"`
	AppliedJobIDs []string          `json:"applied_job_ids,omitempty"`
}

func (s Snapshot) Applied(jobID string) bool {
	for _, id := range s.AppliedJobIDs {
		if id == jobID {
			return true
		}
	}
	return false
}

type Generation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Style        string    `json:"style"`
	Status       string    `json:"status"`
	Snapshot     Snapshot  `json:"snapshot"`
	FilmID       string    `json:"film_id,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CostTotal    float64   `json:"cost_total"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type CreateGenerationRequest struct {
	Title string `json:"title"`
	Style string `json:"style"`
}

func (r CreateGenerationRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("title is required")
	}
	return nil
}

// GenerationPatch carries the metadata fields a client may edit directly.
type GenerationPatch struct {
	Title        *string `json:"title,omitempty"`
	Style        *string `json:"style,omitempty"`
	ThumbnailURL *string `json:"thumbnail_url,omitempty"`
}

func (p GenerationPatch) Apply(g Generation) Generation {
	if p.Title != nil {
		g.Title = *p.Title
	}
	if p.Style != nil {
		g.Style = *p.Style
	}
	if p.ThumbnailURL != nil {
		g.ThumbnailURL = *p.ThumbnailURL
	}
	return g
}

// Projection is the derived state written back after the client applies job
// completions.
type Projection struct {
	Status    string   `json:"status"`
	Snapshot  Snapshot `json:"snapshot"`
	CostTotal float64  `json:"cost_total"`
	FilmID    string   `json:"film_id,omitempty"`
}

func (p Projection) Validate() error {
	if p.Status != "" && !ValidGenerationStatus(p.Status) {
		return errors.New("unsupported generation status: " + p.Status)
	}
	if p.CostTotal < 0 {
		return errors.New("cost_total must be non-negative")
	}
	return nil
}

// GenerationSummary is the listing view of a generation.
type GenerationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CostTotal    float64   `json:"cost_total"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (g Generation) Summary() GenerationSummary {
	return GenerationSummary{
		ID:           g.ID,
		Title:        g.Title,
		Status:       g.Status,
		ThumbnailURL: g.ThumbnailURL,
		CostTotal:    g.CostTotal,
		UpdatedAt:    g.UpdatedAt,
	}
}
