package domain

type Anchor string

const (
	// AnchorFresh starts a shot from a newly generated keyframe.
	AnchorFresh Anchor = "fresh"
	// AnchorChained starts a shot from the last frame of its predecessor.
	AnchorChained Anchor = "chained"
)

const (
	ShotPending   = "pending"
	ShotRunning   = "running"
	ShotCompleted = "completed"
	ShotFailed    = "failed"
)

type Shot struct {
	Number        int     `json:"number"`
	Prompt        string  `json:"prompt"`
	Discontinuity bool    `json:"discontinuity,omitempty"`
	Anchor        Anchor  `json:"anchor,omitempty"`
	AnchorRef     string  `json:"anchor_ref,omitempty"`
	OutputRef     string  `json:"video_url,omitempty"`
	LastFrameRef  string  `json:"last_frame_url,omitempty"`
	Status        string  `json:"status,omitempty"`
	Error         string  `json:"error,omitempty"`
	CostUSD       float64 `json:"cost_usd,omitempty"`
}

type FilmRequest struct {
	FilmID     string   `json:"film_id"`
	Style      string   `json:"style,omitempty"`
	References []string `json:"reference_images,omitempty"`
	Shots      []Shot   `json:"shots"`
}
