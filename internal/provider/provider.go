package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type TextRequest struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

type TextResponse struct {
	Text         string `json:"text"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

type ImageRequest struct {
	Prompt      string   `json:"prompt"`
	References  []string `json:"reference_images,omitempty"`
	AspectRatio string   `json:"aspect_ratio,omitempty"`
}

type ImageResponse struct {
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
}

type VideoRequest struct {
	Prompt          string `json:"prompt"`
	ImageURL        string `json:"image,omitempty"`
	DurationSeconds int    `json:"duration,omitempty"`
	ReturnLastFrame bool   `json:"return_last_frame,omitempty"`
}

const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Prediction is the provider-side handle of a long-running video job.
type Prediction struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputURL    string `json:"output,omitempty"`
	LastFrameURL string `json:"last_frame,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (p Prediction) Done() bool {
	return p.Status == StatusSucceeded || p.Status == StatusFailed || p.Status == StatusCanceled
}

type TextGenerator interface {
	GenerateText(ctx context.Context, req TextRequest) (TextResponse, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, req ImageRequest) (ImageResponse, error)
}

type VideoGenerator interface {
	StartVideo(ctx context.Context, req VideoRequest) (Prediction, error)
	VideoStatus(ctx context.Context, predictionID string) (Prediction, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

type Kind int

const (
	KindTransient Kind = iota
	KindRateLimited
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status=%d): %v", e.Provider, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func KindFromStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindTransient
	}
}

// KindOf classifies any error. Unclassified errors are treated as transient
// unless the context ended.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindTransient
}

func Retryable(err error) bool {
	return err != nil && KindOf(err) != KindPermanent
}
