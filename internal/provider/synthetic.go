package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"

	"github.com/dunamismax/reelflow/internal/id"
)

// Synthetic generates deterministic placeholder artifacts without any
// network access. It backs local development and tests.
type Synthetic struct {
	// PollsToFinish is how many status checks a prediction reports as
	// processing before it succeeds.
	PollsToFinish int

	mu          sync.Mutex
	predictions map[string]*syntheticPrediction
	failNext    map[string]error
}

type syntheticPrediction struct {
	req   VideoRequest
	polls int
	pred  Prediction
}

func NewSynthetic() *Synthetic {
	return &Synthetic{
		PollsToFinish: 2,
		predictions:   make(map[string]*syntheticPrediction),
		failNext:      make(map[string]error),
	}
}

// FailNext makes the next call to op ("text", "image", "start", "status",
// "download") return err.
func (s *Synthetic) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

func (s *Synthetic) takeFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.failNext[op]
	delete(s.failNext, op)
	return err
}

func (s *Synthetic) GenerateText(ctx context.Context, req TextRequest) (TextResponse, error) {
	if err := ctx.Err(); err != nil {
		return TextResponse{}, err
	}
	if err := s.takeFailure("text"); err != nil {
		return TextResponse{}, err
	}
	prompt := strings.TrimSpace(req.Prompt)
	text := fmt.Sprintf(`{"title":%q,"logline":"A story about %s","beats":["setup","turn","climax"]}`, titleFrom(prompt), prompt)
	return TextResponse{
		Text:         text,
		InputTokens:  len(strings.Fields(req.System + " " + prompt)),
		OutputTokens: len(strings.Fields(text)),
	}, nil
}

func (s *Synthetic) GenerateImage(ctx context.Context, req ImageRequest) (ImageResponse, error) {
	if err := ctx.Err(); err != nil {
		return ImageResponse{}, err
	}
	if err := s.takeFailure("image"); err != nil {
		return ImageResponse{}, err
	}
	data, err := placeholderPNG(req.Prompt, 64, 36)
	if err != nil {
		return ImageResponse{}, err
	}
	return ImageResponse{Data: data, MimeType: "image/png"}, nil
}

func (s *Synthetic) StartVideo(ctx context.Context, req VideoRequest) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	if err := s.takeFailure("start"); err != nil {
		return Prediction{}, err
	}
	pred := Prediction{ID: "pred-" + id.New(), Status: StatusStarting}

	s.mu.Lock()
	s.predictions[pred.ID] = &syntheticPrediction{req: req, pred: pred}
	s.mu.Unlock()
	return pred, nil
}

func (s *Synthetic) VideoStatus(ctx context.Context, predictionID string) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}
	if err := s.takeFailure("status"); err != nil {
		return Prediction{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[predictionID]
	if !ok {
		return Prediction{}, &Error{Provider: "synthetic", Kind: KindPermanent, Status: 404, Err: errors.New("prediction not found")}
	}
	if p.pred.Done() {
		return p.pred, nil
	}
	p.polls++
	if p.polls >= s.PollsToFinish {
		p.pred.Status = StatusSucceeded
		p.pred.OutputURL = "synthetic://video/" + predictionID + ".mp4"
		if p.req.ReturnLastFrame {
			p.pred.LastFrameURL = "synthetic://frame/" + predictionID + ".png"
		}
	} else {
		p.pred.Status = StatusProcessing
	}
	return p.pred, nil
}

// Resolve forces a prediction into a final state; used to simulate work
// that finished while nobody was watching.
func (s *Synthetic) Resolve(predictionID, status, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.predictions[predictionID]
	if !ok {
		p = &syntheticPrediction{pred: Prediction{ID: predictionID}}
		s.predictions[predictionID] = p
	}
	p.pred.Status = status
	p.pred.Error = errMsg
	if status == StatusSucceeded {
		p.pred.OutputURL = "synthetic://video/" + predictionID + ".mp4"
		p.pred.LastFrameURL = "synthetic://frame/" + predictionID + ".png"
	}
}

func (s *Synthetic) Download(ctx context.Context, url string) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if err := s.takeFailure("download"); err != nil {
		return nil, "", err
	}
	switch {
	case strings.HasPrefix(url, "synthetic://video/"):
		return []byte("\x00\x00\x00\x18ftypmp42" + url), "video/mp4", nil
	case strings.HasPrefix(url, "synthetic://frame/"):
		data, err := placeholderPNG(url, 32, 18)
		return data, "image/png", err
	}
	return nil, "", &Error{Provider: "synthetic", Kind: KindPermanent, Status: 404, Err: fmt.Errorf("unknown artifact %s", url)}
}

func placeholderPNG(seed string, w, h int) ([]byte, error) {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(seed))
	sum := hash.Sum32()
	fill := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode placeholder: %w", err)
	}
	return buf.Bytes(), nil
}

func titleFrom(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 4 {
		words = words[:4]
	}
	if len(words) == 0 {
		return "Untitled"
	}
	return strings.Join(words, " ")
}
