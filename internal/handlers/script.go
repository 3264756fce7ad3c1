package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/provider"
)

type scriptMode int

const (
	scriptGenerate scriptMode = iota
	scriptRegenerate
	scriptRefineBeat
	scriptSceneDescriptions
)

type scriptPayload struct {
	Prompt    string          `json:"prompt"`
	Style     string          `json:"style"`
	Story     json.RawMessage `json:"story"`
	BeatIndex int             `json:"beat_index"`
	Feedback  string          `json:"feedback"`
}

// ScriptHandler runs the text operations: story drafting, regeneration,
// beat refinement and scene descriptions.
type ScriptHandler struct {
	deps Deps
	mode scriptMode
}

func (h *ScriptHandler) Handle(ctx context.Context, task dispatch.Task) (domain.Result, error) {
	var p scriptPayload
	if err := decodePayload(task.Job, &p); err != nil {
		return nil, err
	}
	req, key, err := h.request(p)
	if err != nil {
		return nil, err
	}

	release, err := acquire(ctx, h.deps.Limits, domain.CategoryText)
	if err != nil {
		return nil, err
	}
	defer release()

	resp, err := provider.Retry(ctx, h.deps.Retry, func(ctx context.Context) (provider.TextResponse, error) {
		return h.deps.Text.GenerateText(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("generate text: %w", err)
	}

	return domain.Result{
		key: parseText(resp.Text),
		"usage": map[string]any{
			"input_tokens":  resp.InputTokens,
			"output_tokens": resp.OutputTokens,
		},
		domain.ResultCostUSD: provider.TextCost(resp.InputTokens, resp.OutputTokens),
	}, nil
}

func (h *ScriptHandler) request(p scriptPayload) (provider.TextRequest, string, error) {
	style := p.Style
	if style == "" {
		style = "cinematic"
	}
	system := fmt.Sprintf("You are a screenwriter for short %s films. Answer with JSON only.", style)

	switch h.mode {
	case scriptGenerate:
		if strings.TrimSpace(p.Prompt) == "" {
			return provider.TextRequest{}, "", errors.New("prompt is required")
		}
		return provider.TextRequest{System: system, Prompt: p.Prompt, MaxTokens: 4096}, "story", nil
	case scriptRegenerate:
		prompt := p.Prompt
		if len(p.Story) > 0 {
			prompt = fmt.Sprintf("Rewrite this story.\nStory: %s\nNotes: %s", p.Story, p.Feedback)
		}
		if strings.TrimSpace(prompt) == "" {
			return provider.TextRequest{}, "", errors.New("prompt or story is required")
		}
		return provider.TextRequest{System: system, Prompt: prompt, MaxTokens: 4096}, "story", nil
	case scriptRefineBeat:
		if len(p.Story) == 0 {
			return provider.TextRequest{}, "", errors.New("story is required")
		}
		prompt := fmt.Sprintf("Refine beat %d of this story.\nStory: %s\nFeedback: %s", p.BeatIndex, p.Story, p.Feedback)
		return provider.TextRequest{System: system, Prompt: prompt, MaxTokens: 1024}, "beat", nil
	default:
		if len(p.Story) == 0 {
			return provider.TextRequest{}, "", errors.New("story is required")
		}
		prompt := fmt.Sprintf("Describe every scene of this story visually, one entry per beat.\nStory: %s", p.Story)
		return provider.TextRequest{System: system, Prompt: prompt, MaxTokens: 4096}, "scene_descriptions", nil
	}
}

// parseText keeps structured model output as JSON and anything else as text.
func parseText(text string) any {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		switch v.(type) {
		case map[string]any, []any:
			return v
		}
	}
	return text
}
