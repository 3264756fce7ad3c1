package domain

import (
	"encoding/json"
	"strings"
)

// Result is the JSON object a handler produces. While a job is generating it
// carries progress fields instead.
type Result map[string]any

const (
	ResultPredictionID  = "prediction_id"
	ResultPolling       = "polling"
	ResultShots         = "shots"
	ResultCostUSD       = "cost_usd"
	ResultFinalVideoURL = "final_video_url"
)

func (r Result) Clone() Result {
	if r == nil {
		return nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		out := make(Result, len(r))
		for k, v := range r {
			out[k] = v
		}
		return out
	}
	var out Result
	_ = json.Unmarshal(raw, &out)
	return out
}

func (r Result) String(key string) string {
	if r == nil {
		return ""
	}
	v, _ := r[key].(string)
	return v
}

func (r Result) Float(key string) float64 {
	if r == nil {
		return 0
	}
	switch v := r[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	}
	return 0
}

// PredictionID returns the provider handle persisted while polling.
func (r Result) PredictionID() string {
	return r.String(ResultPredictionID)
}

// Merge returns a copy of r with the fields of other applied on top.
func (r Result) Merge(other Result) Result {
	out := r.Clone()
	if out == nil {
		out = Result{}
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// InlineBinaryKeys lists any fields, at any depth, whose names mark inline
// binary content.
func (r Result) InlineBinaryKeys() []string {
	var keys []string
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, child := range t {
				path := k
				if prefix != "" {
					path = prefix + "." + k
				}
				if strings.HasSuffix(k, "_base64") {
					keys = append(keys, path)
					continue
				}
				walk(path, child)
			}
		case Result:
			walk(prefix, map[string]any(t))
		case []any:
			for _, child := range t {
				walk(prefix+"[]", child)
			}
		}
	}
	walk("", map[string]any(r))
	return keys
}
