package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

type HTTPConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   RetryPolicy
	Breaker BreakerConfig
	Client  *http.Client
}

type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenFor             time.Duration
}

// HTTPClient talks JSON to a hosted generation API. Calls go through a
// circuit breaker so a failing provider fails fast instead of piling up
// requests; caller mistakes (permanent errors) do not trip it.
type HTTPClient struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	retry   RetryPolicy
	breaker *gobreaker.CircuitBreaker
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%s: base url is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.Breaker.ConsecutiveFailures == 0 {
		cfg.Breaker.ConsecutiveFailures = 5
	}
	if cfg.Breaker.OpenFor <= 0 {
		cfg.Breaker.OpenFor = 30 * time.Second
	}
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	threshold := cfg.Breaker.ConsecutiveFailures
	return &HTTPClient{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		retry:   cfg.Retry,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    cfg.Name,
			Timeout: cfg.Breaker.OpenFor,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				return err == nil || KindOf(err) == KindPermanent
			},
		}),
	}, nil
}

func (c *HTTPClient) Name() string {
	return c.name
}

func (c *HTTPClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	return c.execute(ctx, method, c.baseURL+path, in, out)
}

// execute sends one request through the breaker. out is either a pointer
// to decode JSON into or a *[]byte for raw bodies.
func (c *HTTPClient) execute(ctx context.Context, method, url string, in, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, url, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &Error{Provider: c.name, Kind: KindTransient, Err: err}
	}
	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return &Error{Provider: c.name, Kind: KindPermanent, Err: fmt.Errorf("marshal request: %w", err)}
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &Error{Provider: c.name, Kind: KindPermanent, Err: fmt.Errorf("build request: %w", err)}
	}
	if _, raw := out.(*[]byte); !raw {
		req.Header.Set("Accept", "application/json")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{Provider: c.name, Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &Error{
			Provider:   c.name,
			Kind:       KindFromStatus(resp.StatusCode),
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}

	if out == nil {
		return nil
	}
	if raw, ok := out.(*[]byte); ok {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &Error{Provider: c.name, Kind: KindTransient, Err: fmt.Errorf("read body: %w", err)}
		}
		*raw = data
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Provider: c.name, Kind: KindTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// TextClient calls POST /v1/text.
type TextClient struct{ *HTTPClient }

func (c TextClient) GenerateText(ctx context.Context, req TextRequest) (TextResponse, error) {
	return Retry(ctx, c.retry, func(ctx context.Context) (TextResponse, error) {
		var out TextResponse
		err := c.do(ctx, http.MethodPost, "/v1/text", req, &out)
		return out, err
	})
}

// ImageClient calls POST /v1/images, which answers with base64 image data.
type ImageClient struct{ *HTTPClient }

type imageResponseBody struct {
	ImageBase64 string `json:"image_base64"`
	MimeType    string `json:"mime_type"`
}

func (c ImageClient) GenerateImage(ctx context.Context, req ImageRequest) (ImageResponse, error) {
	return Retry(ctx, c.retry, func(ctx context.Context) (ImageResponse, error) {
		var body imageResponseBody
		if err := c.do(ctx, http.MethodPost, "/v1/images", req, &body); err != nil {
			return ImageResponse{}, err
		}
		data, err := base64.StdEncoding.DecodeString(body.ImageBase64)
		if err != nil {
			return ImageResponse{}, &Error{Provider: c.name, Kind: KindTransient, Err: fmt.Errorf("decode image: %w", err)}
		}
		if body.MimeType == "" {
			body.MimeType = http.DetectContentType(data)
		}
		return ImageResponse{Data: data, MimeType: body.MimeType}, nil
	})
}

// VideoClient drives the prediction API: POST /v1/predictions starts a
// job, GET /v1/predictions/{id} reports on it.
type VideoClient struct{ *HTTPClient }

func (c VideoClient) StartVideo(ctx context.Context, req VideoRequest) (Prediction, error) {
	return Retry(ctx, c.retry, func(ctx context.Context) (Prediction, error) {
		var out Prediction
		err := c.do(ctx, http.MethodPost, "/v1/predictions", req, &out)
		if err == nil && out.ID == "" {
			err = &Error{Provider: c.name, Kind: KindTransient, Err: errors.New("prediction id missing")}
		}
		return out, err
	})
}

func (c VideoClient) VideoStatus(ctx context.Context, predictionID string) (Prediction, error) {
	var out Prediction
	err := c.do(ctx, http.MethodGet, "/v1/predictions/"+predictionID, nil, &out)
	return out, err
}

func (c VideoClient) Download(ctx context.Context, url string) ([]byte, string, error) {
	data, err := Retry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		var raw []byte
		err := c.execute(ctx, http.MethodGet, url, nil, &raw)
		return raw, err
	})
	if err != nil {
		return nil, "", err
	}
	return data, http.DetectContentType(data), nil
}
