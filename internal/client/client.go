package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dunamismax/reelflow/internal/domain"
)

// Submission is one unit of work the client asks the server to run.
type Submission = domain.Submission

var ErrNotFound = errors.New("not found")

// Client talks to the reelflow HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userID     string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithUserID sets the header the API rate limits on.
func WithUserID(userID string) Option {
	return func(c *Client) {
		c.userID = userID
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// submitOnce posts a single submission without retrying. Non-2xx answers
// come back as *SubmissionError.
func (c *Client) submitOnce(ctx context.Context, sub Submission) (string, error) {
	var out submitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", sub, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	var job domain.Job
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &job)
	return job, err
}

func (c *Client) ListJobs(ctx context.Context, generationID string) ([]domain.Job, error) {
	var jobs []domain.Job
	err := c.do(ctx, http.MethodGet, "/v1/generations/"+url.PathEscape(generationID)+"/jobs", nil, &jobs)
	return jobs, err
}

func (c *Client) CreateGeneration(ctx context.Context, req domain.CreateGenerationRequest) (domain.Generation, error) {
	var g domain.Generation
	err := c.do(ctx, http.MethodPost, "/v1/generations", req, &g)
	return g, err
}

func (c *Client) GetGeneration(ctx context.Context, generationID string) (domain.Generation, error) {
	var g domain.Generation
	err := c.do(ctx, http.MethodGet, "/v1/generations/"+url.PathEscape(generationID), nil, &g)
	return g, err
}

func (c *Client) ListGenerations(ctx context.Context, limit int) ([]domain.GenerationSummary, error) {
	path := "/v1/generations"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out []domain.GenerationSummary
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) PatchGeneration(ctx context.Context, generationID string, patch domain.GenerationPatch) (domain.Generation, error) {
	var g domain.Generation
	err := c.do(ctx, http.MethodPatch, "/v1/generations/"+url.PathEscape(generationID), patch, &g)
	return g, err
}

func (c *Client) ApplyProjection(ctx context.Context, generationID string, p domain.Projection) (domain.Generation, error) {
	var g domain.Generation
	err := c.do(ctx, http.MethodPut, "/v1/generations/"+url.PathEscape(generationID)+"/projection", p, &g)
	return g, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &SubmissionError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func responseError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
	}
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}

	serr := &SubmissionError{
		Status:    resp.StatusCode,
		Message:   body.Error,
		Permanent: !retryableStatus(resp.StatusCode),
	}
	if resp.StatusCode == http.StatusNotFound {
		serr.Err = ErrNotFound
	}
	return serr
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}
