package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/feed"
	"github.com/dunamismax/reelflow/internal/logging"
	"github.com/dunamismax/reelflow/internal/postprocess"
	"github.com/dunamismax/reelflow/internal/ratelimit"
	"github.com/dunamismax/reelflow/internal/storage"
	"github.com/dunamismax/reelflow/internal/store"
)

type routeTable map[domain.Route]dispatch.Handler

func (t routeTable) Resolve(route domain.Route) (dispatch.Handler, error) {
	h, ok := t[route]
	if !ok {
		return nil, dispatch.ErrRouteNotFound
	}
	return h, nil
}

type fixture struct {
	store  *store.MemoryStore
	hub    *feed.Hub
	server *Server
}

func newFixture(t *testing.T, opts Options, routes routeTable) *fixture {
	t.Helper()
	if routes == nil {
		routes = routeTable{
			domain.RouteStoryGenerate: dispatch.HandlerFunc(func(ctx context.Context, task dispatch.Task) (domain.Result, error) {
				return domain.Result{"story": map[string]any{"title": "Night Train"}, "cost_usd": 0.01}, nil
			}),
			domain.RouteClipGenerate: dispatch.HandlerFunc(func(ctx context.Context, task dispatch.Task) (domain.Result, error) {
				return nil, errors.New("provider exploded")
			}),
		}
	}
	f := &fixture{store: store.NewMemoryStore(), hub: feed.NewHub()}
	completer := dispatch.NewCompleter(f.store, postprocess.New(storage.NewMemoryStore(), logging.Nop()), f.hub, logging.Nop())
	d := dispatch.New(dispatch.DefaultConfig(), f.store, routes, completer, dispatch.NewMetrics(nil), logging.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	f.server = NewServer(logging.Nop(), d, f.store, f.hub, opts)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func storySubmission(target string) map[string]any {
	return map[string]any{
		"generation_id": "gen-1",
		"job_type":      "story",
		"target_id":     target,
		"backend_path":  "/story/generate",
		"payload":       map[string]any{"prompt": "a night train"},
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitJobAndReadBack(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(t, http.MethodPost, "/v1/jobs", storySubmission("story"))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted["job_id"])
	assert.Equal(t, domain.JobStatusGenerating, accepted["status"])

	var view map[string]any
	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/v1/jobs/"+accepted["job_id"], nil)
		if rec.Code != http.StatusOK {
			return false
		}
		view = nil
		_ = json.Unmarshal(rec.Body.Bytes(), &view)
		return view["status"] == domain.JobStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "story", view["job_type"])
	assert.Nil(t, view["error_message"])
	assert.NotContains(t, view, "payload")

	rec = f.do(t, http.MethodGet, "/v1/generations/gen-1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, accepted["job_id"], list[0]["id"])

	rec = f.do(t, http.MethodGet, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFinalFilm(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	ctx := context.Background()
	film := func(target string) domain.Job {
		job, err := f.store.Upsert(ctx, domain.Submission{
			GenerationID: "gen-1",
			JobType:      domain.JobTypeFilm,
			TargetID:     target,
			Route:        domain.RouteFilmGenerate,
		})
		require.NoError(t, err)
		return job
	}

	rec := f.do(t, http.MethodGet, "/v1/generations/gen-1/films/film-1/final", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	job := film("film-1")
	rec = f.do(t, http.MethodGet, "/v1/generations/gen-1/films/film-1/final", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), domain.JobStatusGenerating)

	_, err := f.store.Complete(ctx, job.ID, domain.Result{
		domain.ResultFinalVideoURL: "https://cdn/gen-1/film/film-1/final.mp4",
		domain.ResultCostUSD:       0.528,
	})
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/v1/generations/gen-1/films/film-1/final", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "https://cdn/gen-1/film/film-1/final.mp4", body["final_video_url"])
	assert.Equal(t, job.ID, body["job_id"])

	unassembled := film("film-2")
	_, err = f.store.Complete(ctx, unassembled.ID, domain.Result{"shots": []any{}})
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/v1/generations/gen-1/films/film-2/final", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitJobFailureIsVisible(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"generation_id": "gen-1",
		"job_type":      "clip",
		"target_id":     "scene-1",
		"backend_path":  "/film/generate-clip",
		"payload":       map[string]any{},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		rec := f.do(t, http.MethodGet, "/v1/generations/gen-1/jobs", nil)
		var list []map[string]any
		_ = json.Unmarshal(rec.Body.Bytes(), &list)
		return len(list) == 1 && list[0]["status"] == domain.JobStatusFailed &&
			list[0]["error_message"] == "provider exploded" && list[0]["result"] == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitJobRejections(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{name: "unknown route", body: map[string]any{
			"generation_id": "gen-1", "job_type": "story", "target_id": "story", "backend_path": "/story/teleport",
		}, want: http.StatusNotFound},
		{name: "missing target", body: map[string]any{
			"generation_id": "gen-1", "job_type": "story", "backend_path": "/story/generate",
		}, want: http.StatusBadRequest},
		{name: "unknown job type", body: map[string]any{
			"generation_id": "gen-1", "job_type": "podcast", "target_id": "x", "backend_path": "/story/generate",
		}, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"generation_id":"gen-1","surprise":true}`, want: http.StatusBadRequest},
		{name: "two values", body: `{"generation_id":"gen-1"}{}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/jobs", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	jobs, err := f.store.ListByGeneration(context.Background(), "gen-1")
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected submissions write nothing")
}

func TestGenerationLifecycle(t *testing.T) {
	f := newFixture(t, Options{}, nil)

	rec := f.do(t, http.MethodPost, "/v1/generations", map[string]any{"title": "Night Train", "style": "noir"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var g domain.Generation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	require.NotEmpty(t, g.ID)
	assert.Equal(t, domain.GenerationDrafting, g.Status)

	rec = f.do(t, http.MethodPatch, "/v1/generations/"+g.ID, map[string]any{"thumbnail_url": "https://cdn/thumb.png"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPatch, "/v1/generations/"+g.ID, map[string]any{"status": "ready"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "status is not patchable")

	rec = f.do(t, http.MethodPut, "/v1/generations/"+g.ID+"/projection", domain.Projection{
		Status:    domain.GenerationVisuals,
		CostTotal: 0.08,
		Snapshot: domain.Snapshot{
			Images:        map[string]domain.Result{"char-1": {"image_url": "mem://a.png"}},
			AppliedJobIDs: []string{"job-1"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/generations/"+g.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &g))
	assert.Equal(t, domain.GenerationVisuals, g.Status)
	assert.Equal(t, "https://cdn/thumb.png", g.ThumbnailURL)
	assert.InDelta(t, 0.08, g.CostTotal, 1e-9)
	assert.True(t, g.Snapshot.Applied("job-1"))

	rec = f.do(t, http.MethodPut, "/v1/generations/"+g.ID+"/projection", map[string]any{"status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/generations?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.GenerationSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Night Train", list[0].Title)

	rec = f.do(t, http.MethodGet, "/v1/generations?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/generations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPatch, "/v1/generations/missing", map[string]any{"title": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/generations", map[string]any{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitRejectsMutations(t *testing.T) {
	limiter, err := ratelimit.NewLocalTokenBucket(0.001, 1, time.Minute)
	require.NoError(t, err)
	f := newFixture(t, Options{RateLimiter: limiter}, nil)

	first := f.do(t, http.MethodPost, "/v1/jobs", storySubmission("story-a"))
	require.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := f.do(t, http.MethodPost, "/v1/jobs", storySubmission("story-b"))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	reads := f.do(t, http.MethodGet, "/v1/generations/gen-1/jobs", nil)
	assert.Equal(t, http.StatusOK, reads.Code, "reads are not limited")
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("redis down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	f := newFixture(t, Options{RateLimiter: failingLimiter{}}, nil)
	rec := f.do(t, http.MethodPost, "/v1/jobs", storySubmission("story"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMetricsUseRoutePatterns(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	f.do(t, http.MethodGet, "/v1/jobs/abc", nil)
	f.do(t, http.MethodPost, "/v1/jobs", storySubmission("story"))

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `reelflow_api_requests_total{method="GET",route="/v1/jobs/{jobID}",status="404"} 1`)
	assert.Contains(t, body, `reelflow_api_job_submissions_total{job_type="story",outcome="accepted"} 1`)
	assert.NotContains(t, body, "/v1/jobs/abc")
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	f := newFixture(t, Options{KeepAlive: 20 * time.Millisecond}, nil)
	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	first := f.do(t, http.MethodPost, "/v1/jobs", storySubmission("story-1"))
	require.Equal(t, http.StatusAccepted, first.Code)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/generations/gen-1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	second := f.do(t, http.MethodPost, "/v1/jobs", storySubmission("story-2"))
	require.Equal(t, http.StatusAccepted, second.Code)

	seen := map[string]bool{}
	keepAlive := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ": keep-alive") {
			keepAlive = true
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev struct {
			Type string         `json:"type"`
			Job  map[string]any `json:"job"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev))
		if ev.Job["status"] == domain.JobStatusCompleted {
			seen[ev.Job["target_id"].(string)] = true
		}
		if seen["story-1"] && seen["story-2"] && keepAlive {
			break
		}
	}
	assert.True(t, seen["story-1"], "replayed row")
	assert.True(t, seen["story-2"], "live event")
	assert.True(t, keepAlive)
}
