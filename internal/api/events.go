package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/go-chi/chi/v5"

	"github.com/dunamismax/reelflow/internal/feed"
)

// handleEvents streams job changes for one generation as Server-Sent Events.
// Current rows are replayed first so a reconnecting client catches up
// without a separate fetch.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	generationID := chi.URLParam(r, "generationID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx := r.Context()
	events, err := s.feed.Subscribe(ctx, generationID)
	if err != nil {
		s.logger.Error().Err(err).Str("generation_id", generationID).Msg("subscribe to feed failed")
		writeError(w, http.StatusServiceUnavailable, "change feed unavailable")
		return
	}

	jobs, err := s.store.ListByGeneration(ctx, generationID)
	if err != nil {
		s.logger.Error().Err(err).Str("generation_id", generationID).Msg("list jobs for replay failed")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for _, job := range jobs {
		if err := writeEvent(w, feed.Event{Type: feed.EventUpdate, Job: job, At: job.UpdatedAt}); err != nil {
			return
		}
	}
	flusher.Flush()
	s.metrics.streamOpened()
	defer s.metrics.streamClosed()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// retryMillis tells EventSource clients how long to wait before reconnecting.
const retryMillis = 3000

func writeEvent(w http.ResponseWriter, ev feed.Event) error {
	return sse.Encode(w, sse.Event{
		Id:    ev.Job.ID,
		Event: "job",
		Retry: retryMillis,
		Data:  feedEvent{Type: ev.Type, Job: newJobView(ev.Job), At: ev.At},
	})
}

type feedEvent struct {
	Type feed.EventType `json:"type"`
	Job  jobView        `json:"job"`
	At   time.Time      `json:"at"`
}
