package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dunamismax/reelflow/internal/dispatch"
	"github.com/dunamismax/reelflow/internal/domain"
)

// jobView is the wire shape of a job row. Payload stays server side and an
// absent result or error is an explicit null.
type jobView struct {
	ID           string         `json:"id"`
	GenerationID string         `json:"generation_id"`
	JobType      domain.JobType `json:"job_type"`
	TargetID     string         `json:"target_id"`
	Status       string         `json:"status"`
	Result       domain.Result  `json:"result"`
	ErrorMessage *string        `json:"error_message"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func newJobView(job domain.Job) jobView {
	v := jobView{
		ID:           job.ID,
		GenerationID: job.GenerationID,
		JobType:      job.Type,
		TargetID:     job.TargetID,
		Status:       job.Status,
		Result:       job.Result,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
	if job.ErrorMessage != "" {
		msg := job.ErrorMessage
		v.ErrorMessage = &msg
	}
	return v
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var sub domain.Submission
	if err := decodeJSON(r, &sub); err != nil {
		s.metrics.submission(sub.JobType, "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.dispatcher.Submit(r.Context(), sub)
	if err != nil {
		status, outcome := submitErrorStatus(err)
		s.metrics.submission(sub.JobType, outcome)
		if status == http.StatusInternalServerError {
			s.logger.Error().Err(err).
				Str("generation_id", sub.GenerationID).
				Str("job_type", string(sub.JobType)).
				Str("target_id", sub.TargetID).
				Msg("submit job failed")
			writeError(w, status, "failed to submit job")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	s.metrics.submission(job.Type, "accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func submitErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, dispatch.ErrInvalidSubmission):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, dispatch.ErrRouteNotFound):
		return http.StatusNotFound, "unknown_route"
	case errors.Is(err, dispatch.ErrSlotBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, dispatch.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("fetch job failed")
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleListGenerationJobs(w http.ResponseWriter, r *http.Request) {
	generationID := chi.URLParam(r, "generationID")
	jobs, err := s.store.ListByGeneration(r.Context(), generationID)
	if err != nil {
		s.logger.Error().Err(err).Str("generation_id", generationID).Msg("list jobs failed")
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleGetFinalFilm reports the assembled cut of a film once its job has
// completed.
func (s *Server) handleGetFinalFilm(w http.ResponseWriter, r *http.Request) {
	slot := domain.Slot{
		GenerationID: chi.URLParam(r, "generationID"),
		JobType:      domain.JobTypeFilm,
		TargetID:     chi.URLParam(r, "filmID"),
	}
	job, ok, err := s.store.GetBySlot(r.Context(), slot)
	if err != nil {
		s.logger.Error().Err(err).Str("slot", slot.Key()).Msg("fetch film failed")
		writeError(w, http.StatusInternalServerError, "failed to load film")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "film not found")
		return
	}
	if job.Status != domain.JobStatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "film is not ready",
			"status": job.Status,
		})
		return
	}
	finalURL := job.Result.String(domain.ResultFinalVideoURL)
	if finalURL == "" {
		writeError(w, http.StatusNotFound, "film has no assembled video")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":          job.ID,
		"film_id":         slot.TargetID,
		"final_video_url": finalURL,
		"cost_usd":        job.Result.Float(domain.ResultCostUSD),
	})
}
