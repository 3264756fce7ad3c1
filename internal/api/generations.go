package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/id"
	"github.com/dunamismax/reelflow/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Server) handleCreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateGenerationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g := domain.Generation{
		ID:     id.New(),
		Title:  strings.TrimSpace(req.Title),
		Style:  strings.TrimSpace(req.Style),
		Status: domain.GenerationDrafting,
	}
	if err := s.store.CreateGeneration(r.Context(), g); err != nil {
		s.logger.Error().Err(err).Str("generation_id", g.ID).Msg("create generation failed")
		writeError(w, http.StatusInternalServerError, "failed to create generation")
		return
	}

	created, ok, err := s.store.GetGeneration(r.Context(), g.ID)
	if err != nil || !ok {
		created = g
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(parsed, maxListLimit)
	}

	list, err := s.store.ListGenerations(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list generations failed")
		writeError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	generationID := chi.URLParam(r, "generationID")
	g, ok, err := s.store.GetGeneration(r.Context(), generationID)
	if err != nil {
		s.logger.Error().Err(err).Str("generation_id", generationID).Msg("fetch generation failed")
		writeError(w, http.StatusInternalServerError, "failed to load generation")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// handlePatchGeneration edits metadata only. Snapshot, status and cost come
// from the projection endpoint.
func (s *Server) handlePatchGeneration(w http.ResponseWriter, r *http.Request) {
	generationID := chi.URLParam(r, "generationID")
	var patch domain.GenerationPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		writeError(w, http.StatusBadRequest, "title must not be empty")
		return
	}

	g, err := s.store.PatchGeneration(r.Context(), generationID, patch)
	if err != nil {
		s.writeGenerationError(w, generationID, err, "patch generation failed")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleApplyProjection(w http.ResponseWriter, r *http.Request) {
	generationID := chi.URLParam(r, "generationID")
	var p domain.Projection
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := s.store.ApplyProjection(r.Context(), generationID, p)
	if err != nil {
		s.writeGenerationError(w, generationID, err, "apply projection failed")
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) writeGenerationError(w http.ResponseWriter, generationID string, err error, msg string) {
	if errors.Is(err, store.ErrGenerationNotFound) {
		writeError(w, http.StatusNotFound, "generation not found")
		return
	}
	s.logger.Error().Err(err).Str("generation_id", generationID).Msg(msg)
	writeError(w, http.StatusInternalServerError, msg)
}
