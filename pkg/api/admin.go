package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/darkroom/pkg/errdefs"
	"github.com/cuemby/darkroom/pkg/types"
)

type deadLetterResponse struct {
	DeadLetters []*types.DeadLetter `json:"dead_letters"`
	Count       int                 `json:"count"`
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Pause(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Resume(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r.URL.Query().Get("limit"), 50)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dead, err := s.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deadLetterResponse{DeadLetters: dead, Count: len(dead)})
}

func (s *Server) handleRequeueDead(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.RequeueDead(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.writeError(w, r, errdefs.New(errdefs.KindNotFound, "no worker pool on this node"))
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Status())
}

func (s *Server) handleScaleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.writeError(w, r, errdefs.New(errdefs.KindNotFound, "no worker pool on this node"))
		return
	}

	var req struct {
		Target int `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, errdefs.Wrap(errdefs.KindValidationFailed, err, "decode scale request"))
		return
	}
	if err := s.pool.ScaleTo(req.Target); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Status())
}
