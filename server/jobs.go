package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/promptforge/promptforge/jobs"
)

func (s *Server) mountJobRoutes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
	})
}

type jobBody struct {
	AppID      string         `json:"app_id,omitempty"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   int            `json:"priority,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body jobBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	if body.Type == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "type is required")
		return
	}

	job, err := s.queue.Submit(r.Context(), body.AppID, body.Type, body.Payload, body.Priority, body.MaxRetries)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := jobs.ListOptions{
		AppID:  q.Get("app_id"),
		Status: jobs.Status(q.Get("status")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusUnprocessableEntity, "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}

	list, err := s.queue.List(r.Context(), opts)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     chi.URLParam(r, "id"),
		"status": string(jobs.StatusCancelled),
	})
}
