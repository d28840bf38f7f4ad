package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/promptforge/promptforge/codebase"
	"github.com/promptforge/promptforge/record"
)

func (s *Server) mountProjectRoutes(r chi.Router) {
	r.Route("/projects", func(r chi.Router) {
		r.Post("/", s.handleCreateProject)
		r.Get("/", s.handleListProjects)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetProject)
			r.Patch("/", s.handleUpdateProject)
			r.Delete("/", s.handleDeleteProject)
			r.Post("/archive", s.handleArchiveProject)
			r.Post("/unarchive", s.handleUnarchiveProject)
			r.Post("/move", s.handleMoveProject)
			r.Get("/context", s.handleGetContextProfile)
			r.Put("/context", s.handlePutContextProfile)
			r.Post("/prompts", s.handleCreatePrompt)
			r.Get("/prompts", s.handleListPrompts)
			r.Get("/optimizations", s.handleListProjectOptimizations)
		})
	})
	r.Route("/prompts/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetPrompt)
		r.Patch("/", s.handleRenamePrompt)
		r.Put("/content", s.handleUpdatePromptContent)
		r.Get("/versions", s.handleListPromptVersions)
		r.Get("/versions/{version}", s.handleGetPromptVersion)
		r.Post("/versions/{version}/restore", s.handleRestorePromptVersion)
	})
}

type projectBody struct {
	Name        string `json:"name"`
	ParentID    string `json:"parent_id,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body projectBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	p, err := s.projects.CreateProject(r.Context(), body.Name, body.ParentID, body.Description)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	list, err := s.projects.ListProjects(r.Context(), r.URL.Query().Get("parent_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": list})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var body projectBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	p, err := s.projects.UpdateProject(r.Context(), chi.URLParam(r, "id"), body.Name, body.Description)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.DeleteProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchiveProject(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.ArchiveProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnarchiveProject(w http.ResponseWriter, r *http.Request) {
	if err := s.projects.UnarchiveProject(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMoveProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NewParentID string `json:"new_parent_id"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	if err := s.projects.MoveProject(r.Context(), chi.URLParam(r, "id"), body.NewParentID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetContextProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.projects.ContextProfile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if profile == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handlePutContextProfile(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := decodeRawJSON(w, r, &raw); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	profile := codebase.FromMap(raw)
	if err := s.projects.SetContextProfile(r.Context(), chi.URLParam(r, "id"), profile); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type promptBody struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleCreatePrompt(w http.ResponseWriter, r *http.Request) {
	var body promptBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	p, err := s.projects.CreatePrompt(r.Context(), chi.URLParam(r, "id"), body.Title, body.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPrompts(w http.ResponseWriter, r *http.Request) {
	list, err := s.projects.ListPrompts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": list})
}

// handleListProjectOptimizations lists a project's optimization records
// newest-first.
func (s *Server) handleListProjectOptimizations(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if _, err := s.projects.GetProject(r.Context(), projectID); err != nil {
		writeStoreError(w, err)
		return
	}
	records, err := s.records.List(r.Context(), record.ListOptions{ProjectID: projectID})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	payloads := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		payloads = append(payloads, rec.ResponsePayload())
	}
	writeJSON(w, http.StatusOK, map[string]any{"optimizations": payloads})
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	p, err := s.projects.GetPrompt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRenamePrompt(w http.ResponseWriter, r *http.Request) {
	var body promptBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	p, err := s.projects.RenamePrompt(r.Context(), chi.URLParam(r, "id"), body.Title)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePromptContent(w http.ResponseWriter, r *http.Request) {
	var body promptBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	p, err := s.projects.UpdatePromptContent(r.Context(), chi.URLParam(r, "id"), body.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPromptVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.projects.ListPromptVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleGetPromptVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(r)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "version must be a positive integer")
		return
	}
	v, err := s.projects.GetPromptVersion(r.Context(), chi.URLParam(r, "id"), version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRestorePromptVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(r)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "version must be a positive integer")
		return
	}
	p, err := s.projects.RestorePromptVersion(r.Context(), chi.URLParam(r, "id"), version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
