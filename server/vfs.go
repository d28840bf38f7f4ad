package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// mountVFSRoutes wires the app-scoped virtual filesystem: every path is
// namespaced by the owning app so apps cannot see each other's trees.
func (s *Server) mountVFSRoutes(r chi.Router) {
	r.Route("/vfs/{app}", func(r chi.Router) {
		r.Route("/folders", func(r chi.Router) {
			r.Post("/", s.handleCreateFolder)
			r.Get("/", s.handleListFolders)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetFolder)
				r.Patch("/", s.handleRenameFolder)
				r.Post("/move", s.handleMoveFolder)
				r.Delete("/", s.handleDeleteFolder)
			})
		})
		r.Route("/files", func(r chi.Router) {
			r.Post("/", s.handleCreateFile)
			r.Get("/", s.handleListFiles)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetFile)
				r.Patch("/", s.handleRenameFile)
				r.Post("/move", s.handleMoveFile)
				r.Put("/content", s.handleUpdateFileContent)
				r.Get("/versions", s.handleListFileVersions)
				r.Get("/versions/{version}", s.handleGetFileVersion)
				r.Post("/versions/{version}/restore", s.handleRestoreFileVersion)
				r.Delete("/", s.handleDeleteFile)
			})
		})
	})
}

func appParam(r *http.Request) string { return chi.URLParam(r, "app") }

type folderBody struct {
	Name        string `json:"name,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	NewParentID string `json:"new_parent_id,omitempty"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var body folderBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	f, err := s.files.CreateFolder(r.Context(), appParam(r), body.ParentID, body.Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	list, err := s.files.ListFolders(r.Context(), appParam(r), r.URL.Query().Get("parent_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": list})
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	f, err := s.files.GetFolder(r.Context(), appParam(r), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	var body folderBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	f, err := s.files.RenameFolder(r.Context(), appParam(r), chi.URLParam(r, "id"), body.Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleMoveFolder(w http.ResponseWriter, r *http.Request) {
	var body folderBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	if err := s.files.MoveFolder(r.Context(), appParam(r), chi.URLParam(r, "id"), body.NewParentID); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := s.files.DeleteFolder(r.Context(), appParam(r), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type fileBody struct {
	Name        string `json:"name,omitempty"`
	FolderID    string `json:"folder_id,omitempty"`
	NewFolderID string `json:"new_folder_id,omitempty"`
	Content     string `json:"content,omitempty"`
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var body fileBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	f, err := s.files.CreateFile(r.Context(), appParam(r), body.FolderID, body.Name, body.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.files.ListFiles(r.Context(), appParam(r), r.URL.Query().Get("folder_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": list})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.files.GetFile(r.Context(), appParam(r), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	var body fileBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	f, err := s.files.RenameFile(r.Context(), appParam(r), chi.URLParam(r, "id"), body.Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleMoveFile(w http.ResponseWriter, r *http.Request) {
	var body fileBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	f, err := s.files.MoveFile(r.Context(), appParam(r), chi.URLParam(r, "id"), body.NewFolderID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleUpdateFileContent(w http.ResponseWriter, r *http.Request) {
	var body fileBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	f, err := s.files.UpdateFileContent(r.Context(), appParam(r), chi.URLParam(r, "id"), body.Content)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleListFileVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.files.ListFileVersions(r.Context(), appParam(r), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (s *Server) handleGetFileVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(r)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "version must be a positive integer")
		return
	}
	v, err := s.files.GetFileVersion(r.Context(), appParam(r), chi.URLParam(r, "id"), version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRestoreFileVersion(w http.ResponseWriter, r *http.Request) {
	version, ok := versionParam(r)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "version must be a positive integer")
		return
	}
	f, err := s.files.RestoreFileVersion(r.Context(), appParam(r), chi.URLParam(r, "id"), version)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if err := s.files.DeleteFile(r.Context(), appParam(r), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
