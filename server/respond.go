package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/promptforge/promptforge/jobs"
	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/project"
	"github.com/promptforge/promptforge/record"
	"github.com/promptforge/promptforge/vfs"
)

// maxBodyBytes bounds request bodies; prompts cap at 100k characters so
// 2 MiB leaves room for context payloads and batch envelopes.
const maxBodyBytes = 2 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes the error envelope every non-2xx JSON response
// uses: {"detail": "<message>"}.
func writeDetail(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"detail": fmt.Sprintf(format, args...)})
}

// decodeJSON strictly decodes the request body into v. Unknown fields
// are rejected so client typos surface instead of silently dropping.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// decodeRawJSON decodes without field restrictions, for endpoints that
// accept open payloads.
func decodeRawJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// versionParam parses the {version} path segment as a positive integer.
func versionParam(r *http.Request) (int, bool) {
	v, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

// writeStoreError maps domain errors from the project and vfs stores to
// HTTP statuses: absent 404, archived 403, duplicate names 409, depth
// and circularity violations 400, bad input 422.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, project.ErrNotFound), errors.Is(err, vfs.ErrNotFound),
		errors.Is(err, record.ErrNotFound), errors.Is(err, jobs.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "%s", err)
	case errors.Is(err, project.ErrArchived):
		writeDetail(w, http.StatusForbidden, "%s", err)
	case errors.Is(err, project.ErrNameConflict), errors.Is(err, vfs.ErrNameConflict):
		writeDetail(w, http.StatusConflict, "%s", err)
	case errors.Is(err, project.ErrDepthExceeded), errors.Is(err, vfs.ErrDepthExceeded),
		errors.Is(err, project.ErrCircularMove), errors.Is(err, vfs.ErrCircularMove):
		writeDetail(w, http.StatusBadRequest, "%s", err)
	case errors.Is(err, project.ErrInvalidName), errors.Is(err, vfs.ErrInvalidName),
		errors.Is(err, project.ErrEmptyContent):
		writeDetail(w, http.StatusUnprocessableEntity, "%s", err)
	case errors.Is(err, project.ErrVersionNotFound), errors.Is(err, vfs.ErrVersionNotFound):
		writeDetail(w, http.StatusNotFound, "%s", err)
	case errors.Is(err, jobs.ErrNotCancellable):
		writeDetail(w, http.StatusConflict, "%s", err)
	case errors.Is(err, jobs.ErrStopped):
		writeDetail(w, http.StatusServiceUnavailable, "%s", err)
	default:
		writeDetail(w, http.StatusInternalServerError, "%s", err)
	}
}

// requestLogger logs one line per request with latency and status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
