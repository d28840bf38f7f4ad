package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/promptforge/promptforge/codebase"
	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/pipeline"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/record"
	"github.com/promptforge/promptforge/strategy"
)

const (
	maxPromptChars    = 100000
	minScoreThreshold = 0.1
	maxScoreThreshold = 1.0
	maxIterationsCap  = 5
	maxBatchPrompts   = 20
)

// optimizeRequest is the POST /optimize body. Pointer fields
// distinguish "absent" from a zero value during validation.
type optimizeRequest struct {
	Prompt              string              `json:"prompt"`
	Project             string              `json:"project,omitempty"`
	Tags                []string            `json:"tags,omitempty"`
	Title               string              `json:"title,omitempty"`
	Strategy            string              `json:"strategy,omitempty"`
	SecondaryFrameworks []string            `json:"secondary_frameworks,omitempty"`
	PromptID            string              `json:"prompt_id,omitempty"`
	Version             int                 `json:"version,omitempty"`
	CodebaseContext     map[string]any      `json:"codebase_context,omitempty"`
	Workspace           *codebase.Workspace `json:"workspace,omitempty"`
	MaxIterations       *int                `json:"max_iterations,omitempty"`
	ScoreThreshold      *float64            `json:"score_threshold,omitempty"`
	Provider            string              `json:"provider,omitempty"`
	Stages              []string            `json:"stages,omitempty"`
}

// validated holds the checked request parts handlers run with.
type validated struct {
	strategy       strategy.Strategy
	secondaries    []string
	maxIterations  int
	scoreThreshold float64
	provider       providers.Provider
}

// validate applies the boundary rules and normalizes overrides. The
// returned detail is empty on success.
func (s *Server) validate(req *optimizeRequest) (validated, string) {
	var v validated

	n := utf8.RuneCountInString(req.Prompt)
	if n == 0 {
		return v, "prompt must not be empty"
	}
	if n > maxPromptChars {
		return v, fmt.Sprintf("prompt exceeds %d characters", maxPromptChars)
	}

	if req.Strategy != "" {
		canonical, ok := strategy.Normalize(req.Strategy)
		if !ok {
			return v, fmt.Sprintf("unknown strategy %q", req.Strategy)
		}
		v.strategy = canonical
	}
	for _, raw := range req.SecondaryFrameworks {
		canonical, ok := strategy.Normalize(raw)
		if !ok {
			return v, fmt.Sprintf("unknown secondary framework %q", raw)
		}
		v.secondaries = append(v.secondaries, string(canonical))
	}

	if req.MaxIterations != nil {
		if *req.MaxIterations < 1 || *req.MaxIterations > maxIterationsCap {
			return v, fmt.Sprintf("max_iterations must be between 1 and %d", maxIterationsCap)
		}
		v.maxIterations = *req.MaxIterations
	}
	if req.ScoreThreshold != nil {
		if *req.ScoreThreshold < minScoreThreshold || *req.ScoreThreshold > maxScoreThreshold {
			return v, fmt.Sprintf("score_threshold must be between %.1f and %.1f",
				minScoreThreshold, maxScoreThreshold)
		}
		v.scoreThreshold = *req.ScoreThreshold
	}

	p, ok := s.provider(req.Provider)
	if !ok {
		return v, fmt.Sprintf("unknown provider %q", req.Provider)
	}
	v.provider = p

	return v, ""
}

// linkProject ensures the project and prompt records an optimization
// references. With a project name but no explicit prompt_id, the
// submitted prompt text is upserted as a prompt in that project.
func (s *Server) linkProject(ctx context.Context, rec *record.Record, req *optimizeRequest) error {
	if s.projects == nil || req.Project == "" {
		rec.PromptID = req.PromptID
		return nil
	}

	proj, err := s.projects.EnsureProjectByName(ctx, req.Project)
	if err != nil {
		return err
	}
	rec.ProjectID = proj.ID

	if req.PromptID != "" {
		if req.Version > 0 {
			if _, err := s.projects.GetPromptVersion(ctx, req.PromptID, req.Version); err != nil {
				return err
			}
		} else if _, err := s.projects.GetPrompt(ctx, req.PromptID); err != nil {
			return err
		}
		rec.PromptID = req.PromptID
		return nil
	}

	title := req.Title
	if title == "" {
		title = "Untitled prompt"
	}
	prompt, err := s.projects.EnsurePromptInProject(ctx, proj.ID, title, req.Prompt)
	if err != nil {
		return err
	}
	rec.PromptID = prompt.ID
	return nil
}

// resolveContext merges the workspace, project profile, and explicit
// override layers and snapshots the result onto the record.
func (s *Server) resolveContext(ctx context.Context, rec *record.Record, ws *codebase.Workspace, override map[string]any) (*codebase.Context, error) {
	if s.resolver == nil {
		return nil, nil
	}
	resolved, err := s.resolver.Resolve(ctx, ws, rec.ProjectID, codebase.FromMap(override))
	if err != nil {
		return nil, err
	}
	if resolved != nil {
		snapshot, err := json.Marshal(resolved)
		if err != nil {
			return nil, err
		}
		rec.ContextSnapshot = snapshot
	}
	return resolved, nil
}

// handleOptimize runs the full pipeline for one prompt and streams its
// events. Validation failures answer in plain JSON before the stream
// opens.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}

	v, detail := s.validate(&req)
	if detail != "" {
		writeDetail(w, http.StatusUnprocessableEntity, "%s", detail)
		return
	}

	rec := record.New(req.Prompt)
	rec.Title = req.Title
	for _, tag := range req.Tags {
		rec.AddTag(tag)
	}
	if err := s.linkProject(r.Context(), rec, &req); err != nil {
		writeStoreError(w, err)
		return
	}

	resolved, err := s.resolveContext(r.Context(), rec, req.Workspace, req.CodebaseContext)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := s.records.Create(r.Context(), rec); err != nil {
		writeDetail(w, http.StatusInternalServerError, "persisting record: %s", err)
		return
	}

	s.streamRun(w, r, rec, nil, pipeline.RunRequest{
		RunID:             rec.ID,
		RawPrompt:         rec.RawPrompt,
		Provider:          v.provider,
		Context:           resolved,
		StrategyOverride:  string(v.strategy),
		SecondaryOverride: v.secondaries,
		MaxIterations:     v.maxIterations,
		ScoreThreshold:    v.scoreThreshold,
		Stages:            req.Stages,
		ProjectID:         rec.ProjectID,
	})
}

// streamRun owns one SSE response: it marks the record running, drains
// the pipeline stream into the response, and persists the terminal
// state. original is non-nil on retries and feeds score deltas into the
// complete event.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, rec *record.Record, original *record.Record, runReq pipeline.RunRequest) {
	if err := rec.TransitionTo(record.StatusRunning); err != nil {
		writeDetail(w, http.StatusInternalServerError, "%s", err)
		return
	}
	if err := s.records.Update(r.Context(), rec); err != nil {
		writeDetail(w, http.StatusInternalServerError, "persisting record: %s", err)
		return
	}

	runCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := s.orch.RunStream(runCtx, runReq)
	if err != nil {
		s.finalizeError(rec, err)
		switch {
		case errors.Is(err, pipeline.ErrShuttingDown):
			writeDetail(w, http.StatusServiceUnavailable, "%s", err)
		default:
			writeDetail(w, http.StatusUnprocessableEntity, "%s", err)
		}
		return
	}

	untrack := s.trackRun(rec.ID, cancel)
	defer untrack()

	sse, err := newSSEStream(w)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "%s", err)
		return
	}
	if s.streamMetrics != nil {
		s.streamMetrics.ClientConnected("sse")
		defer s.streamMetrics.ClientDisconnected("sse")
	}

	for ev := range stream {
		switch {
		case ev.Err != nil:
			s.finalizeError(rec, ev.Err)
			sse.send(ev.ID, pipeline.EventError, clientErrorPayload(ev.Err))
			return

		case ev.FinalResult != nil:
			applyResult(rec, ev.FinalResult)
			if err := rec.TransitionTo(record.StatusCompleted); err != nil {
				logger.Error("record completion transition failed", "id", rec.ID, "error", err)
			}
			if err := s.persistFinal(rec); err != nil {
				logger.Error("saving final record failed", "id", rec.ID, "error", err)
				sse.send(ev.ID, pipeline.EventError, map[string]any{
					"status":    "error",
					"error":     "Failed to save result",
					"persisted": false,
					"id":        rec.ID,
				})
				return
			}
			payload := rec.ResponsePayload()
			if original != nil {
				if deltas := record.ScoreDeltas(original, rec); deltas != nil {
					payload["score_deltas"] = deltas
				}
			}
			sse.send(ev.ID, pipeline.EventComplete, payload)
			return

		default:
			sse.send(ev.ID, ev.Event, ev.Data)
		}
	}
}

// clientErrorPayload is the error event shape clients parse: a status
// marker, the message, and rate limit hints when the provider supplied
// them.
func clientErrorPayload(err error) map[string]any {
	payload := map[string]any{
		"status": "error",
		"error":  err.Error(),
	}
	if providers.IsRateLimit(err) {
		payload["error_type"] = "rate_limit"
		if ra := providers.RetryAfterSeconds(err); ra != nil {
			payload["retry_after"] = int(*ra)
		}
	}
	return payload
}

// finalizeError moves the record to its terminal failure state and
// persists it. Cancellation lands on cancelled, everything else on
// error; records already finished (the cancel endpoint won the race)
// are left alone.
func (s *Server) finalizeError(rec *record.Record, runErr error) {
	if rec.Status.Terminal() {
		return
	}

	next := record.StatusError
	if errors.Is(runErr, context.Canceled) {
		next = record.StatusCancelled
	} else {
		rec.Error = runErr.Error()
		if providers.IsRateLimit(runErr) {
			rec.ErrorType = "rate_limit"
		}
	}
	if err := rec.TransitionTo(next); err != nil {
		logger.Error("record failure transition failed", "id", rec.ID, "error", err)
		return
	}
	if err := s.persistFinal(rec); err != nil {
		logger.Error("saving failed record", "id", rec.ID, "error", err)
	}
}

// persistFinal writes the record on a fresh context so a dead client
// connection cannot abort the terminal write.
func (s *Server) persistFinal(rec *record.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return s.records.Update(ctx, rec)
}

// applyResult copies a finished run's outputs onto its record.
func applyResult(rec *record.Record, res *pipeline.Result) {
	rec.OptimizedPrompt = res.OptimizedPrompt
	rec.Iterations = res.Iterations
	rec.DurationMS = res.DurationMS
	rec.ModelUsed = res.ModelUsed
	rec.Usage = res.TotalUsage

	if a := res.Analysis; a != nil {
		rec.TaskType = a.TaskType
		rec.Complexity = a.Complexity
		rec.Weaknesses = a.Weaknesses
		rec.Strengths = a.Strengths
	}
	if sel := res.Selection; sel != nil {
		rec.Strategy = string(sel.Strategy)
		rec.StrategyReasoning = sel.Reasoning
		rec.StrategyConfidence = sel.Confidence
		rec.SecondaryFrameworks = make([]string, 0, len(sel.SecondaryFrameworks))
		for _, sec := range sel.SecondaryFrameworks {
			rec.SecondaryFrameworks = append(rec.SecondaryFrameworks, string(sec))
		}
	}
	if opt := res.Optimization; opt != nil {
		rec.FrameworkApplied = opt.FrameworkApplied
		rec.ChangesMade = opt.ChangesMade
		rec.OptimizationNotes = opt.OptimizationNotes
	}
	if val := res.Validation; val != nil {
		rec.ClarityScore = ptr(val.Clarity)
		rec.SpecificityScore = ptr(val.Specificity)
		rec.StructureScore = ptr(val.Structure)
		rec.FaithfulnessScore = ptr(val.Faithfulness)
		rec.FrameworkAdherence = val.FrameworkAdherence
		rec.OverallScore = ptr(val.OverallScore)
		rec.IsImprovement = ptr(val.IsImprovement)
		rec.Verdict = val.Verdict
	}
}

func ptr[T any](v T) *T { return &v }

// handleGetOptimization serves a stored record. Completed runs are
// immutable and cache accordingly.
func (s *Server) handleGetOptimization(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if rec.Status == record.StatusCompleted {
		w.Header().Set("Cache-Control", "max-age=3600, immutable")
	} else {
		w.Header().Set("Cache-Control", "no-cache")
	}
	writeJSON(w, http.StatusOK, rec.ResponsePayload())
}

// retryRequest is the POST /optimize/{id}/retry body.
type retryRequest struct {
	Strategy            string         `json:"strategy,omitempty"`
	SecondaryFrameworks []string       `json:"secondary_frameworks,omitempty"`
	CodebaseContext     map[string]any `json:"codebase_context,omitempty"`
	Provider            string         `json:"provider,omitempty"`
}

// handleRetry re-runs an earlier optimization as a fresh record
// pointing back at the original. Overrides replace the original's
// strategy and context; otherwise the selector runs again and the
// original's context snapshot is reused.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	original, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// A bodiless retry replays the original request untouched.
	var req retryRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}

	full := optimizeRequest{
		Prompt:              original.RawPrompt,
		Strategy:            req.Strategy,
		SecondaryFrameworks: req.SecondaryFrameworks,
		Provider:            req.Provider,
	}
	v, detail := s.validate(&full)
	if detail != "" {
		writeDetail(w, http.StatusUnprocessableEntity, "%s", detail)
		return
	}

	rec := record.New(original.RawPrompt)
	rec.Title = original.Title
	rec.Tags = append([]string(nil), original.Tags...)
	rec.ProjectID = original.ProjectID
	rec.PromptID = original.PromptID
	rec.RetryOf = original.ID

	resolved, err := s.retryContext(r.Context(), rec, original, req.CodebaseContext)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := s.records.Create(r.Context(), rec); err != nil {
		writeDetail(w, http.StatusInternalServerError, "persisting record: %s", err)
		return
	}

	s.streamRun(w, r, rec, original, pipeline.RunRequest{
		RunID:             rec.ID,
		RawPrompt:         rec.RawPrompt,
		Provider:          v.provider,
		Context:           resolved,
		StrategyOverride:  string(v.strategy),
		SecondaryOverride: v.secondaries,
		ProjectID:         rec.ProjectID,
	})
}

// retryContext picks the context for a retry: an explicit override wins,
// otherwise the original run's snapshot is replayed through the
// resolver so profile changes since then still apply.
func (s *Server) retryContext(ctx context.Context, rec *record.Record, original *record.Record, override map[string]any) (*codebase.Context, error) {
	if override == nil && len(original.ContextSnapshot) > 0 {
		var snapshot map[string]any
		if err := json.Unmarshal(original.ContextSnapshot, &snapshot); err == nil {
			override = snapshot
		}
	}
	return s.resolveContext(ctx, rec, nil, override)
}

// handleCancelOptimization stops a running optimization. Only running
// records can be cancelled.
func (s *Server) handleCancelOptimization(w http.ResponseWriter, r *http.Request) {
	rec, err := s.records.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rec.Status != record.StatusRunning {
		writeDetail(w, http.StatusConflict, "optimization is %s, not running", rec.Status)
		return
	}

	if err := rec.TransitionTo(record.StatusCancelled); err != nil {
		writeDetail(w, http.StatusConflict, "%s", err)
		return
	}
	if err := s.records.Update(r.Context(), rec); err != nil {
		writeDetail(w, http.StatusInternalServerError, "persisting record: %s", err)
		return
	}
	s.cancelRun(rec.ID)

	writeJSON(w, http.StatusOK, map[string]any{
		"id":     rec.ID,
		"status": string(rec.Status),
	})
}

// batchRequest is the POST /optimize/batch body. Options apply to every
// prompt in the batch.
type batchRequest struct {
	Prompts        []string `json:"prompts"`
	Project        string   `json:"project,omitempty"`
	Strategy       string   `json:"strategy,omitempty"`
	MaxIterations  *int     `json:"max_iterations,omitempty"`
	ScoreThreshold *float64 `json:"score_threshold,omitempty"`
	Provider       string   `json:"provider,omitempty"`
}

// handleBatch optimizes up to twenty prompts sequentially and returns
// the aggregate. Individual failures do not abort the batch.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}
	if len(req.Prompts) == 0 || len(req.Prompts) > maxBatchPrompts {
		writeDetail(w, http.StatusUnprocessableEntity,
			"batch must contain between 1 and %d prompts", maxBatchPrompts)
		return
	}

	results := make([]map[string]any, 0, len(req.Prompts))
	completed, failed := 0, 0

	for _, prompt := range req.Prompts {
		payload, ok := s.runBatchItem(r.Context(), prompt, &req)
		if ok {
			completed++
		} else {
			failed++
		}
		results = append(results, payload)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total":     len(req.Prompts),
		"completed": completed,
		"failed":    failed,
		"results":   results,
	})
}

// runBatchItem executes one batch entry end to end and reports whether
// it completed.
func (s *Server) runBatchItem(ctx context.Context, prompt string, req *batchRequest) (map[string]any, bool) {
	single := optimizeRequest{
		Prompt:         prompt,
		Project:        req.Project,
		Strategy:       req.Strategy,
		MaxIterations:  req.MaxIterations,
		ScoreThreshold: req.ScoreThreshold,
		Provider:       req.Provider,
	}
	v, detail := s.validate(&single)
	if detail != "" {
		return map[string]any{"status": "error", "error": detail, "prompt": clip(prompt, 80)}, false
	}

	rec := record.New(prompt)
	if err := s.linkProject(ctx, rec, &single); err != nil {
		return map[string]any{"status": "error", "error": err.Error(), "id": rec.ID}, false
	}
	resolved, err := s.resolveContext(ctx, rec, nil, nil)
	if err != nil {
		return map[string]any{"status": "error", "error": err.Error(), "id": rec.ID}, false
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return map[string]any{"status": "error", "error": err.Error(), "id": rec.ID}, false
	}
	if err := rec.TransitionTo(record.StatusRunning); err == nil {
		_ = s.records.Update(ctx, rec)
	}

	res, err := s.orch.Run(ctx, pipeline.RunRequest{
		RunID:            rec.ID,
		RawPrompt:        prompt,
		Provider:         v.provider,
		Context:          resolved,
		StrategyOverride: string(v.strategy),
		MaxIterations:    v.maxIterations,
		ScoreThreshold:   v.scoreThreshold,
		ProjectID:        rec.ProjectID,
	})
	if err != nil {
		s.finalizeError(rec, err)
		return map[string]any{"status": "error", "error": err.Error(), "id": rec.ID}, false
	}

	applyResult(rec, res)
	if err := rec.TransitionTo(record.StatusCompleted); err != nil {
		logger.Error("record completion transition failed", "id", rec.ID, "error", err)
	}
	if err := s.persistFinal(rec); err != nil {
		return map[string]any{"status": "error", "error": "Failed to save result", "persisted": false, "id": rec.ID}, false
	}
	return rec.ResponsePayload(), true
}

// clip shortens a string for inclusion in error payloads.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
