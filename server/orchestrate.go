package server

import (
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/promptforge/promptforge/codebase"
	"github.com/promptforge/promptforge/pipeline"
	"github.com/promptforge/promptforge/strategy"
	"github.com/promptforge/promptforge/types"
)

// orchestrateRequest is the POST /orchestrate/{stage} body. Upstream
// stage outputs ride in so callers can chain stages across requests.
type orchestrateRequest struct {
	Prompt          string                `json:"prompt"`
	Provider        string                `json:"provider,omitempty"`
	CodebaseContext map[string]any        `json:"codebase_context,omitempty"`
	Analysis        *types.AnalysisResult `json:"analysis,omitempty"`
	Strategy        string                `json:"strategy,omitempty"`
	OptimizedPrompt string                `json:"optimized_prompt,omitempty"`
}

// handleOrchestrateStage runs exactly one pipeline stage and returns
// its result, for callers composing their own pipelines.
func (s *Server) handleOrchestrateStage(w http.ResponseWriter, r *http.Request) {
	stageName := chi.URLParam(r, "stage")
	if _, ok := s.orch.Stage(stageName); !ok {
		writeDetail(w, http.StatusNotFound, "unknown stage %q", stageName)
		return
	}

	var req orchestrateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %s", err)
		return
	}

	n := utf8.RuneCountInString(req.Prompt)
	if n == 0 {
		writeDetail(w, http.StatusUnprocessableEntity, "prompt must not be empty")
		return
	}
	if n > maxPromptChars {
		writeDetail(w, http.StatusUnprocessableEntity, "prompt exceeds %d characters", maxPromptChars)
		return
	}
	if stageName == pipeline.StageValidate && req.OptimizedPrompt == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "optimized_prompt is required for the validate stage")
		return
	}

	provider, ok := s.provider(req.Provider)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "unknown provider %q", req.Provider)
		return
	}

	pc := &pipeline.Context{
		RunID:         uuid.NewString(),
		RawPrompt:     req.Prompt,
		CurrentPrompt: req.Prompt,
		Provider:      provider,
		Codebase:      codebase.FromMap(req.CodebaseContext),
		Analysis:      req.Analysis,
		Iteration:     1,
		StartedAt:     time.Now(),
	}
	if req.Strategy != "" {
		canonical, ok := strategy.Normalize(req.Strategy)
		if !ok {
			writeDetail(w, http.StatusUnprocessableEntity, "unknown strategy %q", req.Strategy)
			return
		}
		sel := strategy.NewSelection(canonical, "Strategy supplied by caller.", 1.0,
			analysisTaskType(req.Analysis), true, nil)
		pc.Selection = &sel
	}
	if req.OptimizedPrompt != "" {
		pc.Optimization = &types.OptimizationResult{OptimizedPrompt: req.OptimizedPrompt}
	}

	start := time.Now()
	if err := s.orch.ExecuteStage(r.Context(), stageName, pc); err != nil {
		writeJSON(w, http.StatusBadGateway, clientErrorPayload(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stage":       stageName,
		"result":      stageOutput(stageName, pc),
		"usage":       pc.TotalUsage,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

func analysisTaskType(a *types.AnalysisResult) string {
	if a == nil {
		return "general"
	}
	return a.TaskType
}

// stageOutput picks the context field the stage wrote.
func stageOutput(stageName string, pc *pipeline.Context) any {
	switch stageName {
	case pipeline.StageAnalyze:
		return pc.Analysis
	case pipeline.StageStrategy:
		return pc.Selection
	case pipeline.StageOptimize:
		return pc.Optimization
	case pipeline.StageValidate:
		return pc.Validation
	default:
		return nil
	}
}
