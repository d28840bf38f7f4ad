package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/promptforge/promptforge/jobs"
	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/pipeline"
	"github.com/promptforge/promptforge/record"
)

// JobTypeOptimize runs one optimization in the background. The payload
// is the POST /optimize body; the job result carries the record ID.
const JobTypeOptimize = "optimize"

// jobProgress maps stage-output events to cumulative progress. The
// queue itself pins progress to 1.0 on completion.
var jobProgress = map[string]float64{
	pipeline.EventAnalysis:     0.25,
	pipeline.EventStrategy:     0.45,
	pipeline.EventOptimization: 0.7,
	pipeline.EventValidation:   0.9,
}

// RegisterJobHandlers binds the built-in job types to the queue. Call
// before Queue.Start; a server without a queue registers nothing.
func (s *Server) RegisterJobHandlers() {
	if s.queue == nil {
		return
	}
	s.queue.Register(JobTypeOptimize, s.runOptimizeJob)
}

// optimizeJobPayload decodes a job payload through JSON so numbers and
// optional fields behave exactly like the HTTP body.
func optimizeJobPayload(payload map[string]any) (*optimizeRequest, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	var req optimizeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return &req, nil
}

// runOptimizeJob executes one optimization with the same validation
// and persistence as POST /optimize, reporting queue progress instead
// of streaming SSE.
func (s *Server) runOptimizeJob(ctx context.Context, job *jobs.Job) (any, error) {
	req, err := optimizeJobPayload(job.Payload)
	if err != nil {
		return nil, err
	}
	v, detail := s.validate(req)
	if detail != "" {
		return nil, errors.New(detail)
	}

	rec := record.New(req.Prompt)
	rec.Title = req.Title
	for _, tag := range req.Tags {
		rec.AddTag(tag)
	}
	if err := s.linkProject(ctx, rec, req); err != nil {
		return nil, err
	}
	resolved, err := s.resolveContext(ctx, rec, req.Workspace, req.CodebaseContext)
	if err != nil {
		return nil, err
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, err
	}
	if err := rec.TransitionTo(record.StatusRunning); err == nil {
		_ = s.records.Update(ctx, rec)
	}

	stream, err := s.orch.RunStream(ctx, pipeline.RunRequest{
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
	if err != nil {
		s.finalizeError(rec, err)
		return nil, fmt.Errorf("optimization %s: %w", rec.ID, err)
	}

	var result *pipeline.Result
	for ev := range stream {
		switch {
		case ev.Err != nil:
			s.finalizeError(rec, ev.Err)
			return nil, fmt.Errorf("optimization %s: %w", rec.ID, ev.Err)
		case ev.FinalResult != nil:
			result = ev.FinalResult
		default:
			if p, ok := jobProgress[ev.Event]; ok {
				if err := s.queue.UpdateProgress(ctx, job.ID, p, ev.Event); err != nil {
					logger.Debug("job progress update failed", "job_id", job.ID, "error", err)
				}
			}
		}
	}
	if result == nil {
		s.finalizeError(rec, errors.New("run ended without a result"))
		return nil, fmt.Errorf("optimization %s ended without a result", rec.ID)
	}

	applyResult(rec, result)
	if err := rec.TransitionTo(record.StatusCompleted); err != nil {
		logger.Error("record completion transition failed", "id", rec.ID, "error", err)
	}
	if err := s.persistFinal(rec); err != nil {
		return nil, fmt.Errorf("saving result for %s: %w", rec.ID, err)
	}

	out := map[string]any{
		"optimization_id": rec.ID,
		"status":          string(rec.Status),
	}
	if rec.OverallScore != nil {
		out["overall_score"] = *rec.OverallScore
	}
	return out, nil
}
