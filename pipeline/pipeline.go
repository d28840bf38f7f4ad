// Package pipeline orchestrates the optimization run: analyze the raw
// prompt, select a strategy, rewrite the prompt, and validate the
// rewrite, streaming progress events the whole way. Runs are
// concurrency-limited and shut down gracefully, and iterations repeat
// the optimize/validate tail until the score threshold is met.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/promptforge/promptforge/budget"
	"github.com/promptforge/promptforge/codebase"
	"github.com/promptforge/promptforge/events"
	"github.com/promptforge/promptforge/logger"
	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/strategy"
	"github.com/promptforge/promptforge/template"
	"github.com/promptforge/promptforge/types"
)

var (
	// ErrShuttingDown rejects new runs once Shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrNoProvider rejects runs without a configured provider.
	ErrNoProvider = errors.New("run request has no provider")
	// ErrEmptyPrompt rejects runs with nothing to optimize.
	ErrEmptyPrompt = errors.New("run request has an empty prompt")
)

// Bus event types published around run lifecycle.
const (
	busSourceApp      = "promptforge"
	busRunStarted     = "promptforge:optimization.started"
	busRunCompleted   = "promptforge:optimization.completed"
	busRunFailed      = "promptforge:optimization.failed"
	maxIterationLimit = 5
)

// RuntimeConfig bounds orchestrator behavior. Zero values take
// defaults; negatives are invalid.
type RuntimeConfig struct {
	// MaxConcurrentRuns limits simultaneously executing runs.
	// Default: 8.
	MaxConcurrentRuns int

	// StreamBufferSize sets run event channel capacity. Default: 100.
	StreamBufferSize int

	// ProgressInterval is the pump period for stages that do not set
	// their own. Default: 2.5s.
	ProgressInterval time.Duration

	// GracefulShutdownTimeout bounds the wait for in-flight runs during
	// Shutdown. Default: 10s.
	GracefulShutdownTimeout time.Duration
}

// DefaultRuntimeConfig returns the standard limits.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		MaxConcurrentRuns:       8,
		StreamBufferSize:        100,
		ProgressInterval:        2500 * time.Millisecond,
		GracefulShutdownTimeout: 10 * time.Second,
	}
}

func validateRuntimeConfig(config *RuntimeConfig) (*RuntimeConfig, error) {
	if config == nil {
		return DefaultRuntimeConfig(), nil
	}
	if config.MaxConcurrentRuns < 0 {
		return nil, fmt.Errorf("invalid runtime config: MaxConcurrentRuns must be non-negative, got %d", config.MaxConcurrentRuns)
	}
	if config.StreamBufferSize < 0 {
		return nil, fmt.Errorf("invalid runtime config: StreamBufferSize must be non-negative, got %d", config.StreamBufferSize)
	}

	merged := *config
	defaults := DefaultRuntimeConfig()
	if merged.MaxConcurrentRuns == 0 {
		merged.MaxConcurrentRuns = defaults.MaxConcurrentRuns
	}
	if merged.StreamBufferSize == 0 {
		merged.StreamBufferSize = defaults.StreamBufferSize
	}
	if merged.ProgressInterval == 0 {
		merged.ProgressInterval = defaults.ProgressInterval
	}
	if merged.GracefulShutdownTimeout == 0 {
		merged.GracefulShutdownTimeout = defaults.GracefulShutdownTimeout
	}
	return &merged, nil
}

// MetricsHook receives run and stage outcomes. Implementations must be
// safe for concurrent use; nil hooks are skipped.
type MetricsHook interface {
	RunStarted()
	RunFinished(status string, duration time.Duration)
	StageFinished(stage string, duration time.Duration, success bool)
}

// RunRequest describes one optimization run.
type RunRequest struct {
	// RunID identifies the run in events and persistence. Empty gets a
	// fresh UUID.
	RunID string

	RawPrompt string
	Provider  providers.Provider

	// Context is the resolved codebase context, nil when none applies.
	Context *codebase.Context

	// StrategyOverride skips the selection stage when set. The value
	// must already be a canonical strategy name.
	StrategyOverride  string
	SecondaryOverride []string

	// MaxIterations caps optimize/validate cycles. Zero means one.
	MaxIterations int

	// ScoreThreshold stops iteration once the overall score reaches it.
	// Zero means 1.0, which iterates until MaxIterations is exhausted.
	ScoreThreshold float64

	// Stages selects a subset of the pipeline; empty runs everything.
	Stages []string

	// ProjectID rides into lifecycle bus events when set.
	ProjectID string
}

func (req *RunRequest) withDefaults() error {
	if req.Provider == nil {
		return ErrNoProvider
	}
	if req.RawPrompt == "" {
		return ErrEmptyPrompt
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.MaxIterations < 1 {
		req.MaxIterations = 1
	}
	if req.MaxIterations > maxIterationLimit {
		req.MaxIterations = maxIterationLimit
	}
	if req.ScoreThreshold <= 0 {
		req.ScoreThreshold = 1.0
	}
	return nil
}

// Orchestrator owns the stages and runs them with bounded concurrency.
type Orchestrator struct {
	config *RuntimeConfig
	stages map[string]Stage

	bus     *events.Bus
	budget  *budget.Recorder
	metrics MetricsHook

	semaphore  *semaphore.Weighted
	wg         sync.WaitGroup
	shutdownMu sync.RWMutex
	isShutdown bool
}

// Option customizes orchestrator construction.
type OrchestratorOption func(*Orchestrator)

// WithBus publishes run lifecycle events to the bus.
func WithBus(bus *events.Bus) OrchestratorOption {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithBudget records per-model token spend after every run.
func WithBudget(recorder *budget.Recorder) OrchestratorOption {
	return func(o *Orchestrator) { o.budget = recorder }
}

// WithMetrics wires run and stage outcomes into a metrics sink.
func WithMetrics(hook MetricsHook) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = hook }
}

// NewOrchestrator builds an orchestrator with the full stage set.
// config may be nil for defaults.
func NewOrchestrator(config *RuntimeConfig, opts ...OrchestratorOption) (*Orchestrator, error) {
	merged, err := validateRuntimeConfig(config)
	if err != nil {
		return nil, err
	}

	renderer := template.NewRenderer()
	retry := providers.DefaultRetryConfig()

	o := &Orchestrator{
		config: merged,
		stages: map[string]Stage{
			StageAnalyze:  NewAnalyzeStage(renderer, retry),
			StageStrategy: NewStrategyStage(),
			StageOptimize: NewOptimizeStage(renderer, retry),
			StageValidate: NewValidateStage(renderer, retry),
		},
		semaphore: semaphore.NewWeighted(int64(merged.MaxConcurrentRuns)),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Stage exposes a stage for direct single-stage invocation.
func (o *Orchestrator) Stage(name string) (Stage, bool) {
	st, ok := o.stages[name]
	return st, ok
}

// ExecuteStage runs a single stage against a caller-built context and
// folds its token spend into the context total.
func (o *Orchestrator) ExecuteStage(ctx context.Context, name string, pc *Context) error {
	st, ok := o.stages[name]
	if !ok {
		return fmt.Errorf("unknown stage %q", name)
	}
	if err := st.Execute(ctx, pc); err != nil {
		return &StageError{Stage: name, Err: err}
	}
	pc.absorbUsage()
	return nil
}

// Run executes a full run and returns the aggregated result, draining
// the stream internally.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*Result, error) {
	stream, err := o.RunStream(ctx, req)
	if err != nil {
		return nil, err
	}
	var final StreamEvent
	for ev := range stream {
		if ev.Terminal() {
			final = ev
		}
	}
	if final.Err != nil {
		return nil, final.Err
	}
	if final.FinalResult == nil {
		return nil, fmt.Errorf("run %s ended without a terminal event", req.RunID)
	}
	return final.FinalResult, nil
}

// RunStream starts a run and returns its event channel. The channel
// closes after exactly one terminal event (complete or error). The
// caller's context cancels the run; an abandoned channel stops the run
// rather than leaking the goroutine.
func (o *Orchestrator) RunStream(ctx context.Context, req RunRequest) (<-chan StreamEvent, error) {
	if o.isShuttingDown() {
		return nil, ErrShuttingDown
	}
	if err := req.withDefaults(); err != nil {
		return nil, err
	}
	stageNames, err := normalizeStages(req.Stages)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, o.config.StreamBufferSize)
	go o.runBackground(ctx, req, stageNames, ch)
	return ch, nil
}

// runBackground owns the run lifecycle: slot acquisition, stage
// execution, iteration, and terminal bookkeeping. The semaphore is
// acquired here rather than in RunStream so a caller that never reads
// the channel cannot pin a slot.
func (o *Orchestrator) runBackground(ctx context.Context, req RunRequest, stageNames []string, ch chan<- StreamEvent) {
	defer close(ch)

	emitter := &streamEmitter{ctx: ctx, ch: ch, runID: req.RunID}

	if err := o.semaphore.Acquire(ctx, 1); err != nil {
		emitter.emitTerminalError(fmt.Errorf("acquiring run slot: %w", err))
		return
	}
	defer o.semaphore.Release(1)

	o.wg.Add(1)
	defer o.wg.Done()

	if o.isShuttingDown() {
		emitter.emitTerminalError(ErrShuttingDown)
		return
	}

	if o.metrics != nil {
		o.metrics.RunStarted()
	}
	o.publishStarted(req)

	pc := newContext(req)
	result, err := o.executeRun(ctx, req, stageNames, pc, emitter)

	duration := time.Since(pc.StartedAt)
	if o.budget != nil && !pc.TotalUsage.IsZero() {
		o.budget.RecordUsage(req.Provider.Model(), pc.TotalUsage)
	}

	if err != nil {
		if o.metrics != nil {
			o.metrics.RunFinished("error", duration)
		}
		o.publishFailed(req, err)
		logger.ErrorContext(ctx, "optimization run failed",
			"run_id", req.RunID, "error", err, "duration", duration)
		emitter.emitTerminalError(err)
		return
	}

	if o.metrics != nil {
		o.metrics.RunFinished("completed", duration)
	}
	o.publishCompleted(req, result)
	logger.InfoContext(ctx, "optimization run completed",
		"run_id", req.RunID, "score", result.OverallScore(),
		"strategy", result.StrategyApplied(), "iterations", result.Iterations,
		"duration", duration)

	emitter.emitTerminal(StreamEvent{
		Event:       EventComplete,
		Data:        result.Payload(),
		FinalResult: result,
	})
}

// executeRun walks the active stages and the refinement loop.
func (o *Orchestrator) executeRun(ctx context.Context, req RunRequest, stageNames []string, pc *Context, emitter *streamEmitter) (*Result, error) {
	total := len(stageNames)

	for idx, name := range stageNames {
		if name == StageStrategy && req.StrategyOverride != "" {
			o.applyOverride(pc, req)
			if !emitter.emit(EventStrategy, selectionPayload(*pc.Selection, 0)) {
				return nil, ctx.Err()
			}
			continue
		}
		if err := o.runStage(ctx, o.stages[name], pc, idx, total, emitter); err != nil {
			return nil, err
		}
	}

	if err := o.refine(ctx, req, stageNames, pc, emitter); err != nil {
		return nil, err
	}

	return o.buildResult(req, stageNames, pc), nil
}

// refine repeats the optimize/validate tail while the score trails the
// threshold and iterations remain. Runs without both stages never
// iterate.
func (o *Orchestrator) refine(ctx context.Context, req RunRequest, stageNames []string, pc *Context, emitter *streamEmitter) error {
	optimizeIdx := indexOf(stageNames, StageOptimize)
	validateIdx := indexOf(stageNames, StageValidate)
	if optimizeIdx < 0 || validateIdx < 0 {
		return nil
	}
	total := len(stageNames)

	for pc.Validation != nil &&
		pc.Validation.OverallScore < req.ScoreThreshold &&
		pc.Iteration < req.MaxIterations {

		previous := pc.Validation.OverallScore
		pc.Iteration++
		ok := emitter.emit(EventIteration, map[string]any{
			"iteration":      pc.Iteration,
			"max_iterations": req.MaxIterations,
			"previous_score": previous,
			"threshold":      req.ScoreThreshold,
			"message": fmt.Sprintf("Score %.2f below threshold %.2f; refining (iteration %d of %d)",
				previous, req.ScoreThreshold, pc.Iteration, req.MaxIterations),
		})
		if !ok {
			return ctx.Err()
		}

		// The next cycle rewrites the previous rewrite, not the
		// original.
		if pc.Optimization != nil {
			pc.CurrentPrompt = pc.Optimization.OptimizedPrompt
		}

		if err := o.runStage(ctx, o.stages[StageOptimize], pc, optimizeIdx, total, emitter); err != nil {
			return err
		}
		if err := o.runStage(ctx, o.stages[StageValidate], pc, validateIdx, total, emitter); err != nil {
			return err
		}
	}
	return nil
}

// runStage choreographs one stage: the start event, scripted initial
// messages, the progress pump racing the stage body, and the result
// event.
func (o *Orchestrator) runStage(ctx context.Context, st Stage, pc *Context, idx, total int, emitter *streamEmitter) error {
	cfg := st.Config()
	name := st.Name()
	span := 1.0 / float64(total)
	base := float64(idx) * span

	if !emitter.emit(EventStageStart, map[string]any{
		"stage":    name,
		"label":    cfg.Label,
		"message":  cfg.Label,
		"progress": round2(base),
	}) {
		return ctx.Err()
	}

	progress := base
	for _, msg := range cfg.InitialMessages {
		progress += span * 0.1
		if !emitter.emit(EventStepProgress, map[string]any{
			"stage":    name,
			"message":  msg,
			"progress": round2(progress),
		}) {
			return ctx.Err()
		}
	}

	interval := cfg.ProgressInterval
	if interval <= 0 {
		interval = o.config.ProgressInterval
	}

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- st.Execute(ctx, pc)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	msgIdx := 0
	for {
		select {
		case err := <-done:
			duration := time.Since(started)
			if o.metrics != nil {
				o.metrics.StageFinished(name, duration, err == nil)
			}
			if err != nil {
				// Spend happened even when the stage failed.
				pc.absorbUsage()
				return &StageError{Stage: name, Err: err}
			}
			pc.absorbUsage()
			if !emitter.emit(cfg.ResultEvent, stageResultPayload(name, pc, duration.Milliseconds())) {
				return ctx.Err()
			}
			return nil

		case <-ticker.C:
			if len(cfg.ProgressMessages) == 0 {
				continue
			}
			msg := cfg.ProgressMessages[msgIdx%len(cfg.ProgressMessages)]
			msgIdx++
			if !emitter.emit(EventStepProgress, map[string]any{
				"stage":      name,
				"message":    msg,
				"progress":   round2(progress),
				"elapsed_ms": time.Since(started).Milliseconds(),
			}) {
				// Client is gone; keep waiting for the stage so its
				// spend is accounted, then abort.
				err := <-done
				pc.absorbUsage()
				if err == nil && o.metrics != nil {
					o.metrics.StageFinished(name, time.Since(started), true)
				}
				return ctx.Err()
			}
		}
	}
}

// applyOverride installs the caller-forced strategy at full confidence.
func (o *Orchestrator) applyOverride(pc *Context, req RunRequest) {
	strat, known := strategy.Normalize(req.StrategyOverride)
	if !known {
		// The API layer validates overrides; an unknown value here is a
		// programming error upstream, so fall back to the task default.
		strat = strategy.DefaultForTask(pc.analysisOrDefault().TaskType)
		logger.Warn("unknown strategy override, using task default",
			"override", req.StrategyOverride, "default", strat)
	}

	var secondaries []strategy.Strategy
	for _, raw := range req.SecondaryOverride {
		if sec, ok := strategy.Normalize(raw); ok {
			secondaries = append(secondaries, sec)
		}
	}

	sel := strategy.NewSelection(
		strat,
		"Strategy explicitly requested by the caller.",
		1.0,
		pc.analysisOrDefault().TaskType,
		true,
		secondaries,
	)
	pc.Selection = &sel
}

func (o *Orchestrator) buildResult(req RunRequest, stageNames []string, pc *Context) *Result {
	optimized := pc.CurrentPrompt
	if pc.Optimization != nil {
		optimized = pc.Optimization.OptimizedPrompt
	}
	return &Result{
		RunID:           req.RunID,
		RawPrompt:       req.RawPrompt,
		OptimizedPrompt: optimized,
		Analysis:        pc.Analysis,
		Selection:       pc.Selection,
		Optimization:    pc.Optimization,
		Validation:      pc.Validation,
		Iterations:      pc.Iteration,
		StagesRun:       stageNames,
		TotalUsage:      pc.TotalUsage,
		ModelUsed:       req.Provider.Model(),
		DurationMS:      time.Since(pc.StartedAt).Milliseconds(),
	}
}

// Shutdown stops accepting runs and waits for in-flight ones.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownMu.Lock()
	if o.isShutdown {
		o.shutdownMu.Unlock()
		return nil
	}
	o.isShutdown = true
	o.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	shutdownCtx, cancel := context.WithTimeout(ctx, o.config.GracefulShutdownTimeout)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timeout after %v", o.config.GracefulShutdownTimeout)
	}
}

func (o *Orchestrator) isShuttingDown() bool {
	o.shutdownMu.RLock()
	defer o.shutdownMu.RUnlock()
	return o.isShutdown
}

func (o *Orchestrator) publishStarted(req RunRequest) {
	if o.bus == nil {
		return
	}
	payload := map[string]any{
		"optimization_id": req.RunID,
		"raw_prompt":      req.RawPrompt,
	}
	if req.ProjectID != "" {
		payload["project_id"] = req.ProjectID
	}
	if req.StrategyOverride != "" {
		payload["strategy"] = req.StrategyOverride
	}
	_ = o.bus.Publish(busRunStarted, payload, busSourceApp)
}

func (o *Orchestrator) publishCompleted(req RunRequest, result *Result) {
	if o.bus == nil {
		return
	}
	payload := map[string]any{
		"optimization_id": req.RunID,
		"overall_score":   result.OverallScore(),
		"strategy":        result.StrategyApplied(),
		"duration_ms":     int(result.DurationMS),
		"iterations":      result.Iterations,
	}
	if req.ProjectID != "" {
		payload["project_id"] = req.ProjectID
	}
	_ = o.bus.Publish(busRunCompleted, payload, busSourceApp)
}

func (o *Orchestrator) publishFailed(req RunRequest, err error) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(busRunFailed, map[string]any{
		"optimization_id": req.RunID,
		"error_type":      errorType(err),
		"message":         err.Error(),
	}, busSourceApp)
}

// streamEmitter assigns sequential SSE ids and guards channel sends
// with the run context so an abandoned consumer aborts the run.
type streamEmitter struct {
	ctx   context.Context
	ch    chan<- StreamEvent
	runID string
	seq   int
}

func (e *streamEmitter) emit(event string, data map[string]any) bool {
	ev := e.stamp(StreamEvent{Event: event, Data: data})
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

// emitTerminal delivers the closing element best-effort: a canceled
// context must not race the terminal send away, and with a buffered
// channel the only undeliverable case is a consumer that stopped
// reading long ago.
func (e *streamEmitter) emitTerminal(ev StreamEvent) {
	select {
	case e.ch <- e.stamp(ev):
	default:
	}
}

func (e *streamEmitter) emitTerminalError(err error) {
	e.emitTerminal(StreamEvent{Event: EventError, Data: errorPayload(err), Err: err})
}

func (e *streamEmitter) stamp(ev StreamEvent) StreamEvent {
	e.seq++
	ev.ID = fmt.Sprintf("%s-%d", e.runID, e.seq)
	return ev
}

// stageResultPayload builds the result event body for a completed
// stage.
func stageResultPayload(name string, pc *Context, durationMS int64) map[string]any {
	switch name {
	case StageAnalyze:
		a := pc.analysisOrDefault()
		return map[string]any{
			"task_type":        a.TaskType,
			"complexity":       a.Complexity,
			"weaknesses":       a.Weaknesses,
			"strengths":        a.Strengths,
			"step_duration_ms": durationMS,
		}
	case StageStrategy:
		if pc.Selection == nil {
			return map[string]any{"step_duration_ms": durationMS}
		}
		return selectionPayload(*pc.Selection, durationMS)
	case StageOptimize:
		if pc.Optimization == nil {
			return map[string]any{"step_duration_ms": durationMS}
		}
		return map[string]any{
			"optimized_prompt":   pc.Optimization.OptimizedPrompt,
			"framework_applied":  pc.Optimization.FrameworkApplied,
			"changes_made":       pc.Optimization.ChangesMade,
			"optimization_notes": pc.Optimization.OptimizationNotes,
			"iteration":          pc.Iteration,
			"step_duration_ms":   durationMS,
		}
	case StageValidate:
		if pc.Validation == nil {
			return map[string]any{"step_duration_ms": durationMS}
		}
		v := pc.Validation
		payload := map[string]any{
			"scores": map[string]any{
				"clarity":      v.Clarity,
				"specificity":  v.Specificity,
				"structure":    v.Structure,
				"faithfulness": v.Faithfulness,
			},
			"overall_score":    v.OverallScore,
			"display_score":    types.DisplayScore(v.OverallScore),
			"is_improvement":   v.IsImprovement,
			"verdict":          v.Verdict,
			"iteration":        pc.Iteration,
			"step_duration_ms": durationMS,
		}
		if v.FrameworkAdherence != nil {
			payload["framework_adherence"] = *v.FrameworkAdherence
		}
		return payload
	default:
		return map[string]any{"step_duration_ms": durationMS}
	}
}

func selectionPayload(sel strategy.Selection, durationMS int64) map[string]any {
	secondaries := make([]string, 0, len(sel.SecondaryFrameworks))
	for _, sec := range sel.SecondaryFrameworks {
		secondaries = append(secondaries, string(sec))
	}
	return map[string]any{
		"strategy":             string(sel.Strategy),
		"reasoning":            sel.Reasoning,
		"confidence":           sel.Confidence,
		"task_type":            sel.TaskType,
		"is_override":          sel.IsOverride,
		"secondary_frameworks": secondaries,
		"step_duration_ms":     durationMS,
	}
}

func indexOf(names []string, want string) int {
	for i, name := range names {
		if name == want {
			return i
		}
	}
	return -1
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
