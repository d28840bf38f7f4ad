package pipeline

import (
	"errors"
	"fmt"

	"github.com/promptforge/promptforge/providers"
)

// SSE event names emitted on the run stream.
const (
	EventStageStart   = "stage"
	EventStepProgress = "step_progress"
	EventAnalysis     = "analysis"
	EventStrategy     = "strategy"
	EventOptimization = "optimization"
	EventValidation   = "validation"
	EventIteration    = "iteration"
	EventComplete     = "complete"
	EventError        = "error"
)

// StreamEvent is one element of a run's event stream. The terminal
// element carries FinalResult (success) or Err (failure); exactly one
// terminal element is sent and the channel closes after it.
type StreamEvent struct {
	// ID is the SSE id field: the run ID plus a monotonic sequence.
	ID    string         `json:"id"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`

	FinalResult *Result `json:"-"`
	Err         error   `json:"-"`
}

// Terminal reports whether this is the stream's closing element.
func (e StreamEvent) Terminal() bool {
	return e.FinalResult != nil || e.Err != nil
}

// StageError wraps a stage failure with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// errorType maps an error to the stable type tag clients branch on.
func errorType(err error) string {
	var (
		authErr  *providers.AuthenticationError
		permErr  *providers.PermissionError
		rateErr  *providers.RateLimitError
		modelErr *providers.ModelNotFoundError
		connErr  *providers.ConnectionError
	)
	switch {
	case errors.As(err, &authErr):
		return "authentication_error"
	case errors.As(err, &permErr):
		return "permission_error"
	case errors.As(err, &rateErr):
		return "rate_limit_error"
	case errors.As(err, &modelErr):
		return "model_not_found"
	case errors.As(err, &connErr):
		return "connection_error"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "internal_error"
	}
}

// errorPayload builds the error event body. Rate limits carry the
// provider-suggested wait when known so clients can schedule retries.
func errorPayload(err error) map[string]any {
	payload := map[string]any{
		"error_type": errorType(err),
		"message":    err.Error(),
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		payload["stage"] = stageErr.Stage
	}
	if ra := providers.RetryAfterSeconds(err); ra != nil {
		payload["retry_after"] = *ra
	}
	return payload
}
