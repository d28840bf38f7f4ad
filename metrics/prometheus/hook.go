package prometheus

import (
	"time"
)

// Status constants for metric labels.
const (
	statusSuccess = "success"
	statusError   = "error"
)

// Hook reports orchestrator and server activity into the collectors.
// It satisfies both the pipeline metrics hook and the server stream
// metrics interface, so one instance serves both wiring points. All
// methods are safe for concurrent use.
type Hook struct{}

// NewHook creates a new Hook.
func NewHook() *Hook {
	return &Hook{}
}

// RunStarted marks a run entering execution.
func (*Hook) RunStarted() {
	RecordRunStart()
}

// RunFinished marks a run leaving execution with its terminal status.
func (*Hook) RunFinished(status string, duration time.Duration) {
	RecordRunEnd(status, duration.Seconds())
}

// StageFinished records one stage execution outcome.
func (*Hook) StageFinished(stage string, duration time.Duration, success bool) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	RecordStage(stage, status, duration.Seconds())
}

// ClientConnected counts a streaming client attaching.
func (*Hook) ClientConnected(transport string) {
	RecordStreamConnect(transport)
}

// ClientDisconnected counts a streaming client detaching.
func (*Hook) ClientDisconnected(transport string) {
	RecordStreamDisconnect(transport)
}
