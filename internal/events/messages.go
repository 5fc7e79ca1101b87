package events

import "encoding/json"

// Envelope wraps every published message with its type.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// Message types.
const (
	TypeRunStarted = "run_started"
	TypeRunStatus  = "run_status"
	TypeRunResult  = "run_result"
	TypeStopRun    = "stop_run"
)

// RunStartedMessage is published when a run is submitted.
type RunStartedMessage struct {
	RunID     string `json:"runId"`
	Script    string `json:"script"`
	Source    string `json:"source"`
	Host      string `json:"host"`
	StartedAt string `json:"startedAt"`
}

// RunStatusMessage is published on every status change.
type RunStatusMessage struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// RunResultMessage is published once a run reaches a terminal status.
type RunResultMessage struct {
	RunID      string `json:"runId"`
	Script     string `json:"script"`
	Status     string `json:"status"`
	Result     any    `json:"result"`
	ExitCode   int    `json:"exitCode"`
	TimedOut   bool   `json:"timedOut"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// StopRunMessage asks the runner to stop a run.
type StopRunMessage struct {
	RunID  string `json:"runId"`
	Reason string `json:"reason,omitempty"`
}
