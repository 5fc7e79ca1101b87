// result.go defines run status, the terminal Result of a run and the rules
// that turn captured output into the value delivered to callers.
package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the state of a run.
type Status string

// Run states. A run starts Running and ends in exactly one of the others.
// Stopped is produced only when the run is cancelled, through Handle.Cancel
// or the context passed to ExecuteScript.
const (
	StatusRunning   Status = "Running"
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusStopped   Status = "Stopped"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// NoOutputPlaceholder is the result of a successful run with blank stdout.
const NoOutputPlaceholder = "Script executed successfully with no output."

// Failure causes recorded in Result.Err. A nonzero exit is a normal outcome
// and carries no error.
var (
	ErrLaunch   = errors.New("launch failed")
	ErrLogWrite = errors.New("log write failed")
	ErrTimeout  = errors.New("timed out")
	ErrCanceled = errors.New("stopped by request")
	ErrPanic    = errors.New("supervisor panic")
)

// Result holds the terminal outcome of a run.
type Result struct {
	// Status is Completed, Failed or Stopped.
	Status Status `json:"status"`

	// Value is what the caller receives: a string, or a map[string]any when
	// stdout of a successful run was a JSON object.
	Value any `json:"result"`

	// ExitCode is the process exit code. -1 when the process never ran or
	// was killed by a signal.
	ExitCode int `json:"exit_code"`

	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ms"`

	// TimedOut is true if the process was killed by the configured timeout.
	TimedOut bool `json:"timed_out"`

	// Err is the failure cause for launch, timeout, stop, log and panic
	// outcomes. It wraps one of the Err* sentinels.
	Err error `json:"-"`
}

// DurationMs returns the duration in milliseconds.
func (r *Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Structured returns the decoded stdout object, if the result is one.
func (r *Result) Structured() (map[string]any, bool) {
	m, ok := r.Value.(map[string]any)
	return m, ok
}

// Text renders Value as text. Structured values are rendered as indented JSON.
func (r *Result) Text() string {
	return ValueText(r.Value)
}

// ValueText renders a result value as text.
func ValueText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.MarshalIndent(val, "", "  ")
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// decodeStructured decodes text as a JSON object when, trimmed, it begins
// with '{' and ends with '}'. ok is false when text does not look structured
// or does not decode; err carries the decode failure.
func decodeStructured(text string) (m map[string]any, ok bool, err error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, false, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// successValue is the value of a run that exited 0, before structured
// decoding. Surrounding whitespace, including the final newline, is dropped.
func successValue(stdout string) string {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return NoOutputPlaceholder
	}
	return trimmed
}

// exitFailureValue is the diagnostic for a nonzero exit.
func exitFailureValue(code int, stdout, stderr string) string {
	return diagnostic(fmt.Sprintf("Script execution failed with return code %d.", code), stdout, stderr)
}

// errorValue is the diagnostic for a run that failed without a usable exit code.
func errorValue(err error) string {
	return "Error executing script: " + err.Error()
}

func diagnostic(header, stdout, stderr string) string {
	return header + "\n\nSTDERR:\n" + stderr + "\n\nSTDOUT:\n" + stdout
}
