package runs

import (
	"sync"
	"time"

	"github.com/stha-sanket/RPA-App/internal/executor"
	"github.com/stha-sanket/RPA-App/internal/results"
)

// Run is the caller-side record of one script invocation. The supervisor
// never sees it; callbacks update it.
type Run struct {
	ID         string
	ScriptName string
	ScriptPath string
	LogFile    string
	Source     string
	Uploaded   bool
	StartedAt  time.Time

	handle *executor.Handle
	ready  chan struct{} // closed once handle is set

	mu         sync.RWMutex
	status     executor.Status
	result     any
	running    bool
	finishedAt time.Time
	final      *executor.Result
}

// View is a point-in-time copy of a run, safe to serialize.
type View struct {
	ID         string     `json:"id"`
	ScriptName string     `json:"script_name"`
	ScriptPath string     `json:"script_path"`
	LogFile    string     `json:"log_file"`
	Source     string     `json:"source"`
	Status     string     `json:"status"`
	Indicator  string     `json:"indicator"`
	Running    bool       `json:"is_running"`
	Result     any        `json:"result"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	TimedOut   bool       `json:"timed_out"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// Status returns the run's current status.
func (r *Run) Status() executor.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Running reports whether the run has not completed yet.
func (r *Run) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Result returns the value delivered by the supervisor, nil until then.
func (r *Run) Result() any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}

// Done is closed after the run's completion callback has returned.
func (r *Run) Done() <-chan struct{} {
	return r.handle.Done()
}

// View returns a snapshot of the run.
func (r *Run) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v := View{
		ID:         r.ID,
		ScriptName: r.ScriptName,
		ScriptPath: r.ScriptPath,
		LogFile:    r.LogFile,
		Source:     r.Source,
		Status:     string(r.status),
		Indicator:  Indicator(r.status),
		Running:    r.running,
		Result:     r.result,
		StartedAt:  r.StartedAt,
	}
	if !r.finishedAt.IsZero() {
		finished := r.finishedAt
		v.FinishedAt = &finished
		v.DurationMs = finished.Sub(r.StartedAt).Milliseconds()
	} else {
		v.DurationMs = time.Since(r.StartedAt).Milliseconds()
	}
	if r.final != nil {
		code := r.final.ExitCode
		v.ExitCode = &code
		v.TimedOut = r.final.TimedOut
		if r.final.Err != nil {
			v.Error = r.final.Err.Error()
		}
	}
	return v
}

// record converts a finished run into its persisted form.
func (r *Run) record() *results.Record {
	v := r.View()
	rec := &results.Record{
		ID:         v.ID,
		ScriptName: v.ScriptName,
		ScriptPath: v.ScriptPath,
		LogFile:    v.LogFile,
		Source:     v.Source,
		Status:     v.Status,
		Result:     v.Result,
		ExitCode:   -1,
		TimedOut:   v.TimedOut,
		Error:      v.Error,
		StartedAt:  v.StartedAt,
		DurationMs: v.DurationMs,
	}
	if v.ExitCode != nil {
		rec.ExitCode = *v.ExitCode
	}
	if v.FinishedAt != nil {
		rec.FinishedAt = *v.FinishedAt
	}
	return rec
}

// viewFromRecord renders a persisted run from an earlier process.
func viewFromRecord(rec *results.Record) View {
	status := executor.Status(rec.Status)
	code := rec.ExitCode
	finished := rec.FinishedAt
	return View{
		ID:         rec.ID,
		ScriptName: rec.ScriptName,
		ScriptPath: rec.ScriptPath,
		LogFile:    rec.LogFile,
		Source:     rec.Source,
		Status:     rec.Status,
		Indicator:  Indicator(status),
		Result:     rec.Result,
		ExitCode:   &code,
		TimedOut:   rec.TimedOut,
		Error:      rec.Error,
		StartedAt:  rec.StartedAt,
		FinishedAt: &finished,
		DurationMs: rec.DurationMs,
	}
}
