package executor

import (
	"context"
	"sync"
	"time"
)

// Handle tracks one run started by Supervisor.ExecuteScript. It is the
// awaitable counterpart of the callbacks: Done is closed after OnComplete
// has returned.
type Handle struct {
	id        string
	script    string
	logFile   string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	status   Status
	result   *Result
	pid      int
	stopping bool
}

func newHandle(id, script, logFile string) *Handle {
	return &Handle{
		id:        id,
		script:    script,
		logFile:   logFile,
		startedAt: time.Now(),
		status:    StatusRunning,
		done:      make(chan struct{}),
	}
}

// ID returns the run identifier.
func (h *Handle) ID() string { return h.id }

// ScriptPath returns the script being run.
func (h *Handle) ScriptPath() string { return h.script }

// LogFile returns the run's log file.
func (h *Handle) LogFile() string { return h.logFile }

// StartedAt returns when the run was submitted.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Done is closed once the run has finished and all callbacks have returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Status returns the current status.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Result returns the terminal result, or false while the run is in flight.
func (h *Handle) Result() (*Result, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.result != nil
}

// PID returns the child process id, or 0 if no process is running.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		r, _ := h.Result()
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops the run: the child's process group is killed, the stream
// readers are still drained, and the run ends Stopped. Cancel on a finished
// run does nothing.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.result != nil {
		h.mu.Unlock()
		return
	}
	h.stopping = true
	h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Handle) stopRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}

func (h *Handle) setPID(pid int) {
	h.mu.Lock()
	h.pid = pid
	h.mu.Unlock()
}

func (h *Handle) setResult(r *Result) {
	h.mu.Lock()
	h.result = r
	h.status = r.Status
	h.pid = 0
	h.mu.Unlock()
}
