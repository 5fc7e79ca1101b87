// executor.go implements the script supervisor.
//
// ExecuteScript launches "<interpreter> <script>" in its own process group
// and returns at once. A run goroutine streams stdout (INFO) and stderr
// (ERROR) into the run's log file as lines arrive, waits for both readers to
// drain before reaping the process, resolves status and result, and then
// calls OnStatusChange, OnResult and OnComplete, in that order and exactly
// once, whatever happened. Nothing that goes wrong inside a run escapes
// the run goroutine.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/stha-sanket/RPA-App/internal/runlog"
)

// Config controls how scripts are launched.
type Config struct {
	// Interpreter overrides interpreter selection. Empty selects by extension.
	Interpreter string

	// Timeout kills the run after this long. Zero means no timeout.
	Timeout time.Duration

	// UsePTY attaches stdout to a pseudo-terminal.
	UsePTY bool

	// WaitDelay bounds how long Wait waits for I/O after the process exits.
	// Default: 5 seconds.
	WaitDelay time.Duration

	// Env is appended to the supervisor's environment for every run.
	Env []string
}

// Callbacks receive a run's outcome. Each non-nil callback is invoked exactly
// once per run, on the run goroutine, in the order OnStatusChange, OnResult,
// OnComplete. A panicking callback is logged and does not prevent the rest.
type Callbacks struct {
	OnStatusChange func(status Status)
	OnResult       func(value any)
	OnComplete     func()
}

// Supervisor runs scripts and reports their outcome.
type Supervisor struct {
	cfg          Config
	interpreters *InterpreterCache
	logs         *runlog.Factory
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]*Handle
	wg     sync.WaitGroup
}

// New creates a Supervisor. Run logs are created through logs.
func New(cfg Config, logs *runlog.Factory, logger *slog.Logger) *Supervisor {
	if cfg.WaitDelay == 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	if logs == nil {
		logs = runlog.NewFactory()
	}
	return &Supervisor{
		cfg:          cfg,
		interpreters: NewInterpreterCache(),
		logs:         logs,
		logger:       logger.With(slog.String("component", "supervisor")),
		active:       make(map[string]*Handle),
	}
}

// ExecuteScript starts scriptPath and returns immediately. Output is written
// to logFile, whose parent directory must exist. Cancelling ctx stops the run
// like Handle.Cancel.
func (s *Supervisor) ExecuteScript(ctx context.Context, scriptPath, logFile string, cb Callbacks) *Handle {
	return s.ExecuteScriptWithID(ctx, uuid.NewString(), scriptPath, logFile, cb)
}

// ExecuteScriptWithID is ExecuteScript with a caller-chosen run ID.
func (s *Supervisor) ExecuteScriptWithID(ctx context.Context, id, scriptPath, logFile string, cb Callbacks) *Handle {
	h := newHandle(id, scriptPath, logFile)

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	s.mu.Lock()
	s.active[h.id] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.active, h.id)
			s.mu.Unlock()
		}()

		s.run(runCtx, h, cb)
	}()

	return h
}

// Get returns an in-flight run by ID.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.active[id]
	return h, ok
}

// Active returns the number of in-flight runs.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown stops every in-flight run and waits for their callbacks to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	s.logger.Info("supervisor shutdown initiated", slog.Int("active_runs", len(handles)))
	for _, h := range handles {
		h.Cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("supervisor shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn("supervisor shutdown timed out")
		return ctx.Err()
	}
}

// run is the body of the run goroutine.
func (s *Supervisor) run(ctx context.Context, h *Handle, cb Callbacks) {
	runLogger := s.logger.With(
		slog.String("run_id", h.id),
		slog.String("script", h.script),
	)

	sink, err := s.logs.Create(h.logFile, h.logFile)
	if err != nil {
		runLogger.Error("failed to open run log", slog.String("error", err.Error()))
		res := &Result{
			Status:    StatusFailed,
			Value:     errorValue(err),
			ExitCode:  -1,
			StartedAt: h.startedAt,
			Err:       fmt.Errorf("%w: %w", ErrLogWrite, err),
		}
		s.finish(runLogger, h, cb, res)
		return
	}

	res := s.guardedExecute(ctx, runLogger, h, sink)

	sink.Info("Script execution finished")
	if werr := sink.Err(); werr != nil && !errors.Is(res.Err, ErrLaunch) {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%w: %w", ErrLogWrite, werr)
		res.Value = "Error writing run log: " + werr.Error()
	}
	if err := s.logs.Release(sink); err != nil {
		runLogger.Warn("failed to close run log", slog.String("error", err.Error()))
	}

	s.finish(runLogger, h, cb, res)
}

// guardedExecute converts a panic during execution into a failed result.
func (s *Supervisor) guardedExecute(ctx context.Context, logger *slog.Logger, h *Handle, sink *runlog.Logger) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("%w: %v", ErrPanic, p)
			logger.Error("recovered panic in run", slog.String("error", err.Error()))
			sink.Error(errorValue(err))
			res = &Result{
				Status:    StatusFailed,
				Value:     errorValue(err),
				ExitCode:  -1,
				StartedAt: h.startedAt,
				Duration:  time.Since(h.startedAt),
				Err:       err,
			}
		}
	}()
	return s.execute(ctx, logger, h, sink)
}

// afterWait runs once the child has been reaped. Tests replace it.
var afterWait = func(*Handle) {}

// execute launches the process, streams its output and assembles the result.
func (s *Supervisor) execute(ctx context.Context, logger *slog.Logger, h *Handle, sink *runlog.Logger) *Result {
	res := &Result{
		StartedAt: time.Now(),
		ExitCode:  -1,
	}

	launchFailed := func(err error) *Result {
		err = fmt.Errorf("%w: %w", ErrLaunch, err)
		if h.stopRequested() || ctx.Err() != nil {
			return s.stopped(sink, res)
		}
		sink.Error(errorValue(err))
		res.Status = StatusFailed
		res.Value = errorValue(err)
		res.Duration = time.Since(res.StartedAt)
		res.Err = err
		logger.Warn("script launch failed", slog.String("error", err.Error()))
		return res
	}

	sink.Info("Starting script execution: " + filepath.Base(h.script))

	interpreter, err := s.interpreters.Resolve(InterpreterFor(s.cfg.Interpreter, h.script))
	if err != nil {
		return launchFailed(err)
	}
	if info, err := os.Stat(h.script); err != nil {
		return launchFailed(err)
	} else if info.IsDir() {
		return launchFailed(fmt.Errorf("%s is a directory", h.script))
	}

	sink.Info(fmt.Sprintf("Command: %s %s", interpreter, h.script))

	execCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeoutCause(ctx, s.cfg.Timeout, ErrTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, interpreter, h.script)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	cmd.Env = append(cmd.Env, s.cfg.Env...)

	// Own process group so a stop or timeout also takes down grandchildren.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd)
	}
	cmd.WaitDelay = s.cfg.WaitDelay

	st, err := attachStreams(cmd, s.cfg.UsePTY)
	if err != nil {
		return launchFailed(err)
	}
	defer st.release()

	if err := cmd.Start(); err != nil {
		return launchFailed(err)
	}
	st.afterStart()
	h.setPID(cmd.Process.Pid)

	logger.Info("script started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("interpreter", interpreter),
	)

	var stdout, stderr outputBuffer
	var readers errgroup.Group
	readers.Go(func() error {
		if err := drain(st.stdout, &stdout, sink.Info); err != nil {
			_ = killGroup(cmd)
			return fmt.Errorf("read stdout: %w", err)
		}
		return nil
	})
	readers.Go(func() error {
		if err := drain(st.stderr, &stderr, sink.Error); err != nil {
			_ = killGroup(cmd)
			return fmt.Errorf("read stderr: %w", err)
		}
		return nil
	})

	// Both readers reach EOF before the process is reaped, so no line is
	// lost between exit and pipe close.
	readErr := readers.Wait()
	waitErr := cmd.Wait()
	afterWait(h)

	res.Duration = time.Since(res.StartedAt)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	}

	// Kills only decide the outcome when the process did not exit on its
	// own first.
	abnormal := waitErr != nil || readErr != nil
	timedOut := s.cfg.Timeout > 0 && errors.Is(context.Cause(execCtx), ErrTimeout)

	switch {
	case abnormal && h.stopRequested():
		return s.stopped(sink, res)

	case abnormal && timedOut:
		res.TimedOut = true
		res.Status = StatusFailed
		res.Err = fmt.Errorf("%w after %s", ErrTimeout, s.cfg.Timeout)
		res.Value = diagnostic(fmt.Sprintf("Script execution timed out after %s.", s.cfg.Timeout), res.Stdout, res.Stderr)
		sink.Error(fmt.Sprintf("Script execution timed out after %s", s.cfg.Timeout))
		return res

	case abnormal && ctx.Err() != nil:
		return s.stopped(sink, res)

	case readErr != nil:
		res.Status = StatusFailed
		res.Err = readErr
		res.Value = errorValue(readErr)
		sink.Error(errorValue(readErr))
		return res

	case waitErr != nil && exitErr == nil:
		res.Status = StatusFailed
		res.Err = waitErr
		res.Value = errorValue(waitErr)
		sink.Error(errorValue(waitErr))
		return res

	case res.ExitCode == 0:
		sink.Info("Script execution completed successfully")
		res.Status = StatusCompleted
		res.Value = successValue(res.Stdout)
		if m, ok, err := decodeStructured(res.Stdout); ok {
			res.Value = m
		} else if err != nil {
			logger.Debug("stdout looked structured but did not decode, keeping text",
				slog.String("error", err.Error()),
			)
		}
		return res

	default:
		// Structured stdout is not decoded here. A failed run always reports
		// the diagnostic text so the exit code and stderr are kept.
		sink.Error(fmt.Sprintf("Script execution failed with return code %d", res.ExitCode))
		res.Status = StatusFailed
		res.Value = exitFailureValue(res.ExitCode, res.Stdout, res.Stderr)
		return res
	}
}

func (s *Supervisor) stopped(sink *runlog.Logger, res *Result) *Result {
	sink.Error("Script execution stopped by request")
	res.Status = StatusStopped
	res.Err = ErrCanceled
	res.Value = diagnostic("Script execution was stopped.", res.Stdout, res.Stderr)
	if res.Duration == 0 {
		res.Duration = time.Since(res.StartedAt)
	}
	return res
}

// finish publishes the result on the handle and fires the callbacks.
func (s *Supervisor) finish(logger *slog.Logger, h *Handle, cb Callbacks, res *Result) {
	h.setResult(res)

	logger.Info("script execution complete",
		slog.String("status", string(res.Status)),
		slog.Int("exit_code", res.ExitCode),
		slog.Bool("timed_out", res.TimedOut),
		slog.Int64("duration_ms", res.DurationMs()),
	)

	if cb.OnStatusChange != nil {
		invoke(logger, "status", func() { cb.OnStatusChange(res.Status) })
	}
	if cb.OnResult != nil {
		invoke(logger, "result", func() { cb.OnResult(res.Value) })
	}
	if cb.OnComplete != nil {
		invoke(logger, "complete", func() { cb.OnComplete() })
	}

	close(h.done)
}

// invoke runs a caller callback, containing any panic.
func invoke(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("callback panicked",
				slog.String("callback", name),
				slog.Any("panic", p),
			)
		}
	}()
	fn()
}

// killGroup SIGKILLs the child's whole process group (negative PID).
func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
