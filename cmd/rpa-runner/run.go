package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stha-sanket/RPA-App/internal/executor"
	"github.com/stha-sanket/RPA-App/internal/logging"
	"github.com/stha-sanket/RPA-App/internal/results"
	"github.com/stha-sanket/RPA-App/internal/runlog"
	"github.com/stha-sanket/RPA-App/internal/runs"
)

// Grace period for a stopped run to drain and record its result.
const shutdownTimeout = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Execute a script in the foreground and follow its log",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

// newManager wires a supervisor and a run manager from the loaded config.
// store and notifier may be nil.
func newManager(store runs.Store, notifier runs.Notifier, logger *slog.Logger) *runs.Manager {
	logs := runlog.NewFactory()
	supervisor := executor.New(executor.Config{
		Interpreter: cfg.Interpreter,
		Timeout:     cfg.Timeout(),
		UsePTY:      cfg.UsePTY,
	}, logs, logger)

	return runs.NewManager(runs.Config{
		LogDir:        cfg.LogDir,
		ScriptsDir:    cfg.ScriptsDir,
		Report:        cfg.UploadEnabled(),
		CleanupOnExit: cfg.CleanupOnExit,
		Host:          hostname(),
	}, supervisor, logs, store, notifier, logger)
}

// doRun starts one run, prints its log lines as they appear (polling every
// refresh interval), then prints the final status and result. SIGINT stops
// the run; the command still waits for the result to be recorded.
func doRun(cmd *cobra.Command, args []string) error {
	// Process logs go to stderr so stdout carries only the run.
	logger := logging.New(os.Stderr, cfg.LogLevel)

	scriptPath, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}

	var store runs.Store
	if s, err := results.Open(cfg.DatabasePath()); err != nil {
		logger.Warn("run history unavailable, result will not be saved",
			slog.String("path", cfg.DatabasePath()),
			slog.String("error", err.Error()),
		)
	} else {
		defer s.Close()
		store = s
	}

	manager := newManager(store, nil, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := manager.Start(scriptPath, runs.Options{Source: "cli"})
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("interrupt received, stopping run", slog.String("run_id", run.ID))
			_ = manager.Stop(run.ID)
		case <-run.Done():
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, runs.StatusLine(executor.StatusRunning))

	if _, err := runlog.Follow(context.Background(), run.LogFile, 0, cfg.RefreshInterval(), run.Done(), func(line string) {
		fmt.Fprintln(out, line)
	}); err != nil {
		logger.Warn("failed to follow run log", slog.String("error", err.Error()))
		<-run.Done()
	}

	view := run.View()
	fmt.Fprintln(out, runs.StatusLine(executor.Status(view.Status)))
	printResult(out, view.Result)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}

	if executor.Status(view.Status) != executor.StatusCompleted {
		return fmt.Errorf("run %s ended with status %s", run.ID, view.Status)
	}
	return nil
}

// printResult writes text results as-is and structured results as indented JSON.
func printResult(w io.Writer, result any) {
	fmt.Fprintln(w, "Result:")
	if s, ok := result.(string); ok {
		fmt.Fprintln(w, s)
		return
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", result)
		return
	}
	fmt.Fprintln(w, string(data))
}
