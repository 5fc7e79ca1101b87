// uploader.go syncs queued run reports to the reporting server.
//
// The uploader runs as a background goroutine and checks the pending queue
// on a fixed interval. Uploaded reports are acknowledged and removed;
// failures are retried on the next cycle.
package results

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// batchSize is the maximum number of reports sent per request.
const batchSize = 50

// ReportClient uploads a batch of run reports.
type ReportClient interface {
	SubmitRunReports(ctx context.Context, reports []*Report) error
}

// Uploader periodically uploads queued run reports.
type Uploader struct {
	store    *Store
	client   ReportClient
	logger   *slog.Logger
	interval time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewUploader creates a new report uploader. interval <= 0 defaults to 30s.
func NewUploader(store *Store, client ReportClient, interval time.Duration, logger *slog.Logger) *Uploader {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Uploader{
		store:    store,
		client:   client,
		logger:   logger.With(slog.String("component", "report-uploader")),
		interval: interval,
	}
}

// Run starts the upload loop and blocks until ctx is cancelled or Shutdown
// is called. Pending reports are processed immediately on start.
func (u *Uploader) Run(ctx context.Context) {
	internalCtx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.cancel = cancel
	u.mu.Unlock()
	defer cancel()

	u.logger.Info("report uploader started",
		slog.Duration("interval", u.interval),
	)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.Flush(internalCtx)

	for {
		select {
		case <-internalCtx.Done():
			u.logger.Info("report uploader stopping")
			return

		case <-ticker.C:
			u.Flush(internalCtx)
		}
	}
}

// Flush uploads one batch of pending reports. Errors are logged, not returned;
// the batch stays queued for the next cycle.
func (u *Uploader) Flush(ctx context.Context) {
	u.wg.Add(1)
	defer u.wg.Done()

	if ctx.Err() != nil {
		return
	}

	reports, err := u.store.Pending(batchSize)
	if err != nil {
		u.logger.Warn("failed to read pending reports",
			slog.String("error", err.Error()),
		)
		return
	}

	if len(reports) == 0 {
		u.logger.Debug("no pending reports")
		return
	}

	if err := u.client.SubmitRunReports(ctx, reports); err != nil {
		u.logger.Warn("failed to upload reports, will retry next cycle",
			slog.String("error", err.Error()),
			slog.Int("count", len(reports)),
		)
		return
	}

	seqs := make([]uint64, len(reports))
	for i, r := range reports {
		seqs[i] = r.Seq
	}

	// The server dedups by run ID, so a failed ack only means a resend.
	if err := u.store.Ack(seqs); err != nil {
		u.logger.Warn("failed to remove uploaded reports from queue",
			slog.String("error", err.Error()),
			slog.Int("count", len(seqs)),
		)
		return
	}

	u.logger.Info("reports uploaded",
		slog.Int("count", len(reports)),
	)
}

// Shutdown stops the uploader and waits for any in-flight upload.
func (u *Uploader) Shutdown(ctx context.Context) error {
	u.logger.Info("uploader shutdown initiated")

	u.mu.Lock()
	cancel := u.cancel
	u.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		u.logger.Info("uploader shutdown complete")
		return nil
	case <-ctx.Done():
		u.logger.Warn("uploader shutdown timed out")
		return ctx.Err()
	}
}
