// Package systemd integrates `rpa-runner serve` with systemd.
//
// It wraps coreos/go-systemd to send READY, STOPPING and STATUS
// notifications for Type=notify units and to ping the watchdog while the
// runner is healthy. Outside systemd (no NOTIFY_SOCKET) every call is a
// no-op, so development runs need no special handling.
package systemd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	logger *slog.Logger
}

// New creates a Notifier.
func New(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logger.With(slog.String("component", "systemd"))}
}

// Ready sends READY=1. It reports whether the notification was delivered.
func (n *Notifier) Ready() bool {
	return n.notify(daemon.SdNotifyReady, "ready")
}

// Stopping sends STOPPING=1 so systemd waits for the process to exit.
func (n *Notifier) Stopping() bool {
	return n.notify(daemon.SdNotifyStopping, "stopping")
}

// Status sends a free-form STATUS= line shown by `systemctl status`.
func (n *Notifier) Status(status string) bool {
	return n.notify("STATUS="+status, "status")
}

func (n *Notifier) notify(state, name string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("failed to send systemd notification",
			slog.String("notification", name),
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		n.logger.Debug("sent systemd notification", slog.String("notification", name))
	}
	return sent
}

// HealthCheckFunc returns true if the service is healthy.
type HealthCheckFunc func() bool

// StartWatchdog pings the systemd watchdog every half WatchdogSec while
// healthCheck passes, until ctx is done. It returns false without starting
// anything when the unit has no watchdog.
func (n *Notifier) StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) bool {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.logger.Debug("watchdog not enabled", slog.String("error", err.Error()))
		return false
	}
	if interval == 0 {
		return false
	}

	pingInterval := interval / 2
	n.logger.Info("starting systemd watchdog",
		slog.Duration("watchdog_interval", interval),
		slog.Duration("ping_interval", pingInterval),
	)

	go n.watchdogLoop(ctx, pingInterval, healthCheck)
	return true
}

func (n *Notifier) watchdogLoop(ctx context.Context, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthCheck() {
				n.logger.Warn("health check failed, skipping watchdog ping")
				continue
			}
			n.notify(daemon.SdNotifyWatchdog, "watchdog")
		}
	}
}

// IsRunningUnderSystemd returns true if NOTIFY_SOCKET is set.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
