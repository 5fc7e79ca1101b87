// Package shutdown provides coordinated shutdown for the runner's components.
// Components stop in reverse order of registration, so the HTTP API stops
// accepting runs before the supervisor kills in-flight scripts, and the
// stores close only after every writer is gone.
//
// Usage:
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("store", store)
//	coord.Register("api", server)
//	coord.Shutdown(ctx) // stops api first, then store
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Shutdowner is implemented by components that take part in shutdown.
// Shutdown should respect the context's deadline and return ctx.Err() if it
// cannot complete in time.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Func adapts a function to Shutdowner.
type Func func(ctx context.Context) error

// Shutdown calls f.
func (f Func) Shutdown(ctx context.Context) error { return f(ctx) }

// Closer adapts an io.Closer style Close to Shutdowner.
func Closer(close func() error) Shutdowner {
	return Func(func(context.Context) error { return close() })
}

type component struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator manages ordered shutdown of multiple components.
type Coordinator struct {
	mu         sync.Mutex
	components []component
	done       bool
	logger     *slog.Logger
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logger.With(slog.String("component", "shutdown")),
	}
}

// Register adds a component. Components are shut down last in, first out.
func (c *Coordinator) Register(name string, s Shutdowner) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.components = append(c.components, component{name: name, shutdowner: s})
	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops all registered components in reverse order. A failing
// component does not stop the others; all failures are joined. Once the
// context is done, remaining components are skipped. Shutdown runs at most
// once; later calls return nil.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	components := c.components
	c.mu.Unlock()

	c.logger.Info("starting coordinated shutdown",
		slog.Int("components", len(components)),
	)

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		comp := components[i]

		if ctx.Err() != nil {
			c.logger.Error("shutdown deadline exceeded",
				slog.String("remaining_component", comp.name),
			)
			errs = append(errs, fmt.Errorf("shutdown deadline exceeded at component %s: %w", comp.name, ctx.Err()))
			break
		}

		start := time.Now()
		err := comp.shutdowner.Shutdown(ctx)
		duration := time.Since(start)

		if err != nil {
			c.logger.Error("component shutdown failed",
				slog.String("handler", comp.name),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("failed to shutdown %s: %w", comp.name, err))
			continue
		}
		c.logger.Info("component shutdown complete",
			slog.String("handler", comp.name),
			slog.Duration("duration", duration),
		)
	}

	if len(errs) > 0 {
		c.logger.Warn("coordinated shutdown completed with errors")
		return errors.Join(errs...)
	}
	c.logger.Info("coordinated shutdown complete")
	return nil
}

// ComponentCount returns the number of registered components.
func (c *Coordinator) ComponentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.components)
}
