package events

import (
	"context"
	"errors"
)

// Sink is anything run events can be published to.
type Sink interface {
	PublishStarted(msg *RunStartedMessage) error
	PublishStatus(msg *RunStatusMessage) error
	PublishResult(ctx context.Context, msg *RunResultMessage) error
}

// Fanout publishes every event to all of its sinks. A failing sink does
// not stop delivery to the others.
type Fanout []Sink

// PublishStarted implements Sink.
func (f Fanout) PublishStarted(msg *RunStartedMessage) error {
	return f.each(func(s Sink) error { return s.PublishStarted(msg) })
}

// PublishStatus implements Sink.
func (f Fanout) PublishStatus(msg *RunStatusMessage) error {
	return f.each(func(s Sink) error { return s.PublishStatus(msg) })
}

// PublishResult implements Sink.
func (f Fanout) PublishResult(ctx context.Context, msg *RunResultMessage) error {
	return f.each(func(s Sink) error { return s.PublishResult(ctx, msg) })
}

func (f Fanout) each(fn func(Sink) error) error {
	var errs []error
	for _, s := range f {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
