package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotConnected is returned when publishing without a connection.
var ErrNotConnected = errors.New("not connected")

// Publisher sends run events through a Client.
type Publisher struct {
	client *Client
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a new NATS publisher.
func NewPublisher(client *Client, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: client.config.SubjectPrefix,
		logger: logger.With(slog.String("component", "events")),
	}
}

func (p *Publisher) subject(runID, kind string) string {
	return fmt.Sprintf("%s.runs.%s.%s", p.prefix, runID, kind)
}

// PublishStarted announces a submitted run.
func (p *Publisher) PublishStarted(msg *RunStartedMessage) error {
	env, err := envelope(TypeRunStarted, msg)
	if err != nil {
		return err
	}
	return p.publish(p.subject(msg.RunID, "started"), env)
}

// PublishStatus announces a status change.
func (p *Publisher) PublishStatus(msg *RunStatusMessage) error {
	env, err := envelope(TypeRunStatus, msg)
	if err != nil {
		return err
	}
	return p.publish(p.subject(msg.RunID, "status"), env)
}

// PublishResult publishes a final result, durably when a stream exists.
func (p *Publisher) PublishResult(ctx context.Context, msg *RunResultMessage) error {
	env, err := envelope(TypeRunResult, msg)
	if err != nil {
		return err
	}

	subject := p.subject(msg.RunID, "result")
	err = p.publishJetStream(ctx, subject, env)
	if errors.Is(err, jetstream.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
		p.logger.Debug("no stream for result subject, using core NATS", slog.String("subject", subject))
		return p.publish(subject, env)
	}
	return err
}

func envelope(msgType string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	data, err := json.Marshal(Envelope{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// publish sends a message via core NATS (fire-and-forget).
func (p *Publisher) publish(subject string, data []byte) error {
	nc, _ := p.client.connection()
	if nc == nil {
		return ErrNotConnected
	}

	if err := nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debug("published message", slog.String("subject", subject))
	return nil
}

// publishJetStream sends a message via JetStream and waits for the ack.
func (p *Publisher) publishJetStream(ctx context.Context, subject string, data []byte) error {
	_, js := p.client.connection()
	if js == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ack, err := js.Publish(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debug("published message to JetStream",
		slog.String("subject", subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)
	return nil
}

// Flush flushes the connection so queued messages are sent before exit.
func (p *Publisher) Flush() error {
	nc, _ := p.client.connection()
	if nc == nil {
		return ErrNotConnected
	}
	return nc.Flush()
}
