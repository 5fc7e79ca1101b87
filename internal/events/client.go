// Package events publishes run lifecycle events over NATS and accepts remote
// stop requests.
//
// Status changes go out on core NATS. Final results are published through
// JetStream when a stream captures the result subject, so a consumer that
// was offline still receives them; without such a stream they fall back to
// core NATS. Authentication uses an optional NKey seed.
//
// Subjects, with prefix "rpa" and host "worker-1":
//
//	rpa.runs.<run-id>.started
//	rpa.runs.<run-id>.status
//	rpa.runs.<run-id>.result
//	rpa.control.worker-1        (stop_run requests, subscribed)
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/nats-io/nkeys"
)

// Config holds NATS connection configuration.
type Config struct {
	Servers       string // Comma-separated list of NATS server URLs
	NKeySeed      string // Optional NKey seed (starts with SU)
	SubjectPrefix string // Prefix of every subject, e.g. "rpa"
	Host          string // Runner name used for the control subject
}

// ControlHandler executes remote control requests.
type ControlHandler interface {
	StopRun(id string) error
}

// Client manages the NATS connection.
type Client struct {
	config  Config
	nc      *nats.Conn
	js      jetstream.JetStream
	sub     *nats.Subscription
	logger  *slog.Logger
	handler ControlHandler
	mu      sync.RWMutex
}

// NewClient creates a new NATS client with the given configuration.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logger.With(slog.String("component", "events")),
	}
}

// SetHandler sets the handler for control messages. It must be called
// before Connect to take effect.
func (c *Client) SetHandler(handler ControlHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// authOption builds the NKey authentication option, or nil without a seed.
func authOption(seed string) (nats.Option, error) {
	if seed == "" {
		return nil, nil
	}

	kp, err := nkeys.FromSeed([]byte(seed))
	if err != nil {
		return nil, fmt.Errorf("invalid nkey seed: %w", err)
	}

	pubKey, err := kp.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	return nats.Nkey(pubKey, func(nonce []byte) ([]byte, error) {
		return kp.Sign(nonce)
	}), nil
}

// Connect establishes the connection and subscribes to the control subject.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts := []nats.Option{
		nats.Name("rpa-runner-" + c.config.Host),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				c.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			// sub can be nil for connection-level errors
			if sub != nil {
				c.logger.Error("NATS error",
					slog.String("error", err.Error()),
					slog.String("subject", sub.Subject),
				)
				return
			}
			c.logger.Error("NATS error", slog.String("error", err.Error()))
		}),
	}

	auth, err := authOption(c.config.NKeySeed)
	if err != nil {
		return err
	}
	if auth != nil {
		opts = append(opts, auth)
	}

	nc, err := nats.Connect(c.config.Servers, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}

	if c.handler != nil {
		subject := c.ControlSubject()
		sub, err := nc.Subscribe(subject, c.handleControl)
		if err != nil {
			nc.Close()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		c.sub = sub
	}

	c.nc = nc
	c.js = js

	c.logger.Info("NATS connected",
		slog.String("server", nc.ConnectedUrl()),
		slog.String("control_subject", c.ControlSubject()),
	)
	return nil
}

// handleControl processes a control message from core NATS.
func (c *Client) handleControl(msg *nats.Msg) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if err := dispatchControl(handler, msg.Data); err != nil {
		c.logger.Warn("control message rejected",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
	}
}

// dispatchControl decodes a control envelope and calls the handler.
func dispatchControl(handler ControlHandler, data []byte) error {
	if handler == nil {
		return fmt.Errorf("no control handler set")
	}

	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch envelope.Type {
	case TypeStopRun:
		var stop StopRunMessage
		if err := json.Unmarshal(envelope.Payload, &stop); err != nil {
			return fmt.Errorf("unmarshal stop_run: %w", err)
		}
		if stop.RunID == "" {
			return fmt.Errorf("stop_run without runId")
		}
		return handler.StopRun(stop.RunID)

	default:
		return fmt.Errorf("unknown message type %q", envelope.Type)
	}
}

// ControlSubject is the subject this runner accepts control messages on.
func (c *Client) ControlSubject() string {
	return c.config.SubjectPrefix + ".control." + c.config.Host
}

// IsConnected returns whether the client is currently connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc != nil && c.nc.IsConnected()
}

// Close unsubscribes and drains the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		_ = c.sub.Unsubscribe()
		c.sub = nil
	}
	if c.nc != nil {
		err := c.nc.Drain()
		c.nc = nil
		c.js = nil
		return err
	}
	return nil
}

// Shutdown implements the shutdown.Shutdowner interface.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Close()
}

func (c *Client) connection() (*nats.Conn, jetstream.JetStream) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nc, c.js
}
