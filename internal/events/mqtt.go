package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// publishTimeout bounds how long a publish waits for the broker.
const publishTimeout = 5 * time.Second

// ErrPublishTimeout is returned when the broker does not acknowledge in time.
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// MQTTConfig configures the MQTT event sink.
//
// Topics, with prefix "rpa" and host "worker-1":
//
//	rpa/runs/<run-id>/started
//	rpa/runs/<run-id>/status
//	rpa/runs/<run-id>/result    (QoS 1, retained)
//	rpa/control/worker-1        (stop_run requests, subscribed)
type MQTTConfig struct {
	Broker      string // e.g. tcp://localhost:1883
	TopicPrefix string
	Host        string
	Username    string
	Password    string
}

// MQTTClient publishes run events to an MQTT broker and accepts stop
// requests on the control topic. Messages use the same envelopes as NATS.
type MQTTClient struct {
	config MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu      sync.RWMutex
	handler ControlHandler
}

// NewMQTTClient creates an MQTT client. Call Connect before publishing.
func NewMQTTClient(cfg MQTTConfig, logger *slog.Logger) *MQTTClient {
	c := &MQTTClient{
		config: cfg,
		logger: logger.With(slog.String("component", "mqtt")),
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	opts.SetClientID("rpa-runner-" + uuid.NewString())
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	// Subscriptions do not survive a reconnect with a clean session.
	opts.SetOnConnectHandler(c.subscribeControl)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", slog.String("error", err.Error()))
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// SetHandler sets the handler for stop requests.
func (c *MQTTClient) SetHandler(handler ControlHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Connect connects to the broker, giving up when ctx is done.
func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-ctx.Done():
		c.client.Disconnect(0)
		return ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", c.config.Broker, err)
	}

	c.logger.Info("connected to MQTT broker",
		slog.String("broker", c.config.Broker),
		slog.String("control_topic", c.ControlTopic()),
	)
	return nil
}

func (c *MQTTClient) subscribeControl(client mqtt.Client) {
	token := client.Subscribe(c.ControlTopic(), 1, func(_ mqtt.Client, msg mqtt.Message) {
		c.mu.RLock()
		handler := c.handler
		c.mu.RUnlock()

		if err := dispatchControl(handler, msg.Payload()); err != nil {
			c.logger.Warn("control message rejected",
				slog.String("topic", msg.Topic()),
				slog.String("error", err.Error()),
			)
		}
	})
	if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
		c.logger.Error("failed to subscribe to control topic", slog.String("topic", c.ControlTopic()))
	}
}

// ControlTopic is the topic this runner accepts control messages on.
func (c *MQTTClient) ControlTopic() string {
	return c.config.TopicPrefix + "/control/" + c.config.Host
}

func (c *MQTTClient) topic(runID, kind string) string {
	return c.config.TopicPrefix + "/runs/" + runID + "/" + kind
}

// IsConnected reports whether the client has a live broker connection.
func (c *MQTTClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// PublishStarted publishes a run_started message.
func (c *MQTTClient) PublishStarted(msg *RunStartedMessage) error {
	data, err := envelope(TypeRunStarted, msg)
	if err != nil {
		return err
	}
	return c.publish(c.topic(msg.RunID, "started"), 0, false, data)
}

// PublishStatus publishes a run_status message.
func (c *MQTTClient) PublishStatus(msg *RunStatusMessage) error {
	data, err := envelope(TypeRunStatus, msg)
	if err != nil {
		return err
	}
	return c.publish(c.topic(msg.RunID, "status"), 0, false, data)
}

// PublishResult publishes a retained run_result message at QoS 1, so a
// subscriber that arrives after the run still sees its outcome.
func (c *MQTTClient) PublishResult(ctx context.Context, msg *RunResultMessage) error {
	data, err := envelope(TypeRunResult, msg)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.publish(c.topic(msg.RunID, "result"), 1, true, data)
}

func (c *MQTTClient) publish(topic string, qos byte, retained bool, data []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	c.logger.Debug("published message", slog.String("topic", topic))
	return nil
}

// Shutdown disconnects, letting in-flight messages finish for up to 250ms.
func (c *MQTTClient) Shutdown(ctx context.Context) error {
	c.client.Disconnect(250)
	c.logger.Info("MQTT client disconnected")
	return nil
}
