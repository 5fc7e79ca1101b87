package events

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startBroker runs an in-process MQTT broker and returns its URL.
func startBroker(t *testing.T) string {
	t.Helper()
	addr := freeAddr(t)

	broker := mqttserver.New(nil)
	require.NoError(t, broker.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, broker.AddListener(listeners.NewTCP(listeners.Config{ID: "t1", Address: addr})))

	go func() { _ = broker.Serve() }()
	t.Cleanup(func() { broker.Close() })

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	return "tcp://" + addr
}

func observer(t *testing.T, broker string) mqtt.Client {
	t.Helper()
	c := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(broker).SetClientID("observer"))
	token := c.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { c.Disconnect(0) })
	return c
}

type received struct {
	mu   sync.Mutex
	msgs map[string]Envelope
}

func (r *received) handle(_ mqtt.Client, msg mqtt.Message) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		return
	}
	r.mu.Lock()
	r.msgs[msg.Topic()] = env
	r.mu.Unlock()
}

func (r *received) get(topic string) (Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.msgs[topic]
	return env, ok
}

type syncStopRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (s *syncStopRecorder) StopRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return nil
}

func (s *syncStopRecorder) stopped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestMQTTPublishAndControl(t *testing.T) {
	broker := startBroker(t)

	client := NewMQTTClient(MQTTConfig{Broker: broker, TopicPrefix: "rpa", Host: "worker-1"}, discardLogger())
	stops := &syncStopRecorder{}
	client.SetHandler(stops)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { client.Shutdown(context.Background()) })
	require.True(t, client.IsConnected())
	require.Equal(t, "rpa/control/worker-1", client.ControlTopic())

	obs := observer(t, broker)
	got := &received{msgs: make(map[string]Envelope)}
	token := obs.Subscribe("rpa/runs/#", 1, got.handle)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	require.NoError(t, client.PublishStarted(&RunStartedMessage{RunID: "r1", Script: "job.py"}))
	require.NoError(t, client.PublishStatus(&RunStatusMessage{RunID: "r1", Status: "Running"}))
	require.NoError(t, client.PublishResult(context.Background(), &RunResultMessage{RunID: "r1", Status: "Completed", Result: "Hello"}))

	require.Eventually(t, func() bool {
		_, ok := got.get("rpa/runs/r1/result")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	env, ok := got.get("rpa/runs/r1/started")
	require.True(t, ok)
	require.Equal(t, TypeRunStarted, env.Type)

	env, _ = got.get("rpa/runs/r1/result")
	require.Equal(t, TypeRunResult, env.Type)
	var result RunResultMessage
	require.NoError(t, json.Unmarshal(env.Payload, &result))
	require.Equal(t, "Hello", result.Result)

	stop, err := envelope(TypeStopRun, &StopRunMessage{RunID: "r1"})
	require.NoError(t, err)
	token = obs.Publish("rpa/control/worker-1", 1, false, stop)
	require.True(t, token.WaitTimeout(5*time.Second))

	require.Eventually(t, func() bool {
		return len(stops.stopped()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, []string{"r1"}, stops.stopped())
}

func TestMQTTPublishWithoutConnection(t *testing.T) {
	client := NewMQTTClient(MQTTConfig{Broker: "tcp://127.0.0.1:1", TopicPrefix: "rpa", Host: "h"}, discardLogger())
	require.False(t, client.IsConnected())
	require.ErrorIs(t, client.PublishStatus(&RunStatusMessage{RunID: "a"}), ErrNotConnected)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.Error(t, client.Connect(ctx))
}

type failingSink struct{ err error }

func (f failingSink) PublishStarted(*RunStartedMessage) error { return f.err }
func (f failingSink) PublishStatus(*RunStatusMessage) error   { return f.err }
func (f failingSink) PublishResult(context.Context, *RunResultMessage) error {
	return f.err
}

type countingSink struct{ n int }

func (c *countingSink) PublishStarted(*RunStartedMessage) error { c.n++; return nil }
func (c *countingSink) PublishStatus(*RunStatusMessage) error   { c.n++; return nil }
func (c *countingSink) PublishResult(context.Context, *RunResultMessage) error {
	c.n++
	return nil
}

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	counter := &countingSink{}
	f := Fanout{failingSink{err: boom}, counter}

	require.ErrorIs(t, f.PublishStarted(&RunStartedMessage{}), boom)
	require.ErrorIs(t, f.PublishStatus(&RunStatusMessage{}), boom)
	require.ErrorIs(t, f.PublishResult(context.Background(), &RunResultMessage{}), boom)
	require.Equal(t, 3, counter.n, "a failing sink must not block the others")

	require.NoError(t, Fanout{counter}.PublishStatus(&RunStatusMessage{}))
}
