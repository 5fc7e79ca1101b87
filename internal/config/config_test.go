package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stha-sanket/RPA-App/internal/config"
)

func writeConfig(t *testing.T, yml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yml), 0600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
interpreter: bash
log_dir: /var/log/rpa
timeout_seconds: 90
use_pty: true
cors_origins: "http://localhost:3000, https://rpa.example.com"
schedules:
  - name: nightly
    script: /opt/rpa/nightly.py
    cron: "0 2 * * *"
  - name: poll
    script: /opt/rpa/poll.sh
    interval_minutes: 5
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "bash", cfg.Interpreter)
	require.Equal(t, "/var/log/rpa", cfg.LogDir)
	require.Equal(t, 90*time.Second, cfg.Timeout())
	require.True(t, cfg.UsePTY)
	require.Equal(t, []string{"http://localhost:3000", "https://rpa.example.com"}, cfg.AllowedOrigins())
	require.Len(t, cfg.Schedules, 2)
	require.Equal(t, "0 2 * * *", cfg.Schedules[0].Cron)
	require.Equal(t, 5, cfg.Schedules[1].IntervalMinutes)

	// defaults
	require.Equal(t, "data", cfg.DataDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 30*time.Second, cfg.UploadInterval())
	require.Equal(t, time.Second, cfg.RefreshInterval())
	require.False(t, cfg.UploadEnabled())
	require.False(t, cfg.NATSEnabled())
	require.False(t, cfg.MQTTEnabled())
	require.Equal(t, "rpa", cfg.NATSSubjectPrefix)
	require.Equal(t, "rpa", cfg.MQTTTopicPrefix)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, config.Default().ListenAddr, cfg.ListenAddr)
	require.Zero(t, cfg.Timeout())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "timeout_seconds: 10\nlog_level: info\n")
	t.Setenv("RPA_TIMEOUT_SECONDS", "45")
	t.Setenv("RPA_LOG_LEVEL", "debug")
	t.Setenv("RPA_SERVER_URL", "https://reports.example.com")
	t.Setenv("RPA_MQTT_BROKER", "tcp://broker:1883")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, cfg.Timeout())
	require.Equal(t, "debug", cfg.LogLevel)
	require.True(t, cfg.UploadEnabled())
	require.True(t, cfg.MQTTEnabled())
	require.Equal(t, "tcp://broker:1883", cfg.MQTTBroker)
}

func TestLoad_Fail(t *testing.T) {
	tests := []struct {
		name string
		yml  string
		err  error
	}{
		{"negative timeout", "timeout_seconds: -1\n", config.ErrInvalidTimeout},
		{"schedule without name", "schedules:\n  - script: a.py\n    interval_minutes: 1\n", config.ErrScheduleName},
		{"schedule without script", "schedules:\n  - name: a\n    interval_minutes: 1\n", config.ErrScheduleScript},
		{"schedule with both triggers", "schedules:\n  - name: a\n    script: a.py\n    cron: \"* * * * *\"\n    interval_minutes: 1\n", config.ErrScheduleTrigger},
		{"schedule without trigger", "schedules:\n  - name: a\n    script: a.py\n", config.ErrScheduleTrigger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.yml))
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestLoad_InvalidCron(t *testing.T) {
	_, err := config.Load(writeConfig(t, "schedules:\n  - name: a\n    script: a.py\n    cron: \"not a cron\"\n"))
	require.ErrorContains(t, err, "invalid cron")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := config.Default()
	cfg.APIKey = "secret"
	cfg.Schedules = []config.Schedule{{Name: "a", Script: "a.py", IntervalMinutes: 3}}

	require.NoError(t, config.Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "secret", loaded.APIKey)
	require.Equal(t, cfg.Schedules, loaded.Schedules)
}
