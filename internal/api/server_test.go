package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/stha-sanket/RPA-App/internal/executor"
	"github.com/stha-sanket/RPA-App/internal/results"
	"github.com/stha-sanket/RPA-App/internal/runlog"
	"github.com/stha-sanket/RPA-App/internal/runs"
	"github.com/stha-sanket/RPA-App/internal/stats"
)

type testEnv struct {
	dir     string
	server  *Server
	manager *runs.Manager
}

func newTestEnv(t *testing.T, origins ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := results.Open(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logs := runlog.NewFactory()
	manager := runs.NewManager(runs.Config{
		LogDir:     filepath.Join(dir, "logs"),
		ScriptsDir: filepath.Join(dir, "scripts"),
	}, executor.New(executor.Config{}, logs, logger), logs, store, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})

	server := New(Config{AllowedOrigins: origins, RefreshInterval: 20 * time.Millisecond}, manager, logger)
	return &testEnv{dir: dir, server: server, manager: manager}
}

func (e *testEnv) script(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) startJSON(t *testing.T, path string) StartResponse {
	t.Helper()
	body, err := json.Marshal(StartRequest{ScriptPath: path})
	require.NoError(t, err)
	rec := e.do(t, http.MethodPost, "/api/runs", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) waitFinished(t *testing.T, id string) runs.View {
	t.Helper()
	var view runs.View
	require.Eventually(t, func() bool {
		rec := e.do(t, http.MethodGet, "/api/runs/"+id, nil, "")
		if rec.Code != http.StatusOK {
			return false
		}
		view = runs.View{}
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			return false
		}
		return !view.Running
	}, 10*time.Second, 20*time.Millisecond)
	return view
}

func multipartBody(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("script", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"healthy","running":0}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/version", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"version"`)
}

func TestSystem(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/system", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	env.server.SetCollector(stats.NewCollector(env.dir, slog.New(slog.NewTextHandler(io.Discard, nil))))
	rec = env.do(t, http.MethodGet, "/api/system", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, env.dir, snap.DiskPath)
	require.Positive(t, snap.MemoryTotal)
}

func TestStartFromPath(t *testing.T) {
	env := newTestEnv(t)
	resp := env.startJSON(t, env.script(t, "hello.sh", "echo Hello"))
	require.Equal(t, "api", resp.Source)
	require.Equal(t, "/api/runs/"+resp.ID+"/stream", resp.StreamURL)

	view := env.waitFinished(t, resp.ID)
	require.Equal(t, "Completed", view.Status)
	require.Equal(t, "🟢", view.Indicator)
	require.Equal(t, "Hello", view.Result)

	rec := env.do(t, http.MethodGet, "/api/runs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []runs.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	require.Equal(t, resp.ID, list[0].ID)
}

func TestStartRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name        string
		body        string
		contentType string
		want        int
	}{
		{"malformed json", "{", "application/json", http.StatusBadRequest},
		{"empty path", `{"script_path": ""}`, "application/json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/runs", strings.NewReader(tt.body), tt.contentType)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	body, ct := multipartBody(t, "tool.exe", "MZ")
	rec := env.do(t, http.MethodPost, "/api/runs", body, ct)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/runs/missing", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"error":"run not found"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/runs?limit=x", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAndScriptContent(t *testing.T) {
	env := newTestEnv(t)
	source := "#!/bin/sh\necho uploaded\n"

	body, ct := multipartBody(t, "job.sh", source)
	rec := env.do(t, http.MethodPost, "/api/runs", body, ct)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp StartResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job.sh", resp.ScriptName)

	view := env.waitFinished(t, resp.ID)
	require.Equal(t, "uploaded", view.Result)

	rec = env.do(t, http.MethodGet, "/api/runs/"+resp.ID+"/script", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, source, rec.Body.String())
}

func TestLogOffsets(t *testing.T) {
	env := newTestEnv(t)
	resp := env.startJSON(t, env.script(t, "job.sh", "echo one\necho two"))
	env.waitFinished(t, resp.ID)

	rec := env.do(t, http.MethodGet, "/api/runs/"+resp.ID+"/log", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var first LogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.Equal(t, "Completed", first.Status)
	require.False(t, first.Running)
	require.Contains(t, first.Lines[0], "Starting execution of job.sh")
	require.Positive(t, first.Offset)

	rec = env.do(t, http.MethodGet, "/api/runs/"+resp.ID+"/log?offset="+strconv.FormatInt(first.Offset, 10), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var second LogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	require.Empty(t, second.Lines)
	require.Equal(t, first.Offset, second.Offset)

	rec = env.do(t, http.MethodGet, "/api/runs/"+resp.ID+"/log?offset=-1", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopAndUsage(t *testing.T) {
	env := newTestEnv(t)
	resp := env.startJSON(t, env.script(t, "slow.sh", "sleep 30"))

	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/runs/"+resp.ID+"/usage", nil, "")
		return rec.Code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	rec := env.do(t, http.MethodPost, "/api/runs/"+resp.ID+"/stop", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	view := env.waitFinished(t, resp.ID)
	require.Equal(t, "Stopped", view.Status)

	rec = env.do(t, http.MethodPost, "/api/runs/"+resp.ID+"/stop", nil, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/runs/unknown/stop", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp := env.startJSON(t, env.script(t, "job.sh", "echo one\nsleep 0.2\necho two"))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + resp.StreamURL
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var (
		messages []string
		final    *runs.View
	)
	for final == nil {
		var msg StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		switch msg.Type {
		case StreamLog:
			require.NotNil(t, msg.Entry, msg.Line)
			messages = append(messages, msg.Entry.Message)
		case StreamComplete:
			final = msg.Run
		}
	}

	require.Equal(t, "Starting execution of job.sh", messages[0])
	require.Contains(t, messages, "one")
	require.Contains(t, messages, "two")
	require.Equal(t, "Script execution finished", messages[len(messages)-1])
	require.Equal(t, "Completed", final.Status)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, "https://console.example.com")

	req := httptest.NewRequest(http.MethodOptions, "/api/runs", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}
