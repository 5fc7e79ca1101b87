package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stha-sanket/RPA-App/internal/runlog"
	"github.com/stha-sanket/RPA-App/internal/runs"
)

const writeWait = 10 * time.Second

// Stream message types.
const (
	StreamLog      = "log"
	StreamComplete = "complete"
)

// StreamMessage is one websocket frame of GET /api/runs/:id/stream.
type StreamMessage struct {
	Type  string        `json:"type"`
	Line  string        `json:"line,omitempty"`
	Entry *runlog.Entry `json:"entry,omitempty"`
	Run   *runs.View    `json:"run,omitempty"`
}

// streamRun sends every log line of a run, from the start of the file, then
// a final "complete" frame with the run's view once it has finished. Runs from
// history are replayed and completed immediately.
func (s *Server) streamRun(c *gin.Context) {
	id := c.Param("id")
	view, err := s.runs.Lookup(id)
	if err != nil {
		s.fail(c, err)
		return
	}

	done := closedChan()
	if run, ok := s.runs.Get(id); ok {
		done = run.Done()
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// The client never sends data; reading detects a close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var writeErr error
	send := func(msg StreamMessage) {
		if writeErr != nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if writeErr = conn.WriteJSON(msg); writeErr != nil {
			cancel()
		}
	}

	_, err = runlog.Follow(ctx, view.LogFile, 0, s.cfg.RefreshInterval, done, func(line string) {
		msg := StreamMessage{Type: StreamLog, Line: line}
		if entry, err := runlog.ParseLine(line); err == nil {
			msg.Entry = &entry
		}
		send(msg)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("log stream ended",
				slog.String("run_id", id),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	final, err := s.runs.Lookup(id)
	if err != nil {
		final = view
	}
	send(StreamMessage{Type: StreamComplete, Run: &final})
	if writeErr != nil {
		return
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
		time.Now().Add(writeWait))
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
