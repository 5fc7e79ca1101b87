package api

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stha-sanket/RPA-App/internal/executor"
	"github.com/stha-sanket/RPA-App/internal/runlog"
	"github.com/stha-sanket/RPA-App/internal/runs"
	"github.com/stha-sanket/RPA-App/internal/version"
)

// StartRequest is the JSON body of POST /api/runs for a script already on disk.
type StartRequest struct {
	ScriptPath string `json:"script_path"`
	Name       string `json:"name,omitempty"`
}

// StartResponse is returned when a run is accepted.
type StartResponse struct {
	runs.View
	StreamURL string `json:"stream_url"`
}

// LogResponse carries the log lines after an offset.
type LogResponse struct {
	Lines   []string `json:"lines"`
	Offset  int64    `json:"offset"`
	Status  string   `json:"status"`
	Running bool     `json:"is_running"`
}

func errorBody(msg string) gin.H {
	return gin.H{"error": msg}
}

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, runs.ErrNotRunning), errors.Is(err, executor.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, runs.ErrUnsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, runs.ErrEmptyScriptArg):
		return http.StatusBadRequest
	case errors.Is(err, runs.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request error",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(code, errorBody(err.Error()))
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"running": s.runs.Running(),
	})
}

func (s *Server) getVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

func (s *Server) getSystem(c *gin.Context) {
	if s.host == nil {
		c.JSON(http.StatusNotFound, errorBody("host statistics disabled"))
		return
	}
	snap, err := s.host.Collect(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) listRuns(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorBody("invalid limit"))
			return
		}
		limit = n
	}

	views, err := s.runs.List(limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, views)
}

// createRun starts a run from a multipart "script" upload or from a JSON
// StartRequest naming a script on the runner's disk.
func (s *Server) createRun(c *gin.Context) {
	var (
		path string
		opts = runs.Options{Source: "api"}
	)

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUploadBytes)

		header, err := c.FormFile("script")
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("missing script file"))
			return
		}
		f, err := header.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("unreadable script file"))
			return
		}
		defer f.Close()

		path, err = s.runs.SaveUpload(header.Filename, f)
		if err != nil {
			s.fail(c, err)
			return
		}
		opts.Name = header.Filename
		opts.Uploaded = true
	} else {
		var req StartRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
			return
		}
		path = req.ScriptPath
		opts.Name = req.Name
	}

	run, err := s.runs.Start(path, opts)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, StartResponse{
		View:      run.View(),
		StreamURL: "/api/runs/" + run.ID + "/stream",
	})
}

func (s *Server) getRun(c *gin.Context) {
	view, err := s.runs.Lookup(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getScript(c *gin.Context) {
	content, err := s.runs.ScriptContent(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.String(http.StatusOK, content)
}

// getLog returns complete lines after ?offset and the offset to poll from next.
func (s *Server) getLog(c *gin.Context) {
	var offset int64
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorBody("invalid offset"))
			return
		}
		offset = n
	}

	view, err := s.runs.Lookup(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	lines, next, err := runlog.ReadFrom(view.LogFile, offset)
	if err != nil {
		s.fail(c, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}

	c.JSON(http.StatusOK, LogResponse{
		Lines:   lines,
		Offset:  next,
		Status:  view.Status,
		Running: view.Running,
	})
}

func (s *Server) getUsage(c *gin.Context) {
	usage, err := s.runs.Usage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) stopRun(c *gin.Context) {
	id := c.Param("id")
	if err := s.runs.Stop(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "stopping"})
}
