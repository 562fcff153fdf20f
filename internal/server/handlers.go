package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Iron-Ham/agentspace/internal/audit"
	"github.com/Iron-Ham/agentspace/internal/metadata"
)

type lockRequest struct {
	Path      string `json:"path" binding:"required"`
	Agent     string `json:"agent" binding:"required"`
	Exclusive bool   `json:"exclusive"`
	// A missing TimeoutMs falls back to the workspace lock timeout.
	TimeoutMs *int `json:"timeout_ms"`
}

type writeRequest struct {
	Path    string `json:"path" binding:"required"`
	Agent   string `json:"agent" binding:"required"`
	Content string `json:"content"`
	Backup  bool   `json:"backup"`
}

type fileResponse struct {
	Path         string    `json:"path"`
	State        string    `json:"state"`
	LockedBy     string    `json:"locked_by,omitempty"`
	Readers      []string  `json:"readers,omitempty"`
	LastModified time.Time `json:"last_modified"`
	Checksum     string    `json:"checksum,omitempty"`
}

func newFileResponse(rec metadata.FileRecord) fileResponse {
	return fileResponse{
		Path:         rec.Path,
		State:        rec.State.String(),
		LockedBy:     rec.LockedBy,
		Readers:      rec.Readers,
		LastModified: rec.LastModified,
		Checksum:     rec.Checksum,
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "root": s.ws.Root()})
}

func (s *Server) acquire(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeout := s.ws.Config().Workspace.LockTimeout()
	if req.TimeoutMs != nil {
		timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}

	ok, err := s.ws.Acquire(c.Request.Context(), req.Path, req.Agent, req.Exclusive, timeout)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		s.locked(c, "acquired", req.Path, timeout)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acquired": true})
}

func (s *Server) release(c *gin.Context) {
	var req lockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ws.Release(req.Path, req.Agent); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (s *Server) read(c *gin.Context) {
	path, agent := c.Query("path"), c.Query("agent")
	content, ok, err := s.ws.Read(c.Request.Context(), path, agent)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		s.locked(c, "read", path, s.ws.Config().Workspace.LockTimeout())
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", content)
}

func (s *Server) write(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ok, err := s.ws.Write(c.Request.Context(), req.Path, []byte(req.Content), req.Agent, req.Backup)
	if err != nil {
		s.fail(c, err)
		return
	}
	if !ok {
		s.locked(c, "written", req.Path, s.ws.Config().Workspace.LockTimeout())
		return
	}
	c.JSON(http.StatusOK, gin.H{"written": true})
}

func (s *Server) files(c *gin.Context) {
	records := s.ws.Files()
	out := make([]fileResponse, 0, len(records))
	for _, rec := range records {
		if state := c.Query("state"); state != "" && rec.State.String() != state {
			continue
		}
		out = append(out, newFileResponse(rec))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) agents(c *gin.Context) {
	c.JSON(http.StatusOK, s.ws.Agents())
}

func (s *Server) view(c *gin.Context) {
	view, err := s.ws.AgentView(c.Param("agent"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) audit(c *gin.Context) {
	limit := s.ws.Config().Audit.RecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	events := s.ws.Audit().Recent(c.Query("agent"), limit)
	if events == nil {
		events = []audit.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) snapshot(c *gin.Context) {
	if err := s.ws.SaveSnapshot(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saved": true, "path": s.ws.SnapshotPath()})
}
