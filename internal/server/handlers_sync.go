package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"imgbed/internal/models"
	"imgbed/internal/reconcile"
)

type syncResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	*reconcile.Result
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	if c.Query("action") != "status" {
		s.writeError(c, models.Invalid("unsupported action %q; use action=status", c.Query("action")))
		return
	}
	status, err := s.sync.Status(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	noCache(c)
	c.JSON(http.StatusOK, gin.H{"success": true, "status": status})
}

func (s *Server) handleSync(c *gin.Context) {
	full := c.Query("full") == "true"
	res, err := s.sync.Run(c.Request.Context(), reconcile.RunOptions{Full: full})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, syncResponse{Success: true, Message: "sync completed", Result: res})
}

func (s *Server) handleReindex(c *gin.Context) {
	report, err := s.store.RebuildIndexes(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (s *Server) handleRecomputeStats(c *gin.Context) {
	stats, err := s.store.RecomputeStats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": stats})
}

func (s *Server) handleHealth(c *gin.Context) {
	if _, err := s.store.Stats(c.Request.Context()); err != nil {
		s.log().Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": publicMessage(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
