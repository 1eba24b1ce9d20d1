package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultExecutionLimit = 20
	maxExecutionLimit     = 200
)

// registerRoutes sets up all dashboard routes on the Gin router.
func registerRoutes(router *gin.Engine, s *Server) {
	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api")
	api.GET("/sessions", s.handleSessions)
	api.GET("/sessions/:owner", s.handleSession)
	api.GET("/executions", s.handleExecutions)
	api.GET("/stats", s.handleStats)
	api.GET("/events", s.handleEvents)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(s.sessions.Snapshots()),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"audit":    s.executions != nil,
	})
}

func (s *Server) handleSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": sessionRows(s.sessions.Snapshots(), time.Now())})
}

func (s *Server) handleSession(c *gin.Context) {
	snap, ok := s.sessions.Snapshot(c.Param("owner"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open session for " + c.Param("owner")})
		return
	}
	c.JSON(http.StatusOK, newSessionRow(snap, time.Now()))
}

func (s *Server) handleExecutions(c *gin.Context) {
	if s.executions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log is not configured"})
		return
	}
	limit := defaultExecutionLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxExecutionLimit)
	}
	execs, err := s.executions.Recent(c.Request.Context(), c.Query("owner"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executionRows(execs, time.Now())})
}

func (s *Server) handleStats(c *gin.Context) {
	if s.executions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log is not configured"})
		return
	}
	window := 24 * time.Hour
	if v := c.Query("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be a positive duration such as 24h"})
			return
		}
		window = d
	}
	now := time.Now()
	counts, err := s.executions.CountByKind(c.Request.Context(), now.Add(-window))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats := buildStats(counts)
	stats.Window = window.String()
	stats.Since = now.Add(-window).UTC()
	stats.OpenSessions = len(s.sessions.Snapshots())
	c.JSON(http.StatusOK, stats)
}
