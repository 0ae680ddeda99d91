// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the analysis tools over HTTP.
//
// Routes:
//
//	GET    /health                        - liveness probe
//	GET    /metrics                       - Prometheus metrics
//	GET    /v1/analysis/health            - liveness probe (versioned alias)
//	GET    /v1/analysis/tools             - list tool names
//	POST   /v1/analysis/tools/:name       - invoke a tool
//	GET    /v1/analysis/state             - state summary for the session
//	POST   /v1/analysis/reset             - tear down the session's context
//	GET    /v1/analysis/cache/stats       - artifact cache statistics
//	GET    /v1/analysis/contexts/:id/state - state summary for a context
//	DELETE /v1/analysis/contexts/:id      - tear down a context
//	POST   /v1/sessions                   - create a session
//	GET    /v1/sessions                   - list sessions
//	DELETE /v1/sessions/:id               - delete a session and its context
//
// The session is selected with the X-Session-ID header. When session
// scoping is disabled (or the header is absent) requests share the
// default context.
package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/cellpipe/services/analysis/cache"
	"github.com/AleutianAI/cellpipe/services/analysis/dispatcher"
	"github.com/AleutianAI/cellpipe/services/analysis/session"
)

// SessionHeader carries the session id on analysis requests.
const SessionHeader = "X-Session-ID"

// Server wires the dispatcher and session manager into HTTP handlers.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	sessions   *session.Manager
	cache      *cache.Cache
	scoped     bool
	logger     *slog.Logger
}

// New builds a Server. scoped selects per-session execution contexts;
// when false every request shares the default context.
func New(d *dispatcher.Dispatcher, sessions *session.Manager, artifactCache *cache.Cache, scoped bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: d,
		sessions:   sessions,
		cache:      artifactCache,
		scoped:     scoped,
		logger:     logger,
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("cellpipe-analysis"))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.GET("/analysis/health", s.handleHealth)
		v1.GET("/analysis/tools", s.handleListTools)
		v1.POST("/analysis/tools/:name", s.handleInvoke)
		v1.GET("/analysis/state", s.handleState)
		v1.POST("/analysis/reset", s.handleReset)
		v1.GET("/analysis/cache/stats", s.handleCacheStats)
		v1.GET("/analysis/contexts/:id/state", s.handleContextState)
		v1.DELETE("/analysis/contexts/:id", s.handleContextTeardown)

		v1.POST("/sessions", s.handleCreateSession)
		v1.GET("/sessions", s.handleListSessions)
		v1.DELETE("/sessions/:id", s.handleDeleteSession)
	}
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.dispatcher.Describe()})
}

// contextID resolves the execution context for a request. Unknown
// session ids are rejected so a typo cannot silently start a fresh
// analysis.
func (s *Server) contextID(c *gin.Context) (string, bool) {
	id := c.GetHeader(SessionHeader)
	if !s.scoped || id == "" {
		id = session.DefaultID
	}
	if _, err := s.sessions.Touch(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session", "session_id": id})
		return "", false
	}
	return id, true
}

func (s *Server) handleInvoke(c *gin.Context) {
	ctxID, ok := s.contextID(c)
	if !ok {
		return
	}

	args, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read request body"})
		return
	}

	result, err := s.dispatcher.Invoke(c.Request.Context(), dispatcher.Request{
		Tool:      c.Param("name"),
		ContextID: ctxID,
		Args:      json.RawMessage(args),
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(statusFor(result), result)
}

// statusFor maps tool result codes onto HTTP statuses.
func statusFor(res *dispatcher.ToolResult) int {
	if res.Status == "ok" {
		return http.StatusOK
	}
	switch res.Code {
	case dispatcher.CodeUnknownTool:
		return http.StatusNotFound
	case dispatcher.CodeInvalidParams:
		return http.StatusBadRequest
	case dispatcher.CodeContextUnavailable:
		return http.StatusConflict
	case dispatcher.CodeTimeout:
		return http.StatusGatewayTimeout
	case dispatcher.CodeCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

func (s *Server) handleState(c *gin.Context) {
	ctxID, ok := s.contextID(c)
	if !ok {
		return
	}

	summary, ok := s.dispatcher.Snapshot(ctxID)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"context_id": ctxID, "state": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"context_id": ctxID, "state": summary})
}

func (s *Server) handleReset(c *gin.Context) {
	ctxID, ok := s.contextID(c)
	if !ok {
		return
	}

	torn := s.dispatcher.Teardown(ctxID)
	s.logger.Info("analysis context reset", "context_id", ctxID, "existed", torn)
	c.JSON(http.StatusOK, gin.H{"context_id": ctxID, "reset": true})
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *Server) handleContextState(c *gin.Context) {
	id := c.Param("id")
	summary, ok := s.dispatcher.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown context", "context_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"context_id": id, "state": summary})
}

func (s *Server) handleContextTeardown(c *gin.Context) {
	id := c.Param("id")
	if !s.dispatcher.Teardown(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown context", "context_id": id})
		return
	}
	s.logger.Info("execution context torn down", "context_id", id)
	c.JSON(http.StatusOK, gin.H{"context_id": id, "torn_down": true})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	if !s.scoped {
		c.JSON(http.StatusConflict, gin.H{"error": "session scoping is disabled"})
		return
	}
	c.JSON(http.StatusCreated, s.sessions.Create())
}

func (s *Server) handleListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.sessions.List()})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if !s.sessions.Delete(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session", "session_id": id})
		return
	}
	s.dispatcher.Teardown(id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
