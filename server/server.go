// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package server exposes an Engine over HTTP with gin.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poiesic/medrag"
	"github.com/poiesic/medrag/config"
)

// Server is the HTTP front end.
type Server struct {
	config config.ServerConfig
	engine *medrag.Engine
	router *gin.Engine
	server *http.Server
	logger *slog.Logger
}

// New creates a server for engine and registers its routes.
func New(cfg config.ServerConfig, engine *medrag.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config: cfg,
		engine: engine,
		logger: logger.With("component", "server"),
	}
	s.setup()
	return s
}

func (s *Server) setup() {
	if s.config.Mode != "" {
		gin.SetMode(s.config.Mode)
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))
	s.router.Use(corsMiddleware())

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/consult", s.consult)
		v1.POST("/consult/stream", s.consultStream)
		v1.POST("/ingest", s.ingest)
		v1.DELETE("/documents/:source_id", s.deleteDocument)
		v1.GET("/stats", s.stats)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")
	return s.server.Shutdown(ctx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Authorization, Cache-Control, X-Requested-With, X-User-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"client", c.ClientIP())
	}
}
