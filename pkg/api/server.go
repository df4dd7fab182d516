// Copyright 2025 Casey Koons
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

// Package api exposes the daemon's HTTP control plane. The listener binds
// to the loopback interface only; workflow mutations go through the
// workflow manager, never into registry internals.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/control"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
	"github.com/ckoons/argod/pkg/workflow"
)

// WorkflowService is the manager surface the handlers drive. It matches
// *workflow.Manager; tests substitute a fake.
type WorkflowService interface {
	Start(ctx context.Context, req workflow.StartRequest) (workflow.Snapshot, error)
	Pause(ctx context.Context, id string) (workflow.Snapshot, error)
	Resume(ctx context.Context, id string) (workflow.Snapshot, error)
	Abandon(ctx context.Context, id string) (workflow.Snapshot, error)
	SendInput(ctx context.Context, id string, data []byte) (int, error)
	UpdateProgress(id string, currentStep, totalSteps int, stepName string) (workflow.Snapshot, error)
	Output(ctx context.Context, id string, offset int64) ([]byte, int64, error)
	Status(id string) (workflow.Snapshot, error)
	List() []workflow.Snapshot
}

// StatsSource reports scheduler liveness for the health endpoint.
type StatsSource interface {
	Stats() control.Stats
}

// Config controls the HTTP listener and the per-request defaults.
type Config struct {
	// Port is the loopback port the daemon listens on.
	Port int

	// Debug enables gin debug mode and per-request logging.
	Debug bool

	// DefaultTimeout applies to start requests without timeout_seconds.
	DefaultTimeout time.Duration

	// DefaultMaxRetries applies to start requests without max_retries.
	DefaultMaxRetries int
}

// DefaultConfig returns the stock listener configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:              constants.DefaultDaemonPort,
		DefaultTimeout:    constants.DefaultWorkflowTimeout,
		DefaultMaxRetries: constants.DefaultMaxRetries,
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default timeout %s is negative", c.DefaultTimeout)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("default max retries %d is negative", c.DefaultMaxRetries)
	}

	return nil
}

// Server wraps the HTTP control plane with proper setup and lifecycle
// management.
type Server struct {
	server    *http.Server
	router    *gin.Engine
	logger    *zap.SugaredLogger
	workflows WorkflowService
	scheduler StatsSource
	shutdown  func()
	config    *Config
}

// NewServer creates the control plane server. The shutdown callback runs
// when a client posts /api/shutdown; scheduler may be nil, in which case
// the health endpoint reports no scheduler stats.
func NewServer(workflows WorkflowService, scheduler StatsSource, shutdown func(), config *Config) (*Server, error) {
	if workflows == nil {
		return nil, errors.New("workflow service is required")
	}

	if config == nil {
		config = DefaultConfig()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	return &Server{
		workflows: workflows,
		scheduler: scheduler,
		shutdown:  shutdown,
		config:    config,
		logger:    logger.For(logger.ComponentAPI),
	}, nil
}

// Start builds the router and serves until the listener closes. It blocks,
// so callers run it in its own goroutine; a graceful Stop surfaces as a
// nil return.
func (s *Server) Start(ctx context.Context) error {
	// Set gin mode before the router is built
	if s.config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", s.config.Port),
		Handler:      s.buildRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Infow("Starting API server",
		"addr", s.server.Addr,
		"debug", s.config.Debug,
	)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}

	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("Stopping API server")

	return s.server.Shutdown(ctx)
}

// buildRouter assembles the engine with middleware and routes attached.
func (s *Server) buildRouter() *gin.Engine {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(s.metricsMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.setupRoutes()

	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/api/version", s.handleVersion)
	s.router.POST("/api/shutdown", s.handleShutdown)

	wf := s.router.Group("/api/workflow")
	wf.POST("/start", s.handleStart)
	wf.GET("/list", s.handleList)
	wf.GET("/status/:id", s.handleStatus)
	wf.POST("/pause/:id", s.handlePause)
	wf.POST("/resume/:id", s.handleResume)
	wf.DELETE("/abandon/:id", s.handleAbandon)
	wf.POST("/input/:id", s.handleInput)
	wf.POST("/progress/:id", s.handleProgress)
	wf.GET("/output/:id", s.handleOutput)
}

// metricsMiddleware records request counts and latencies per route.
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordAPIRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// loggingMiddleware provides request logging in debug mode.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		if s.config.Debug {
			s.logger.Infow("API request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"status", c.Writer.Status(),
				"duration", time.Since(start),
			)
		}
	}
}
