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

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	dto "github.com/prometheus/client_model/go"

	"github.com/ckoons/argod/pkg/standarderrors"
	"github.com/ckoons/argod/pkg/version"
	"github.com/ckoons/argod/pkg/workflow"
)

// apiVersion is the wire protocol version clients negotiate against.
const apiVersion = "1"

type startBody struct {
	Script     string            `json:"script"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkflowID string            `json:"workflow_id"`

	// Pointers distinguish an absent field from an explicit zero. Absent
	// resolves to the configured default; zero disables the knob.
	TimeoutSeconds *int `json:"timeout_seconds"`
	MaxRetries     *int `json:"max_retries"`
}

type inputBody struct {
	Input string `json:"input"`
}

type progressBody struct {
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	StepName    string `json:"step_name"`
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":  "ok",
		"service": "argo-daemon",
		"version": version.GetAppVersion(),
	}

	if s.scheduler != nil {
		stats := s.scheduler.Stats()
		health["uptime_seconds"] = int64(stats.Uptime.Seconds())
		health["task_runs"] = stats.TaskRuns
	}

	health["counters"] = counterTotals()

	c.JSON(http.StatusOK, health)
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":     version.GetAppVersion(),
		"api_version": apiVersion,
	})
}

func (s *Server) handleShutdown(c *gin.Context) {
	s.logger.Info("Shutdown requested via API")

	c.JSON(http.StatusOK, gin.H{"status": "shutting down"})

	if s.shutdown != nil {
		s.shutdown()
	}
}

func (s *Server) handleStart(c *gin.Context) {
	var body startBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")

		return
	}

	if body.Script == "" {
		errorResponse(c, http.StatusBadRequest, "missing 'script' field")

		return
	}

	id := body.WorkflowID
	if id == "" {
		id = generateWorkflowID()
	}

	req := workflow.StartRequest{
		WorkflowID: id,
		Script:     body.Script,
		Args:       body.Args,
		Env:        body.Env,
		Timeout:    s.config.DefaultTimeout,
		MaxRetries: s.config.DefaultMaxRetries,
	}
	if body.TimeoutSeconds != nil {
		req.Timeout = time.Duration(*body.TimeoutSeconds) * time.Second
	}
	if body.MaxRetries != nil {
		req.MaxRetries = *body.MaxRetries
	}

	snap, err := s.workflows.Start(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)

		return
	}

	s.logger.Infof("Started workflow via API: %s", snap.WorkflowID)
	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"workflow_id": snap.WorkflowID,
	})
}

func (s *Server) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": s.workflows.List()})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap, err := s.workflows.Status(c.Param("id"))
	if err != nil {
		s.renderError(c, err)

		return
	}

	c.JSON(http.StatusOK, snap)
}

func (s *Server) handlePause(c *gin.Context) {
	snap, err := s.workflows.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"workflow_id": snap.WorkflowID,
		"action":      "paused",
	})
}

func (s *Server) handleResume(c *gin.Context) {
	snap, err := s.workflows.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"workflow_id": snap.WorkflowID,
		"action":      "resumed",
	})
}

func (s *Server) handleAbandon(c *gin.Context) {
	snap, err := s.workflows.Abandon(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"workflow_id": snap.WorkflowID,
		"action":      "abandoned",
	})
}

// handleInput forwards text to the workflow's stdin. JSON decoding already
// unescaped the payload, so the bytes go through verbatim.
func (s *Server) handleInput(c *gin.Context) {
	var body inputBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")

		return
	}

	if body.Input == "" {
		errorResponse(c, http.StatusBadRequest, "missing 'input' field")

		return
	}

	id := c.Param("id")

	n, err := s.workflows.SendInput(c.Request.Context(), id, []byte(body.Input))
	if err != nil {
		s.renderError(c, err)

		return
	}

	s.logger.Infof("Sent input to workflow %s: %d bytes", id, n)
	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"workflow_id":   id,
		"bytes_written": n,
	})
}

func (s *Server) handleProgress(c *gin.Context) {
	var body progressBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")

		return
	}

	snap, err := s.workflows.UpdateProgress(c.Param("id"), body.CurrentStep, body.TotalSteps, body.StepName)
	if err != nil {
		s.renderError(c, err)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"workflow_id": snap.WorkflowID,
	})
}

// handleOutput returns log content from the requested byte offset, along
// with the offset to poll from next. No new content is a 204.
func (s *Server) handleOutput(c *gin.Context) {
	offset, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || offset < 0 {
		errorResponse(c, http.StatusBadRequest, "invalid 'since' offset")

		return
	}

	id := c.Param("id")

	chunk, next, err := s.workflows.Output(c.Request.Context(), id, offset)
	if err != nil {
		s.renderError(c, err)

		return
	}

	if len(chunk) == 0 {
		c.Status(http.StatusNoContent)

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"workflow_id": id,
		"offset":      next,
		"content":     string(chunk),
	})
}

// renderError maps workflow errors onto HTTP statuses. Anything outside
// the known kinds surfaces as a 500.
func (s *Server) renderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, standarderrors.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, standarderrors.ErrNotFound),
		errors.Is(err, standarderrors.ErrInstanceRemoved):
		status = http.StatusNotFound
	case errors.Is(err, standarderrors.ErrDuplicate),
		errors.Is(err, standarderrors.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, standarderrors.ErrResourceLimit):
		status = http.StatusTooManyRequests
	}

	if status == http.StatusInternalServerError {
		s.logger.Errorf("API request failed: %v", err)
	}

	errorResponse(c, status, err.Error())
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"status":  "error",
		"message": message,
	})
}

// generateWorkflowID builds an ID for start requests that omit one. A
// UUID fragment keeps two starts in the same second from colliding.
func generateWorkflowID() string {
	return "wf_" + strings.Split(uuid.NewString(), "-")[0]
}

// counterTotals sums every daemon counter family in the default registry,
// keyed by short metric name. The health endpoint exposes them so a plain
// GET shows spawn and retry activity without scraping the metrics port.
func counterTotals() map[string]float64 {
	totals := make(map[string]float64)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return totals
	}

	prefix := "argo_daemon_"
	for _, family := range families {
		if family.GetType() != dto.MetricType_COUNTER || !strings.HasPrefix(family.GetName(), prefix) {
			continue
		}

		var sum float64
		for _, m := range family.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
		totals[strings.TrimPrefix(family.GetName(), prefix)] = sum
	}

	return totals
}
