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

package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/sentry"
	"go.uber.org/zap"
)

const (
	// Component Labels.
	ComponentControlLoop = "control_loop"
	// Core subsystems.
	ComponentWorkflowRegistry = "workflow_registry"
	ComponentSupervisor       = "supervisor"
	ComponentCompletionWorker = "completion_worker"
	ComponentTimeoutMonitor   = "timeout_monitor"
	ComponentReaper           = "reaper"
	ComponentExitQueue        = "exit_queue"
	// Services.
	ComponentAPI           = "api"
	ComponentConfigManager = "config_manager"
	ComponentFilesystem    = "filesystem"
	ComponentPersistence   = "persistence"
	ComponentLogRotation   = "log_rotation"
)

var (
	// Namespace and subsystem for all metrics.
	namespace = "argo"
	subsystem = "daemon"

	// Error counters.
	errorCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors encountered by component",
		},
		[]string{"component", "instance"},
	)

	// Task timing.
	taskTime = promauto.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "task_duration_milliseconds",
			Help:      "Time taken to run a scheduled task (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01, // 50th percentile with 1% error
				0.9:  0.01, // 90th percentile with 1% error
				0.95: 0.01, // 95th percentile with 1% error
				0.99: 0.01, // 99th percentile with 1% error
			},
		},
		[]string{"component", "instance"},
	)

	// Starvation timer.
	starvationSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "loop_starved_total_seconds",
			Help:      "Total seconds the control loop was starved",
		},
	)

	// Workflow state metrics.
	workflowCurrentState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_current_state",
			Help:      "Current state of the workflow (0=Pending, 1=Running, 2=Paused, 3=Completed, 4=Failed, 5=Abandoned, -1=Unknown)",
		},
		[]string{"workflow_id"},
	)

	workflowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_active",
			Help:      "Number of workflows currently tracked in the registry",
		},
	)

	workflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflows_finished_total",
			Help:      "Total number of workflows that reached a terminal state",
		},
		[]string{"state"},
	)

	workflowRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "workflow_retries_total",
			Help:      "Total number of workflow retry attempts",
		},
	)

	// Exit queue metrics.
	exitEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exit_events_total",
			Help:      "Total number of child exit events pushed to the queue",
		},
	)

	exitQueueDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exit_queue_dropped_total",
			Help:      "Total number of exit events dropped because the queue was full",
		},
	)

	exitQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exit_queue_depth",
			Help:      "Number of exit events currently waiting in the queue",
		},
	)

	// Process metrics.
	processesSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "processes_spawned_total",
			Help:      "Total number of workflow processes spawned",
		},
	)

	signalsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signals_sent_total",
			Help:      "Total number of signals sent to workflow processes",
		},
		[]string{"signal"},
	)

	// HTTP API metrics.
	apiRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_requests_total",
			Help:      "Total number of HTTP API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "api_request_duration_seconds",
			Help:      "Duration of HTTP API requests in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "route"},
	)

	// Filesystem operation metrics.
	filesystemOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filesystem_ops_total",
			Help:      "Total number of filesystem operations by type and path",
		},
		[]string{"operation", "path", "cached"},
	)

	filesystemOpsDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "filesystem_ops_duration_seconds",
			Help:      "Duration of filesystem operations in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"operation", "cached"},
	)
)

// DebugProvider provides introspection data for the debug endpoint.
// Implementations should return a JSON-serializable struct with their state.
type DebugProvider interface {
	GetDebugInfo() interface{}
}

// debugRegistry holds registered debug providers.
var debugRegistry struct {
	providers map[string]DebugProvider
	mu        sync.RWMutex
}

// RegisterDebugProvider registers a debug provider for the /debug/state endpoint.
// Call this after creating a component to expose its introspection data.
func RegisterDebugProvider(name string, provider DebugProvider) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	if debugRegistry.providers == nil {
		debugRegistry.providers = make(map[string]DebugProvider)
	}

	debugRegistry.providers[name] = provider
}

// UnregisterDebugProvider removes a debug provider from the registry.
// Call this when shutting down a component.
func UnregisterDebugProvider(name string) {
	debugRegistry.mu.Lock()
	defer debugRegistry.mu.Unlock()

	delete(debugRegistry.providers, name)
}

// handleDebugState handles the /debug/state endpoint.
func handleDebugState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	debugRegistry.mu.RLock()
	defer debugRegistry.mu.RUnlock()

	if len(debugRegistry.providers) == 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"no_providers_registered","message":"No components are registered for debugging"}`))

		return
	}

	response := make(map[string]interface{}, len(debugRegistry.providers))
	for name, provider := range debugRegistry.providers {
		response[name] = provider.GetDebugInfo()
	}

	w.Header().Set("Content-Type", "application/json")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(response); err != nil {
		http.Error(w, "Failed to encode debug info", http.StatusInternalServerError)
	}
}

// SetupMetricsEndpoint starts an HTTP server to expose metrics
// This should be called once at application startup.
func SetupMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/state", handleDebugState)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssue(err, sentry.IssueTypeFatal, logger.For(logger.ComponentMetrics))
		}
	}()

	return server
}

// printDetailedStackTrace prints a detailed stack trace with more information.
func printDetailedStackTrace() {
	// Get stack trace for all goroutines with a large buffer
	buf := make([]byte, 1024*1024) // Allocate 1MB buffer
	n := runtime.Stack(buf, true)

	// Print the full stack trace
	logger.For("stacktrace").Debugf("=== DETAILED STACK TRACE ===\n%s", string(buf[:n]))
}

// IncErrorCountAndLog increments the error counter for a component and logs a debug message if a logger is provided.
func IncErrorCountAndLog(component, instance string, err error, logger *zap.SugaredLogger) {
	IncErrorCount(component, instance)

	if logger != nil {
		// Display detailed stacktrace
		printDetailedStackTrace()
		logger.Debugf("Component %s instance %s failed: %v", component, instance, err)
	}
}

// IncErrorCount increments the error counter for a component.
func IncErrorCount(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Inc()
}

// InitErrorCounter initializes the error counter for a component.
func InitErrorCounter(component, instance string) {
	errorCounter.WithLabelValues(component, instance).Add(0)
}

// ObserveTaskTime records the time taken for a scheduled task run.
func ObserveTaskTime(component, instance string, duration time.Duration) {
	taskTime.WithLabelValues(component, instance).Observe(float64(duration.Milliseconds()))
}

// AddStarvationTime increases the starvation counter by the specified seconds.
func AddStarvationTime(seconds float64) {
	starvationSeconds.Add(seconds)
}

// UpdateWorkflowState updates the current state metric for a workflow.
func UpdateWorkflowState(workflowID string, state string) {
	workflowCurrentState.WithLabelValues(workflowID).Set(getStateValue(state))
}

// RemoveWorkflowState drops the state metric series for a workflow that
// left the registry.
func RemoveWorkflowState(workflowID string) {
	workflowCurrentState.DeleteLabelValues(workflowID)
}

// SetActiveWorkflows sets the number of workflows currently in the registry.
func SetActiveWorkflows(count int) {
	workflowsActive.Set(float64(count))
}

// IncWorkflowFinished increments the terminal-state counter for a workflow.
func IncWorkflowFinished(state string) {
	workflowsFinished.WithLabelValues(state).Inc()
}

// IncWorkflowRetry increments the retry attempt counter.
func IncWorkflowRetry() {
	workflowRetries.Inc()
}

// getStateValue converts a workflow state string to a numeric value for the metric.
func getStateValue(state string) float64 {
	switch state {
	case "pending":
		return 0
	case "running":
		return 1
	case "paused":
		return 2
	case "completed":
		return 3
	case "failed":
		return 4
	case "abandoned":
		return 5
	default:
		return -1 // Unknown state
	}
}

// IncExitEvents increments the exit event counter.
func IncExitEvents() {
	exitEventsTotal.Inc()
}

// IncExitQueueDropped increments the dropped exit event counter.
func IncExitQueueDropped() {
	exitQueueDropped.Inc()
}

// SetExitQueueDepth sets the current exit queue depth gauge.
func SetExitQueueDepth(depth int) {
	exitQueueDepth.Set(float64(depth))
}

// IncProcessesSpawned increments the spawned process counter.
func IncProcessesSpawned() {
	processesSpawned.Inc()
}

// IncSignalsSent increments the signal counter for the given signal name.
func IncSignalsSent(signal string) {
	signalsSent.WithLabelValues(signal).Inc()
}

// RecordAPIRequest records an HTTP API request metric.
func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordFilesystemOp records a filesystem operation metric.
func RecordFilesystemOp(operation, path string, cached bool, duration time.Duration) {
	cachedStr := "false"
	if cached {
		cachedStr = "true"
	}

	filesystemOpsTotal.WithLabelValues(operation, path, cachedStr).Inc()
	filesystemOpsDuration.WithLabelValues(operation, cachedStr).Observe(duration.Seconds())
}
