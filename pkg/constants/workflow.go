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

package constants

import "time"

const (
	// ExitQueueCapacity is the number of exit notifications the reaper-to-worker
	// ring buffer can hold. Must be a power of two.
	ExitQueueCapacity = 128

	// WorkflowIDMaxLength bounds caller-supplied workflow identifiers.
	WorkflowIDMaxLength = 63

	// DefaultWorkflowTimeout applies when a start request does not carry its
	// own timeout. Zero disables timeout enforcement for an entry.
	DefaultWorkflowTimeout = time.Hour

	// DefaultMaxRetries applies when a start request does not carry its own
	// retry budget.
	DefaultMaxRetries = 3

	// RetryDelayBase is the first retry delay; the n-th retry waits
	// RetryDelayBase * 2^(n-1), capped at RetryDelayMax.
	RetryDelayBase = 5 * time.Second

	// RetryDelayMax caps the exponential retry delay.
	RetryDelayMax = 5 * time.Minute

	// AbandonGracePeriod is the wait between SIGTERM and the SIGKILL
	// escalation when abandoning a workflow.
	AbandonGracePeriod = time.Second

	// HistoryTTL is how long terminal workflow snapshots remain queryable
	// after leaving the active registry.
	HistoryTTL = time.Hour

	// HistoryCullInterval is how often expired history snapshots are purged.
	HistoryCullInterval = time.Minute
)

const (
	// DefaultDaemonPort is the HTTP control-plane port when neither the
	// ARGO_DAEMON_PORT environment variable nor the --port flag is set.
	DefaultDaemonPort = 9876

	// DefaultMetricsPort serves the Prometheus endpoint.
	DefaultMetricsPort = 9877
)

const (
	// RegistryFileName is the snapshot file inside the base directory.
	RegistryFileName = "registry.json"

	// LogDirName is the workflow log directory inside the base directory.
	LogDirName = "logs"

	// DirPermissions is applied to daemon-created directories.
	DirPermissions = 0o755

	// FilePermissions is applied to workflow log files and snapshots.
	FilePermissions = 0o644
)

const (
	// LogMaxAge rotates a workflow log once its last modification is older.
	LogMaxAge = 7 * 24 * time.Hour

	// LogMaxSize rotates a workflow log once it grows past this size.
	LogMaxSize = 10 * 1024 * 1024

	// LogRotationKeepCount is the number of rotated archives retained per
	// workflow; older archives are deleted.
	LogRotationKeepCount = 5
)

// BlockedEnvVars are environment variable names a start request may never
// override.
var BlockedEnvVars = []string{
	"LD_PRELOAD", "LD_LIBRARY_PATH", "DYLD_INSERT_LIBRARIES",
	"DYLD_LIBRARY_PATH", "PATH", "IFS", "BASH_ENV", "ENV",
	"SHELLOPTS", "PS4",
}
