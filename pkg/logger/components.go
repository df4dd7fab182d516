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

package logger

// Component names for logger.For().
// Keep these in sync with the metrics component names so that log lines and
// metric series for the same subsystem can be correlated by name.
const (
	// ComponentCore is the name of the daemon core component.
	ComponentCore = "core"
	// ComponentControlLoop is the name of the control loop component.
	ComponentControlLoop = "control_loop"
	// ComponentStarvationChecker is the name of the starvation checker component.
	ComponentStarvationChecker = "starvation_checker"
	// ComponentWorkflowRegistry is the name of the workflow registry component.
	ComponentWorkflowRegistry = "workflow_registry"
	// ComponentSupervisor is the name of the process supervisor component.
	ComponentSupervisor = "supervisor"
	// ComponentCompletionWorker is the name of the completion worker component.
	ComponentCompletionWorker = "completion_worker"
	// ComponentTimeoutMonitor is the name of the timeout monitor component.
	ComponentTimeoutMonitor = "timeout_monitor"
	// ComponentReaper is the name of the child reaper component.
	ComponentReaper = "reaper"
	// ComponentExitQueue is the name of the exit code queue component.
	ComponentExitQueue = "exit_queue"
	// ComponentAPI is the name of the HTTP API component.
	ComponentAPI = "api"
	// ComponentConfigManager is the name of the configuration manager component.
	ComponentConfigManager = "config_manager"
	// ComponentFilesystem is the name of the filesystem service component.
	ComponentFilesystem = "filesystem"
	// ComponentMetrics is the name of the metrics component.
	ComponentMetrics = "metrics"
	// ComponentPersistence is the name of the registry persistence component.
	ComponentPersistence = "persistence"
	// ComponentLogRotation is the name of the log rotation component.
	ComponentLogRotation = "log_rotation"
	// ComponentFSM is the name of the workflow state machine component.
	ComponentFSM = "fsm"
)
