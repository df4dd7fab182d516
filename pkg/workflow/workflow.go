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

// Package workflow tracks executor processes from registration to their
// terminal state. The registry is the single source of truth for workflow
// state; every mutation happens under its mutex, and callers only ever see
// snapshots. Exit collection stays in pkg/reaper; the completion task in
// this package consumes the exit queue and drives the per-entry state
// machines.
package workflow

import (
	"context"
	"io"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	internalfsm "github.com/ckoons/argod/internal/fsm"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
)

// entry is the registry-internal record of one workflow. All fields are
// guarded by the registry mutex; nothing outside this package ever holds a
// reference to an entry.
type entry struct {
	id     string
	script string
	args   []string
	env    map[string]string

	// machine holds the authoritative state
	machine *internalfsm.Machine

	// pid is non-zero exactly while the workflow is Running or Paused
	pid   int
	stdin io.WriteCloser

	startTime time.Time
	endTime   time.Time
	exitCode  int

	currentStep int
	totalSteps  int
	stepName    string

	// timeout of zero disables the timeout scan for this entry
	timeout    time.Duration
	maxRetries int

	retryCount      int
	lastRetryTime   time.Time
	retryEligibleAt time.Time

	abandonRequested bool

	// restored entries were adopted from a snapshot after a daemon
	// restart. Their processes are not our children; they have no stdin
	// channel and are finalized by liveness polling, never by reaping.
	restored bool
}

// newEntry builds a Pending entry with its state machine and the state
// entry callbacks that publish metrics and stamp end_time exactly once.
func newEntry(id, script string, args []string, env map[string]string, timeout time.Duration, maxRetries int, log *zap.SugaredLogger) *entry {
	e := &entry{
		id:         id,
		script:     script,
		args:       args,
		env:        env,
		startTime:  time.Now(),
		totalSteps: 1,
		timeout:    timeout,
		maxRetries: maxRetries,
		machine:    internalfsm.NewMachine(id, logger.For(logger.ComponentFSM)),
	}

	e.attachCallbacks(log)

	return e
}

// attachCallbacks registers the state entry hooks. They run inside
// SendEvent, which is only ever called with the registry mutex held, so
// touching entry fields here is safe.
func (e *entry) attachCallbacks(log *zap.SugaredLogger) {
	for _, state := range []string{
		internalfsm.StatePending,
		internalfsm.StateRunning,
		internalfsm.StatePaused,
	} {
		e.machine.AddCallback("enter_"+state, func(_ context.Context, ev *fsm.Event) {
			metrics.UpdateWorkflowState(e.id, ev.Dst)
			log.Infof("Workflow %s: %s -> %s", e.id, ev.Src, ev.Dst)
		})
	}

	for _, state := range []string{
		internalfsm.StateCompleted,
		internalfsm.StateFailed,
		internalfsm.StateAbandoned,
	} {
		e.machine.AddCallback("enter_"+state, func(_ context.Context, ev *fsm.Event) {
			// end_time is stamped on the first terminal transition only
			if e.endTime.IsZero() {
				e.endTime = time.Now()
			}
			metrics.UpdateWorkflowState(e.id, ev.Dst)
			metrics.IncWorkflowFinished(ev.Dst)
			log.Infof("Workflow %s: %s -> %s", e.id, ev.Src, ev.Dst)
		})
	}
}

// state returns the machine's current state string.
func (e *entry) state() string {
	return e.machine.GetCurrentState()
}

// closeStdin closes and clears the stdin write end, if any.
func (e *entry) closeStdin() {
	if e.stdin != nil {
		_ = e.stdin.Close()
		e.stdin = nil
	}
}

// Snapshot is the read model handed to callers. Times are Unix seconds,
// zero meaning not set.
type Snapshot struct {
	WorkflowID       string `json:"workflow_id"`
	Script           string `json:"script"`
	State            string `json:"state"`
	PID              int    `json:"pid"`
	StartTime        int64  `json:"start_time"`
	EndTime          int64  `json:"end_time"`
	ExitCode         int    `json:"exit_code"`
	CurrentStep      int    `json:"current_step"`
	TotalSteps       int    `json:"total_steps"`
	StepName         string `json:"step_name,omitempty"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	RetryCount       int    `json:"retry_count"`
	MaxRetries       int    `json:"max_retries"`
	LastRetryTime    int64  `json:"last_retry_time"`
	AbandonRequested bool   `json:"abandon_requested,omitempty"`
	Restored         bool   `json:"restored,omitempty"`
	Historical       bool   `json:"historical,omitempty"`
}

// snapshot copies the entry into its read model. Callers hold the
// registry mutex.
func (e *entry) snapshot() Snapshot {
	return Snapshot{
		WorkflowID:       e.id,
		Script:           e.script,
		State:            e.state(),
		PID:              e.pid,
		StartTime:        unixOrZero(e.startTime),
		EndTime:          unixOrZero(e.endTime),
		ExitCode:         e.exitCode,
		CurrentStep:      e.currentStep,
		TotalSteps:       e.totalSteps,
		StepName:         e.stepName,
		TimeoutSeconds:   int(e.timeout / time.Second),
		RetryCount:       e.retryCount,
		MaxRetries:       e.maxRetries,
		LastRetryTime:    unixOrZero(e.lastRetryTime),
		AbandonRequested: e.abandonRequested,
		Restored:         e.restored,
	}
}

// unixOrZero converts a time to Unix seconds, keeping the zero value at 0.
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.Unix()
}
