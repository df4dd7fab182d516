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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	internalfsm "github.com/ckoons/argod/internal/fsm"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/service/filesystem"
	"github.com/ckoons/argod/pkg/service/supervisor"
	"github.com/ckoons/argod/pkg/standarderrors"
)

// StartRequest describes one workflow to launch. Timeout of zero disables
// the timeout scan for the workflow; callers resolve absent fields to
// their defaults before building the request.
type StartRequest struct {
	WorkflowID string
	Script     string
	Args       []string
	Env        map[string]string
	Timeout    time.Duration
	MaxRetries int
}

// Manager is the single entry point for workflow operations. It owns the
// registration-and-spawn sequence and the signal-based control operations;
// exit handling lives in the completion task.
type Manager struct {
	registry *Registry
	proc     supervisor.Service
	logs     *supervisor.LogManager
	fs       filesystem.Service
	logger   *zap.SugaredLogger
}

// NewManager wires a manager over the given registry and services.
func NewManager(registry *Registry, proc supervisor.Service, logs *supervisor.LogManager, fs filesystem.Service) *Manager {
	return &Manager{
		registry: registry,
		proc:     proc,
		logs:     logs,
		fs:       fs,
		logger:   logger.For(logger.ComponentWorkflowRegistry),
	}
}

// Start validates the request, registers the workflow and spawns its
// process. Registration, spawn and PID recording happen under one lock
// hold, so no observer ever sees a registered workflow whose spawn is
// still in flight.
//
// A setup failure (log file, stdin pipe) unwinds the registration as if
// the request never happened. A failed process start keeps the workflow,
// in state Failed, so the caller can inspect it.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	if err := supervisor.ValidateWorkflowID(req.WorkflowID); err != nil {
		return Snapshot{}, err
	}
	if err := supervisor.ValidateScript(ctx, m.fs, req.Script); err != nil {
		return Snapshot{}, err
	}
	if err := supervisor.ValidateEnv(req.Env); err != nil {
		return Snapshot{}, err
	}
	if req.Timeout < 0 {
		return Snapshot{}, fmt.Errorf("%w: timeout must not be negative", standarderrors.ErrInvalidInput)
	}
	if req.MaxRetries < 0 {
		return Snapshot{}, fmt.Errorf("%w: max retries must not be negative", standarderrors.ErrInvalidInput)
	}

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()

	e := newEntry(req.WorkflowID, req.Script, req.Args, req.Env, req.Timeout, req.MaxRetries, m.logger)
	if err := m.registry.registerLocked(e); err != nil {
		return Snapshot{}, err
	}

	handle, err := m.proc.Spawn(ctx, supervisor.SpawnSpec{
		Script:  req.Script,
		Args:    req.Args,
		Env:     req.Env,
		LogPath: m.logs.Path(req.WorkflowID),
	})
	if err != nil {
		if errors.Is(err, supervisor.ErrSetup) || !errors.Is(err, standarderrors.ErrProcess) {
			// nothing was forked, so there is nothing to keep
			m.registry.removeLocked(req.WorkflowID)

			return Snapshot{}, err
		}

		if ferr := e.machine.SendEvent(ctx, internalfsm.EventFail); ferr != nil {
			m.logger.Errorf("Workflow %s: recording spawn failure: %s", req.WorkflowID, ferr)
		}
		m.registry.finalizeLocked(e)

		return Snapshot{}, err
	}

	e.pid = handle.PID
	e.stdin = handle.Stdin

	if err := e.machine.SendEvent(ctx, internalfsm.EventSpawn); err != nil {
		// the transition was refused (dead context); the process must not
		// outlive its registration
		_ = m.proc.Signal(handle.PID, unix.SIGKILL)
		e.closeStdin()
		m.registry.removeLocked(req.WorkflowID)

		return Snapshot{}, fmt.Errorf("%w: recording spawn of workflow %s: %v", standarderrors.ErrProcess, req.WorkflowID, err)
	}

	m.logger.Infof("Workflow %s started: script=%s pid=%d timeout=%s max_retries=%d",
		req.WorkflowID, req.Script, handle.PID, req.Timeout, req.MaxRetries)

	return e.snapshot(), nil
}

// Pause stops the workflow's process with SIGSTOP. Only Running workflows
// can be paused.
func (m *Manager) Pause(ctx context.Context, id string) (Snapshot, error) {
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()

	e, ok := m.registry.entries[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: workflow %s not found", standarderrors.ErrNotFound, id)
	}
	if st := e.state(); st != internalfsm.StateRunning {
		return Snapshot{}, fmt.Errorf("%w: workflow %s is %s, only running workflows can be paused", standarderrors.ErrInvalidState, id, st)
	}

	if err := m.proc.Signal(e.pid, unix.SIGSTOP); err != nil {
		return Snapshot{}, err
	}
	if err := e.machine.SendEvent(ctx, internalfsm.EventPause); err != nil {
		return Snapshot{}, fmt.Errorf("%w: recording pause of workflow %s: %v", standarderrors.ErrProcess, id, err)
	}

	return e.snapshot(), nil
}

// Resume continues a paused workflow's process with SIGCONT.
func (m *Manager) Resume(ctx context.Context, id string) (Snapshot, error) {
	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()

	e, ok := m.registry.entries[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: workflow %s not found", standarderrors.ErrNotFound, id)
	}
	if st := e.state(); st != internalfsm.StatePaused {
		return Snapshot{}, fmt.Errorf("%w: workflow %s is %s, only paused workflows can be resumed", standarderrors.ErrInvalidState, id, st)
	}

	if err := m.proc.Signal(e.pid, unix.SIGCONT); err != nil {
		return Snapshot{}, err
	}
	if err := e.machine.SendEvent(ctx, internalfsm.EventResume); err != nil {
		return Snapshot{}, fmt.Errorf("%w: recording resume of workflow %s: %v", standarderrors.ErrProcess, id, err)
	}

	return e.snapshot(), nil
}

// Abandon marks the workflow as abandoned and starts graceful termination
// of its process. The state transition itself happens when the exit event
// arrives; an entry with no process (waiting out a retry delay) is
// finalized by the completion task on its next pass. Abandoning an
// already-abandoning workflow is a no-op.
//
// Termination runs outside the registry lock: the grace period between
// SIGTERM and SIGKILL must not stall every other operation.
func (m *Manager) Abandon(ctx context.Context, id string) (Snapshot, error) {
	m.registry.mu.Lock()

	e, ok := m.registry.entries[id]
	if !ok {
		m.registry.mu.Unlock()

		return Snapshot{}, fmt.Errorf("%w: workflow %s not found", standarderrors.ErrNotFound, id)
	}

	alreadyRequested := e.abandonRequested
	e.abandonRequested = true
	pid := e.pid
	snap := e.snapshot()
	m.registry.mu.Unlock()

	if alreadyRequested || pid == 0 {
		return snap, nil
	}

	if err := m.proc.Terminate(ctx, pid); err != nil {
		m.logger.Warnf("Workflow %s: terminating pid %d: %s", id, pid, err)
	}

	return snap, nil
}

// SendInput writes data verbatim to the workflow's stdin and reports how
// many bytes went through. The workflow must be Running or Paused and
// must still have its stdin channel open.
//
// The write happens outside the registry lock; a process that stops
// reading its stdin blocks the caller, not the daemon.
func (m *Manager) SendInput(ctx context.Context, id string, data []byte) (int, error) {
	m.registry.mu.Lock()

	e, ok := m.registry.entries[id]
	if !ok {
		m.registry.mu.Unlock()

		return 0, fmt.Errorf("%w: workflow %s not found", standarderrors.ErrNotFound, id)
	}
	if st := e.state(); st != internalfsm.StateRunning && st != internalfsm.StatePaused {
		m.registry.mu.Unlock()

		return 0, fmt.Errorf("%w: workflow %s is %s, cannot receive input", standarderrors.ErrInvalidState, id, st)
	}
	if e.stdin == nil {
		m.registry.mu.Unlock()

		return 0, fmt.Errorf("%w: workflow %s has no stdin channel", standarderrors.ErrInvalidState, id)
	}

	stdin := e.stdin
	m.registry.mu.Unlock()

	n, err := stdin.Write(data)
	if err != nil {
		return n, fmt.Errorf("%w: writing to stdin of workflow %s: %v", standarderrors.ErrProcess, id, err)
	}

	return n, nil
}

// UpdateProgress records step progress reported by the workflow itself.
func (m *Manager) UpdateProgress(id string, currentStep, totalSteps int, stepName string) (Snapshot, error) {
	if totalSteps < 1 {
		return Snapshot{}, fmt.Errorf("%w: total_steps must be at least 1", standarderrors.ErrInvalidInput)
	}
	if currentStep < 0 || currentStep > totalSteps {
		return Snapshot{}, fmt.Errorf("%w: current_step must be between 0 and total_steps", standarderrors.ErrInvalidInput)
	}

	m.registry.mu.Lock()
	defer m.registry.mu.Unlock()

	e, ok := m.registry.entries[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: workflow %s not found", standarderrors.ErrNotFound, id)
	}

	e.currentStep = currentStep
	e.totalSteps = totalSteps
	e.stepName = stepName

	return e.snapshot(), nil
}

// Output returns the workflow's log content from the given byte offset,
// plus the offset to pass on the next call. Works for historical
// workflows as long as their log file is still on disk.
func (m *Manager) Output(ctx context.Context, id string, offset int64) ([]byte, int64, error) {
	if _, err := m.registry.Status(id); err != nil {
		return nil, 0, err
	}

	return m.logs.ReadOutput(ctx, m.fs, id, offset)
}

// Status returns the snapshot of one active or historical workflow.
func (m *Manager) Status(id string) (Snapshot, error) {
	return m.registry.Status(id)
}

// List returns snapshots of all active and historical workflows.
func (m *Manager) List() []Snapshot {
	return m.registry.List()
}
