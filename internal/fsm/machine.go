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

package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/ckoons/argod/pkg/constants"
)

// Machine tracks one workflow through its lifecycle. It holds no process
// state of its own; callers transition it to mirror what the executor
// actually did, so the machine can never claim a process that is not there.
type Machine struct {
	// id is the workflow ID, used only for logging
	id string

	// mu is a mutex for protecting concurrent access to fields
	mu sync.RWMutex

	// fsm is the finite state machine that manages workflow state
	fsm *fsm.FSM

	// Registered "enter_state" callbacks, purely for logging or minor side-effects.
	callbacks map[string]fsm.Callback

	// logger is the logger for the machine
	logger *zap.SugaredLogger
}

// NewMachine sets up a new workflow machine in StatePending with the
// standard workflow transitions.
//
// Terminal events accept StatePaused as a source because an abandoned
// workflow is killed while stopped; its exit report still has to land in a
// terminal state.
func NewMachine(id string, logger *zap.SugaredLogger) *Machine {
	m := &Machine{
		id:        id,
		callbacks: make(map[string]fsm.Callback),
		logger:    logger,
	}

	events := []fsm.EventDesc{
		{Name: EventSpawn, Src: []string{StatePending}, Dst: StateRunning},
		{Name: EventPause, Src: []string{StateRunning}, Dst: StatePaused},
		{Name: EventResume, Src: []string{StatePaused}, Dst: StateRunning},
		{Name: EventComplete, Src: []string{StateRunning, StatePaused}, Dst: StateCompleted},
		// StatePending is a valid failure source: a spawn that never produced
		// a process fails the workflow without it ever running.
		{Name: EventFail, Src: []string{StatePending, StateRunning, StatePaused}, Dst: StateFailed},
		{Name: EventRetry, Src: []string{StateRunning, StatePaused}, Dst: StatePending},
		// StatePending is also a valid abandon source: an entry waiting out
		// its retry delay has no process, so no exit event will finish it.
		{Name: EventAbandon, Src: []string{StatePending, StateRunning, StatePaused}, Dst: StateAbandoned},
	}

	m.fsm = fsm.NewFSM(
		StatePending,
		fsm.Events(events),
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				// Call registered callback for this state if exists
				if cb, ok := m.callbacks["enter_"+e.Dst]; ok {
					cb(ctx, e)
				}
			},
		},
	)

	// Register default state entry callbacks; owners overwrite these with
	// their own side-effects where they need more than a log line.

	for _, state := range []string{
		StateRunning,
		StatePaused,
		StateCompleted,
		StateFailed,
		StateAbandoned,
		StatePending,
	} {
		m.AddCallback("enter_"+state, func(ctx context.Context, e *fsm.Event) {
			m.logger.Debugf("Workflow %s entered state %s", m.id, e.Dst)
		})
	}

	return m
}

// AddCallback adds a callback for a given event name
func (m *Machine) AddCallback(eventName string, callback fsm.Callback) {
	m.callbacks[eventName] = callback
}

// GetID returns the workflow ID this machine belongs to
func (m *Machine) GetID() string {
	return m.id
}

// GetCurrentState returns the current state of the machine
func (m *Machine) GetCurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// SetCurrentState sets the current state of the machine without running
// any transition. Restore uses this to rebuild machines from the persisted
// registry; tests use it to reach a source state directly.
func (m *Machine) SetCurrentState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fsm.SetState(state)
}

// IsTerminal reports whether the machine has reached a terminal state.
func (m *Machine) IsTerminal() bool {
	return IsTerminal(m.GetCurrentState())
}

// SendEvent sends an event to the machine and returns whether the event was
// processed.
//
// A context that expires mid-transition leaves the FSM's internal transition
// flag set, and every later event fails with "previous transition did not
// complete". The checks below keep that from happening:
// 1. Rejects event sending if the context is already cancelled
// 2. Refuses to start transitions when insufficient time remains before a deadline
func (m *Machine) SendEvent(ctx context.Context, eventName string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) < constants.ExpectedMaxP95ExecutionTimePerEvent {
			return fmt.Errorf("context deadline exceeded")
		}
	}

	return m.fsm.Event(ctx, eventName, args...)
}
