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
	"fmt"
	"sort"
	"sync"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	internalfsm "github.com/ckoons/argod/internal/fsm"
	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
	"github.com/ckoons/argod/pkg/standarderrors"
)

// Registry holds every active workflow plus a TTL-bounded history of
// finished ones. Active entries live in a plain map under one mutex;
// finished entries are frozen into snapshots and pushed to the history
// map, which expires them on its own.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	history *expiremap.ExpireMap[string, Snapshot]

	logger *zap.SugaredLogger
}

// NewRegistry creates an empty registry. Finished workflows stay queryable
// for constants.HistoryTTL after their terminal transition.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		history: expiremap.NewEx[string, Snapshot](constants.HistoryCullInterval, constants.HistoryTTL),
		logger:  logger.For(logger.ComponentWorkflowRegistry),
	}
}

// registerLocked adds a new entry. Only active workflows block the ID; an
// ID that has moved to history may be reused immediately.
func (r *Registry) registerLocked(e *entry) error {
	if _, exists := r.entries[e.id]; exists {
		return fmt.Errorf("%w: workflow %s already exists", standarderrors.ErrDuplicate, e.id)
	}

	r.entries[e.id] = e
	metrics.UpdateWorkflowState(e.id, e.state())
	metrics.SetActiveWorkflows(len(r.entries))

	return nil
}

// removeLocked drops an entry without recording history. Used when a
// registration is rolled back before a process ever existed.
func (r *Registry) removeLocked(id string) {
	delete(r.entries, id)
	metrics.RemoveWorkflowState(id)
	metrics.SetActiveWorkflows(len(r.entries))
}

// finalizeLocked freezes a terminal entry into history and drops it from
// the active map. The entry must already be in a terminal state.
func (r *Registry) finalizeLocked(e *entry) {
	snap := e.snapshot()
	snap.Historical = true
	r.history.Set(e.id, snap)

	delete(r.entries, e.id)
	metrics.RemoveWorkflowState(e.id)
	metrics.SetActiveWorkflows(len(r.entries))

	r.logger.Infof("Workflow %s finished: state=%s exit_code=%d retries=%d",
		e.id, snap.State, snap.ExitCode, snap.RetryCount)
}

// findByPIDLocked returns the entry a live process belongs to. Restored
// entries are skipped: their PIDs are not our children, so an exit event
// carrying the same number belongs to someone else.
func (r *Registry) findByPIDLocked(pid int) *entry {
	for _, e := range r.entries {
		if e.restored || e.pid != pid {
			continue
		}

		switch e.state() {
		case internalfsm.StateRunning, internalfsm.StatePaused:
			return e
		}
	}

	return nil
}

// Status returns the snapshot for one workflow, consulting the active map
// first and then history.
func (r *Registry) Status(id string) (Snapshot, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok {
		snap := e.snapshot()
		r.mu.Unlock()

		return snap, nil
	}
	r.mu.Unlock()

	if snap, ok := r.history.Load(id); ok {
		return *snap, nil
	}

	return Snapshot{}, fmt.Errorf("%w: workflow %s not found", standarderrors.ErrNotFound, id)
}

// List returns snapshots of all active and historical workflows, ordered
// by start time and then ID so output is stable across calls.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()

	r.history.Range(func(_ string, snap Snapshot) bool {
		out = append(out, snap)

		return true
	})

	sortSnapshots(out)

	return out
}

// Count returns the number of active workflows.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// ActiveIDs returns the set of IDs whose log files must not be rotated
// away from under a live process.
func (r *Registry) ActiveIDs() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make(map[string]struct{}, len(r.entries))
	for id := range r.entries {
		ids[id] = struct{}{}
	}

	return ids
}

// GetDebugInfo implements metrics.DebugProvider.
func (r *Registry) GetDebugInfo() interface{} {
	r.mu.Lock()
	active := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		active = append(active, e.snapshot())
	}
	activeCount := len(r.entries)
	r.mu.Unlock()

	sortSnapshots(active)

	return map[string]interface{}{
		"active_count":  activeCount,
		"history_count": r.history.Length(),
		"active":        active,
	}
}

// sortSnapshots orders by start time, breaking ties by ID.
func sortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].StartTime != snaps[j].StartTime {
			return snaps[i].StartTime < snaps[j].StartTime
		}

		return snaps[i].WorkflowID < snaps[j].WorkflowID
	})
}
