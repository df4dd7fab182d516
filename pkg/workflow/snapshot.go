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
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"
)

// RegistrySnapshot is a point-in-time view of the whole registry, active
// entries and history both.
type RegistrySnapshot struct {
	SnapshotTime time.Time
	Active       []Snapshot
	Historical   []Snapshot
}

// Capture builds a snapshot of the registry's current state.
func (r *Registry) Capture() *RegistrySnapshot {
	snap := &RegistrySnapshot{SnapshotTime: time.Now()}

	r.mu.Lock()
	snap.Active = make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		snap.Active = append(snap.Active, e.snapshot())
	}
	r.mu.Unlock()

	r.history.Range(func(_ string, s Snapshot) bool {
		snap.Historical = append(snap.Historical, s)

		return true
	})

	sortSnapshots(snap.Active)
	sortSnapshots(snap.Historical)

	return snap
}

// SnapshotManager manages thread-safe storage and retrieval of registry
// snapshots. Readers that must not contend with the registry lock (the
// health and debug endpoints) read the last snapshot instead of the
// registry itself.
type SnapshotManager struct {
	mu   sync.RWMutex
	last *RegistrySnapshot
}

// NewSnapshotManager creates a snapshot manager holding an empty snapshot.
func NewSnapshotManager() *SnapshotManager {
	return &SnapshotManager{
		last: &RegistrySnapshot{SnapshotTime: time.Now()},
	}
}

// UpdateSnapshot stores a new snapshot as the latest one.
func (s *SnapshotManager) UpdateSnapshot(snapshot *RegistrySnapshot) {
	if s == nil || snapshot == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = snapshot
}

// GetSnapshot returns the most recent snapshot. Callers must treat it as
// read-only.
func (s *SnapshotManager) GetSnapshot() *RegistrySnapshot {
	if s == nil {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.last
}

// GetDeepCopySnapshot returns a deep copy of the most recent snapshot,
// safe to hand to callers that may mutate it.
func (s *SnapshotManager) GetDeepCopySnapshot() RegistrySnapshot {
	if s == nil {
		return RegistrySnapshot{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var snapshotCopy RegistrySnapshot
	if err := deepcopy.Copy(&snapshotCopy, s.last); err != nil {
		return RegistrySnapshot{}
	}

	return snapshotCopy
}
