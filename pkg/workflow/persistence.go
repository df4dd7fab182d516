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
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/net/context"

	internalfsm "github.com/ckoons/argod/internal/fsm"
	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/service/filesystem"
	"github.com/ckoons/argod/pkg/standarderrors"
)

// registryVersion is the snapshot file format version.
const registryVersion = 1

// pidIdentitySlack absorbs clock skew between an entry's recorded spawn
// reference and the kernel's process create time.
const pidIdentitySlack = 2 * time.Second

// registryDocument is the on-disk snapshot format.
type registryDocument struct {
	Version   int              `json:"version"`
	Workflows []workflowRecord `json:"workflows"`
}

// workflowRecord is one persisted workflow. Times are Unix seconds, zero
// meaning not set. Process channels (stdin) and the spawn arguments are
// deliberately absent: a restored workflow can be observed and signalled
// but never re-spawned.
type workflowRecord struct {
	WorkflowID     string `json:"workflow_id"`
	WorkflowName   string `json:"workflow_name"`
	State          string `json:"state"`
	ExecutorPID    int    `json:"executor_pid"`
	StartTime      int64  `json:"start_time"`
	EndTime        int64  `json:"end_time"`
	ExitCode       int    `json:"exit_code"`
	CurrentStep    int    `json:"current_step"`
	TotalSteps     int    `json:"total_steps"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	RetryCount     int    `json:"retry_count"`
	MaxRetries     int    `json:"max_retries"`
	LastRetryTime  int64  `json:"last_retry_time"`
}

// recordFromSnapshot converts the read model to the on-disk format.
func recordFromSnapshot(s Snapshot) workflowRecord {
	return workflowRecord{
		WorkflowID:     s.WorkflowID,
		WorkflowName:   s.Script,
		State:          s.State,
		ExecutorPID:    s.PID,
		StartTime:      s.StartTime,
		EndTime:        s.EndTime,
		ExitCode:       s.ExitCode,
		CurrentStep:    s.CurrentStep,
		TotalSteps:     s.TotalSteps,
		TimeoutSeconds: s.TimeoutSeconds,
		RetryCount:     s.RetryCount,
		MaxRetries:     s.MaxRetries,
		LastRetryTime:  s.LastRetryTime,
	}
}

// snapshotFromRecord converts one persisted workflow back to the read
// model.
func snapshotFromRecord(rec workflowRecord) Snapshot {
	return Snapshot{
		WorkflowID:     rec.WorkflowID,
		Script:         rec.WorkflowName,
		State:          rec.State,
		PID:            rec.ExecutorPID,
		StartTime:      rec.StartTime,
		EndTime:        rec.EndTime,
		ExitCode:       rec.ExitCode,
		CurrentStep:    rec.CurrentStep,
		TotalSteps:     rec.TotalSteps,
		TimeoutSeconds: rec.TimeoutSeconds,
		RetryCount:     rec.RetryCount,
		MaxRetries:     rec.MaxRetries,
		LastRetryTime:  rec.LastRetryTime,
	}
}

// Persister writes registry snapshots to disk and restores them after a
// restart. Writes go through a temp file and rename, so the snapshot on
// disk is always complete; an unchanged registry is detected by content
// hash and skipped entirely.
type Persister struct {
	fs       filesystem.Service
	path     string
	lastHash uint64
	logger   *zap.SugaredLogger
}

// NewPersister creates a persister writing to baseDir.
func NewPersister(fs filesystem.Service, baseDir string) *Persister {
	return &Persister{
		fs:     fs,
		path:   filepath.Join(baseDir, constants.RegistryFileName),
		logger: logger.For(logger.ComponentPersistence),
	}
}

// Path returns the snapshot file path.
func (p *Persister) Path() string {
	return p.path
}

// Save writes the snapshot to disk unless its content matches the last
// written one.
func (p *Persister) Save(ctx context.Context, snap *RegistrySnapshot) error {
	doc := registryDocument{
		Version:   registryVersion,
		Workflows: make([]workflowRecord, 0, len(snap.Active)+len(snap.Historical)),
	}
	for _, s := range snap.Active {
		doc.Workflows = append(doc.Workflows, recordFromSnapshot(s))
	}
	for _, s := range snap.Historical {
		doc.Workflows = append(doc.Workflows, recordFromSnapshot(s))
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry snapshot: %w", err)
	}

	sum := xxhash.Sum64(data)
	if sum == p.lastHash {
		return nil
	}

	tmp := p.path + ".tmp"
	if err := p.fs.WriteFile(ctx, tmp, data, constants.FilePermissions); err != nil {
		return fmt.Errorf("writing registry snapshot: %w", err)
	}
	if err := p.fs.Rename(ctx, tmp, p.path); err != nil {
		return fmt.Errorf("replacing registry snapshot: %w", err)
	}

	p.lastHash = sum
	p.logger.Debugf("Persisted %d workflows to %s", len(doc.Workflows), p.path)

	return nil
}

// Restore loads the snapshot file, if any, and rebuilds the registry.
// Terminal records go straight to history. Non-terminal records are
// adopted only when their PID still refers to the recorded process;
// everything else is settled as Failed with an unknown exit code.
// Returns the number of workflows adopted with a live process.
func (p *Persister) Restore(ctx context.Context, reg *Registry) (int, error) {
	exists, err := p.fs.PathExists(ctx, p.path)
	if err != nil {
		return 0, fmt.Errorf("checking for registry snapshot: %w", err)
	}
	if !exists {
		return 0, nil
	}

	data, err := p.fs.ReadFile(ctx, p.path)
	if err != nil {
		return 0, fmt.Errorf("reading registry snapshot: %w", err)
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("%w: parsing %s: %v", standarderrors.ErrInvalidInput, p.path, err)
	}
	if doc.Version != registryVersion {
		return 0, fmt.Errorf("%w: unsupported registry snapshot version %d", standarderrors.ErrInvalidInput, doc.Version)
	}
	p.lastHash = xxhash.Sum64(data)

	adopted := 0
	for _, rec := range doc.Workflows {
		switch {
		case rec.WorkflowID == "" || !internalfsm.IsValidState(rec.State):
			p.logger.Warnf("Skipping corrupt snapshot record %q (state %q)", rec.WorkflowID, rec.State)
		case internalfsm.IsTerminal(rec.State):
			reg.adoptHistory(snapshotFromRecord(rec))
		default:
			if p.adoptActive(reg, rec) {
				adopted++
			}
		}
	}

	p.logger.Infof("Restored %d workflows from %s (%d with live processes)", len(doc.Workflows), p.path, adopted)

	return adopted, nil
}

// adoptActive rebuilds one non-terminal record. Reports whether the
// workflow came back with a live process.
func (p *Persister) adoptActive(reg *Registry, rec workflowRecord) bool {
	if err := verifyProcess(rec); err != nil {
		p.logger.Warnf("Workflow %s from snapshot: %s; recording as failed", rec.WorkflowID, err)

		snap := snapshotFromRecord(rec)
		snap.State = internalfsm.StateFailed
		snap.PID = 0
		snap.ExitCode = -1
		snap.EndTime = time.Now().Unix()
		reg.adoptHistory(snap)

		return false
	}

	e := p.entryFromRecord(rec)

	reg.mu.Lock()
	err := reg.registerLocked(e)
	reg.mu.Unlock()
	if err != nil {
		p.logger.Warnf("Workflow %s from snapshot: %s", rec.WorkflowID, err)

		return false
	}

	p.logger.Infof("Workflow %s restored in state %s (pid %d)", rec.WorkflowID, rec.State, rec.ExecutorPID)

	return true
}

// entryFromRecord rebuilds a live entry. The entry keeps its recorded
// progress and retry accounting but has no stdin channel and no spawn
// arguments; the completion task settles it when its process dies.
func (p *Persister) entryFromRecord(rec workflowRecord) *entry {
	e := newEntry(rec.WorkflowID, rec.WorkflowName, nil, nil,
		time.Duration(rec.TimeoutSeconds)*time.Second, rec.MaxRetries, p.logger)

	e.pid = rec.ExecutorPID
	e.startTime = time.Unix(rec.StartTime, 0)
	e.exitCode = rec.ExitCode
	e.currentStep = rec.CurrentStep
	if rec.TotalSteps >= 1 {
		e.totalSteps = rec.TotalSteps
	}
	e.retryCount = rec.RetryCount
	if rec.LastRetryTime > 0 {
		e.lastRetryTime = time.Unix(rec.LastRetryTime, 0)
	}
	e.restored = true
	e.machine.SetCurrentState(rec.State)

	return e
}

// verifyProcess checks that the recorded PID still refers to the process
// this workflow spawned. The kernel's create time for the PID must fall
// inside the window in which the workflow could have spawned it; a PID
// recycled by an unrelated process falls outside and must never be
// adopted, because the daemon would otherwise signal a stranger.
func verifyProcess(rec workflowRecord) error {
	if rec.ExecutorPID <= 0 {
		return fmt.Errorf("no process recorded")
	}

	proc, err := process.NewProcess(int32(rec.ExecutorPID))
	if err != nil {
		return fmt.Errorf("pid %d is gone", rec.ExecutorPID)
	}

	createMs, err := proc.CreateTime()
	if err != nil {
		return fmt.Errorf("create time of pid %d unavailable: %v", rec.ExecutorPID, err)
	}
	created := time.UnixMilli(createMs)

	// The last spawn happened at registration, or at most one retry delay
	// after the last retry was scheduled.
	spawnedAfter := time.Unix(rec.StartTime, 0)
	if rec.LastRetryTime > rec.StartTime {
		spawnedAfter = time.Unix(rec.LastRetryTime, 0)
	}

	earliest := spawnedAfter.Add(-pidIdentitySlack)
	latest := spawnedAfter.Add(constants.RetryDelayMax + pidIdentitySlack)
	if created.Before(earliest) || created.After(latest) {
		return fmt.Errorf("pid %d was created %s, outside the workflow's spawn window", rec.ExecutorPID, created.Format(time.RFC3339))
	}

	return nil
}

// adoptHistory places a snapshot directly into history during restore.
func (r *Registry) adoptHistory(snap Snapshot) {
	snap.Historical = true
	r.history.Set(snap.WorkflowID, snap)
}

// SnapshotTask captures the registry on a fixed cadence, publishes the
// result for lock-free readers and persists it to disk.
type SnapshotTask struct {
	registry  *Registry
	persister *Persister
	snapshots *SnapshotManager
}

// NewSnapshotTask wires periodic snapshotting over the given registry.
func NewSnapshotTask(registry *Registry, persister *Persister, snapshots *SnapshotManager) *SnapshotTask {
	return &SnapshotTask{
		registry:  registry,
		persister: persister,
		snapshots: snapshots,
	}
}

// Name implements control.Task.
func (t *SnapshotTask) Name() string {
	return "snapshot"
}

// Run executes one snapshot pass.
func (t *SnapshotTask) Run(ctx context.Context) error {
	snap := t.registry.Capture()
	t.snapshots.UpdateSnapshot(snap)

	return t.persister.Save(ctx, snap)
}
