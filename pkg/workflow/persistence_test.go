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
	"os"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap/zaptest"

	internalfsm "github.com/ckoons/argod/internal/fsm"
	"github.com/ckoons/argod/pkg/service/filesystem"
	"github.com/ckoons/argod/pkg/service/supervisor"
	"github.com/ckoons/argod/pkg/standarderrors"
)

// deadPID exceeds the kernel's pid_max, so no process can ever own it.
const deadPID = 400000000

var _ = Describe("Persister", func() {
	var (
		ctx       context.Context
		registry  *Registry
		fs        *filesystem.MockFileSystem
		store     map[string][]byte
		writes    int
		persister *Persister
	)

	BeforeEach(func() {
		ctx = context.Background()
		registry = NewRegistry()
		store = make(map[string][]byte)
		writes = 0

		fs = scriptFS()
		fs.WriteFileFunc = func(_ context.Context, path string, data []byte, _ os.FileMode) error {
			writes++
			store[path] = append([]byte(nil), data...)

			return nil
		}
		fs.RenameFunc = func(_ context.Context, oldPath, newPath string) error {
			data, ok := store[oldPath]
			if !ok {
				return os.ErrNotExist
			}
			store[newPath] = data
			delete(store, oldPath)

			return nil
		}
		fs.PathExistsFunc = func(_ context.Context, path string) (bool, error) {
			_, ok := store[path]

			return ok, nil
		}
		fs.ReadFileFunc = func(_ context.Context, path string) ([]byte, error) {
			data, ok := store[path]
			if !ok {
				return nil, os.ErrNotExist
			}

			return data, nil
		}

		persister = NewPersister(fs, "/var/lib/argod")
	})

	// addRunning registers an entry and moves it to Running.
	addRunning := func(id string, pid int) {
		e := newEntry(id, "/opt/argo/workflows/"+id+".sh", nil, nil, time.Hour, 3,
			zaptest.NewLogger(GinkgoT()).Sugar())
		e.pid = pid

		registry.mu.Lock()
		defer registry.mu.Unlock()
		Expect(registry.registerLocked(e)).To(Succeed())
		Expect(e.machine.SendEvent(ctx, internalfsm.EventSpawn)).To(Succeed())
	}

	writeDoc := func(recs ...workflowRecord) {
		data, err := json.Marshal(registryDocument{Version: registryVersion, Workflows: recs})
		Expect(err).NotTo(HaveOccurred())
		store[persister.Path()] = data
	}

	It("should build the snapshot path from the base directory", func() {
		Expect(persister.Path()).To(Equal("/var/lib/argod/registry.json"))
	})

	Describe("Save", func() {
		var (
			snapshots *SnapshotManager
			task      *SnapshotTask
		)

		BeforeEach(func() {
			snapshots = NewSnapshotManager()
			task = NewSnapshotTask(registry, persister, snapshots)
		})

		It("should persist the registry as a version-1 document", func() {
			addRunning("wf-a", 321)

			Expect(task.Run(ctx)).To(Succeed())

			var doc registryDocument
			Expect(json.Unmarshal(store[persister.Path()], &doc)).To(Succeed())
			Expect(doc.Version).To(Equal(1))
			Expect(doc.Workflows).To(HaveLen(1))

			rec := doc.Workflows[0]
			Expect(rec.WorkflowID).To(Equal("wf-a"))
			Expect(rec.WorkflowName).To(Equal("/opt/argo/workflows/wf-a.sh"))
			Expect(rec.State).To(Equal(internalfsm.StateRunning))
			Expect(rec.ExecutorPID).To(Equal(321))
			Expect(rec.TimeoutSeconds).To(Equal(3600))
			Expect(rec.MaxRetries).To(Equal(3))
			Expect(rec.TotalSteps).To(Equal(1))
			Expect(rec.StartTime).NotTo(BeZero())
		})

		It("should publish the snapshot for lock-free readers", func() {
			addRunning("wf-a", 321)

			Expect(task.Run(ctx)).To(Succeed())

			snap := snapshots.GetSnapshot()
			Expect(snap.Active).To(HaveLen(1))
			Expect(snap.Active[0].WorkflowID).To(Equal("wf-a"))
		})

		It("should skip the write when nothing changed", func() {
			addRunning("wf-a", 321)

			Expect(task.Run(ctx)).To(Succeed())
			Expect(task.Run(ctx)).To(Succeed())

			Expect(writes).To(Equal(1))
		})

		It("should write again once the registry changes", func() {
			addRunning("wf-a", 321)
			Expect(task.Run(ctx)).To(Succeed())

			addRunning("wf-b", 322)
			Expect(task.Run(ctx)).To(Succeed())

			Expect(writes).To(Equal(2))
		})
	})

	Describe("Restore", func() {
		It("should treat a missing snapshot as an empty registry", func() {
			adopted, err := persister.Restore(ctx, registry)
			Expect(err).NotTo(HaveOccurred())
			Expect(adopted).To(BeZero())
		})

		It("should reject a corrupt snapshot", func() {
			store[persister.Path()] = []byte("{not json")

			_, err := persister.Restore(ctx, registry)
			Expect(err).To(MatchError(standarderrors.ErrInvalidInput))
		})

		It("should reject an unsupported snapshot version", func() {
			store[persister.Path()] = []byte(`{"version":2,"workflows":[]}`)

			_, err := persister.Restore(ctx, registry)
			Expect(err).To(MatchError(standarderrors.ErrInvalidInput))
		})

		It("should place terminal records in history", func() {
			now := time.Now().Unix()
			writeDoc(workflowRecord{
				WorkflowID:   "wf-done",
				WorkflowName: "/opt/argo/workflows/done.sh",
				State:        internalfsm.StateCompleted,
				StartTime:    now - 120,
				EndTime:      now - 60,
				TotalSteps:   1,
			})

			adopted, err := persister.Restore(ctx, registry)
			Expect(err).NotTo(HaveOccurred())
			Expect(adopted).To(BeZero())
			Expect(registry.Count()).To(BeZero())

			snap, err := registry.Status("wf-done")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.State).To(Equal(internalfsm.StateCompleted))
			Expect(snap.Historical).To(BeTrue())
		})

		It("should skip records with unknown states", func() {
			writeDoc(workflowRecord{WorkflowID: "wf-odd", State: "zombie"})

			adopted, err := persister.Restore(ctx, registry)
			Expect(err).NotTo(HaveOccurred())
			Expect(adopted).To(BeZero())

			_, err = registry.Status("wf-odd")
			Expect(err).To(MatchError(standarderrors.ErrNotFound))
		})

		It("should fail a running record whose process is gone", func() {
			writeDoc(workflowRecord{
				WorkflowID:   "wf-gone",
				WorkflowName: "/opt/argo/workflows/gone.sh",
				State:        internalfsm.StateRunning,
				ExecutorPID:  deadPID,
				StartTime:    time.Now().Unix() - 300,
				TotalSteps:   1,
			})

			adopted, err := persister.Restore(ctx, registry)
			Expect(err).NotTo(HaveOccurred())
			Expect(adopted).To(BeZero())

			snap, err := registry.Status("wf-gone")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.State).To(Equal(internalfsm.StateFailed))
			Expect(snap.ExitCode).To(Equal(-1))
			Expect(snap.EndTime).NotTo(BeZero())
			Expect(snap.Historical).To(BeTrue())
		})

		It("should fail a pending record that has no process to verify", func() {
			writeDoc(workflowRecord{
				WorkflowID:   "wf-waiting",
				WorkflowName: "/opt/argo/workflows/waiting.sh",
				State:        internalfsm.StatePending,
				StartTime:    time.Now().Unix() - 30,
				TotalSteps:   1,
				RetryCount:   1,
				MaxRetries:   3,
			})

			adopted, err := persister.Restore(ctx, registry)
			Expect(err).NotTo(HaveOccurred())
			Expect(adopted).To(BeZero())

			snap, err := registry.Status("wf-waiting")
			Expect(err).NotTo(HaveOccurred())
			Expect(snap.State).To(Equal(internalfsm.StateFailed))
			Expect(snap.ExitCode).To(Equal(-1))
		})

		Context("with a live process", func() {
			var createdAt int64

			BeforeEach(func() {
				self, err := process.NewProcess(int32(os.Getpid()))
				Expect(err).NotTo(HaveOccurred())
				createMs, err := self.CreateTime()
				Expect(err).NotTo(HaveOccurred())
				createdAt = createMs / 1000
			})

			It("should adopt a record whose PID and start time line up", func() {
				writeDoc(workflowRecord{
					WorkflowID:   "wf-live",
					WorkflowName: "/opt/argo/workflows/live.sh",
					State:        internalfsm.StateRunning,
					ExecutorPID:  os.Getpid(),
					StartTime:    createdAt,
					TotalSteps:   1,
					MaxRetries:   3,
				})

				adopted, err := persister.Restore(ctx, registry)
				Expect(err).NotTo(HaveOccurred())
				Expect(adopted).To(Equal(1))
				Expect(registry.Count()).To(Equal(1))

				snap, err := registry.Status("wf-live")
				Expect(err).NotTo(HaveOccurred())
				Expect(snap.State).To(Equal(internalfsm.StateRunning))
				Expect(snap.PID).To(Equal(os.Getpid()))
				Expect(snap.Restored).To(BeTrue())
			})

			It("should give an adopted workflow no stdin channel", func() {
				writeDoc(workflowRecord{
					WorkflowID:   "wf-live",
					WorkflowName: "/opt/argo/workflows/live.sh",
					State:        internalfsm.StateRunning,
					ExecutorPID:  os.Getpid(),
					StartTime:    createdAt,
					TotalSteps:   1,
				})

				_, err := persister.Restore(ctx, registry)
				Expect(err).NotTo(HaveOccurred())

				logs := supervisor.NewLogManager(GinkgoT().TempDir())
				manager := NewManager(registry, newFakeProc(), logs, fs)
				_, err = manager.SendInput(ctx, "wf-live", []byte("y\n"))
				Expect(err).To(MatchError(standarderrors.ErrInvalidState))
			})

			It("should reject a PID whose create time falls outside the spawn window", func() {
				writeDoc(workflowRecord{
					WorkflowID:   "wf-recycled",
					WorkflowName: "/opt/argo/workflows/recycled.sh",
					State:        internalfsm.StateRunning,
					ExecutorPID:  os.Getpid(),
					// recorded hours before this process existed, so the
					// PID must have been recycled
					StartTime:  createdAt - 7200,
					TotalSteps: 1,
				})

				adopted, err := persister.Restore(ctx, registry)
				Expect(err).NotTo(HaveOccurred())
				Expect(adopted).To(BeZero())

				snap, err := registry.Status("wf-recycled")
				Expect(err).NotTo(HaveOccurred())
				Expect(snap.State).To(Equal(internalfsm.StateFailed))
				Expect(snap.ExitCode).To(Equal(-1))
			})
		})
	})
})
