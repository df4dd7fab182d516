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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	internalfsm "github.com/ckoons/argod/internal/fsm"
	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/exitqueue"
	"github.com/ckoons/argod/pkg/service/filesystem"
	"github.com/ckoons/argod/pkg/service/supervisor"
)

var _ = Describe("TimeoutTask", func() {
	var (
		ctx      context.Context
		registry *Registry
		proc     *fakeProc
		fs       *filesystem.MockFileSystem
		logs     *supervisor.LogManager
		manager  *Manager
		task     *TimeoutTask
	)

	BeforeEach(func() {
		ctx = context.Background()
		registry = NewRegistry()
		proc = newFakeProc()
		fs = scriptFS()
		logs = supervisor.NewLogManager(GinkgoT().TempDir())
		manager = NewManager(registry, proc, logs, fs)
		task = NewTimeoutTask(registry, proc)
	})

	// startAged starts a workflow and backdates its registration so the
	// timeout scan sees it as long-running.
	startAged := func(id string, timeout, age time.Duration) Snapshot {
		req := startReq(id)
		req.Timeout = timeout
		snap, err := manager.Start(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		registry.mu.Lock()
		registry.entries[id].startTime = time.Now().Add(-age)
		registry.mu.Unlock()

		return snap
	}

	It("should flag and SIGTERM a workflow past its timeout", func() {
		snap := startAged("wf-slow", time.Hour, 2*time.Hour)

		Expect(task.Run(ctx)).To(Succeed())

		status, err := manager.Status("wf-slow")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.AbandonRequested).To(BeTrue())
		Expect(status.State).To(Equal(internalfsm.StateRunning))
		Expect(proc.signalsTo(snap.PID)).To(ConsistOf(unix.SIGTERM))
	})

	It("should signal only once per timeout", func() {
		snap := startAged("wf-slow", time.Hour, 2*time.Hour)

		Expect(task.Run(ctx)).To(Succeed())
		Expect(task.Run(ctx)).To(Succeed())

		Expect(proc.signalsTo(snap.PID)).To(HaveLen(1))
	})

	It("should leave workflows inside their timeout alone", func() {
		snap := startAged("wf-quick", time.Hour, time.Minute)

		Expect(task.Run(ctx)).To(Succeed())

		status, err := manager.Status("wf-quick")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.AbandonRequested).To(BeFalse())
		Expect(proc.signalsTo(snap.PID)).To(BeEmpty())
	})

	It("should never time out a workflow with timeout zero", func() {
		snap := startAged("wf-forever", 0, 24*time.Hour)

		Expect(task.Run(ctx)).To(Succeed())

		status, err := manager.Status("wf-forever")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.AbandonRequested).To(BeFalse())
		Expect(proc.signalsTo(snap.PID)).To(BeEmpty())
	})

	It("should not scan paused workflows", func() {
		snap := startAged("wf-paused", time.Hour, 2*time.Hour)
		_, err := manager.Pause(ctx, "wf-paused")
		Expect(err).NotTo(HaveOccurred())

		Expect(task.Run(ctx)).To(Succeed())

		status, err := manager.Status("wf-paused")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.AbandonRequested).To(BeFalse())
		Expect(proc.signalsTo(snap.PID)).To(ConsistOf(unix.SIGSTOP))
	})

	It("should settle a timed-out workflow as abandoned when the TERM lands", func() {
		snap := startAged("wf-slow", time.Hour, 2*time.Hour)
		Expect(task.Run(ctx)).To(Succeed())

		queue, err := exitqueue.New(constants.ExitQueueCapacity)
		Expect(err).NotTo(HaveOccurred())
		completion := NewCompletionTask(registry, queue, proc, logs)

		Expect(queue.Push(exitqueue.Event{PID: snap.PID, Status: signalStatus(unix.SIGTERM)})).To(BeTrue())
		Expect(completion.Run(ctx)).To(Succeed())

		status, err := manager.Status("wf-slow")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(internalfsm.StateAbandoned))
		Expect(status.ExitCode).To(Equal(128 + int(unix.SIGTERM)))
	})
})
