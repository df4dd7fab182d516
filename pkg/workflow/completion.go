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

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	internalfsm "github.com/ckoons/argod/internal/fsm"
	"github.com/ckoons/argod/pkg/backoff"
	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/exitqueue"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
	"github.com/ckoons/argod/pkg/service/supervisor"
)

// CompletionTask drains the exit queue and settles every workflow whose
// process is gone. One pass handles, in order: dropped-event reporting,
// queued exits, liveness of restored entries, and retry-eligible entries
// waiting in Pending.
type CompletionTask struct {
	registry *Registry
	queue    *exitqueue.Queue
	proc     supervisor.Service
	logs     *supervisor.LogManager
	retryCfg backoff.Config
	logger   *zap.SugaredLogger
}

// NewCompletionTask wires the completion pass over the given registry,
// queue and services.
func NewCompletionTask(registry *Registry, queue *exitqueue.Queue, proc supervisor.Service, logs *supervisor.LogManager) *CompletionTask {
	log := logger.For(logger.ComponentCompletionWorker)

	return &CompletionTask{
		registry: registry,
		queue:    queue,
		proc:     proc,
		logs:     logs,
		retryCfg: backoff.NewBackoffConfig("workflow-retry", constants.RetryDelayBase, constants.RetryDelayMax, 2, 0, log),
		logger:   log,
	}
}

// Name implements control.Task.
func (t *CompletionTask) Name() string {
	return "completion"
}

// Run executes one completion pass.
func (t *CompletionTask) Run(ctx context.Context) error {
	t.reportDropped()
	t.drainQueue(ctx)
	t.finalizeRestored(ctx)
	t.retryEligible(ctx)

	return nil
}

// reportDropped surfaces exit events lost to a full queue. The affected
// workflows stay in their last state until a daemon restart re-verifies
// them against live PIDs.
func (t *CompletionTask) reportDropped() {
	if n := t.queue.DrainedDropCount(); n > 0 {
		t.logger.Warnf("Exit queue dropped %d events since the last pass", n)
	}
}

// drainQueue pops every queued exit event and applies it.
func (t *CompletionTask) drainQueue(ctx context.Context) {
	for {
		ev, ok := t.queue.Pop()
		if !ok {
			return
		}
		t.handleExit(ctx, ev)
	}
}

// handleExit settles one reaped process. Decision order: a signal death
// is recorded as Abandoned regardless of any pending request, then a
// requested abandon wins over the exit code, then exit 0 completes, and
// every other exit retries until the budget is spent.
func (t *CompletionTask) handleExit(ctx context.Context, ev exitqueue.Event) {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	e := t.registry.findByPIDLocked(ev.PID)
	if e == nil {
		t.logger.Debugf("Exit of pid %d (status %#x) not matched to any workflow (already cleaned up?)", ev.PID, ev.Status)

		return
	}

	e.closeStdin()
	e.pid = 0

	status := unix.WaitStatus(ev.Status)

	switch {
	case status.Signaled():
		e.exitCode = 128 + int(status.Signal())
		t.finalize(ctx, e, internalfsm.EventAbandon)
	case e.abandonRequested:
		e.exitCode = status.ExitStatus()
		t.finalize(ctx, e, internalfsm.EventAbandon)
	case status.ExitStatus() == 0:
		e.exitCode = 0
		t.finalize(ctx, e, internalfsm.EventComplete)
	default:
		e.exitCode = status.ExitStatus()
		t.retryOrFail(ctx, e)
	}
}

// retryOrFail schedules the next attempt or fails the workflow once its
// retry budget is spent. Callers hold the registry mutex.
func (t *CompletionTask) retryOrFail(ctx context.Context, e *entry) {
	if e.retryCount >= e.maxRetries {
		t.logger.Warnf("Workflow %s failed with exit code %d after %d of %d retries", e.id, e.exitCode, e.retryCount, e.maxRetries)
		t.finalize(ctx, e, internalfsm.EventFail)

		return
	}

	e.retryCount++
	now := time.Now()
	delay := backoff.DelayForAttempt(t.retryCfg, uint64(e.retryCount))
	e.lastRetryTime = now
	e.retryEligibleAt = now.Add(delay)

	if err := e.machine.SendEvent(ctx, internalfsm.EventRetry); err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentCompletionWorker, e.id, err, t.logger)
		t.logger.Errorf("Workflow %s: recording retry: %s", e.id, err)

		return
	}

	metrics.IncWorkflowRetry()
	t.logger.Infof("Workflow %s exited %d; retry %d/%d eligible in %s", e.id, e.exitCode, e.retryCount, e.maxRetries, delay)
}

// finalizeRestored polls entries adopted from a snapshot. Their processes
// are not our children, so no exit event will ever arrive; once the PID
// is gone the workflow is settled with an unknown exit code.
func (t *CompletionTask) finalizeRestored(ctx context.Context) {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	for _, e := range t.registry.entries {
		if !e.restored || e.pid == 0 {
			continue
		}
		switch e.state() {
		case internalfsm.StateRunning, internalfsm.StatePaused:
		default:
			continue
		}
		if t.proc.Alive(e.pid) {
			continue
		}

		// the real exit status died with the previous daemon
		e.exitCode = -1
		e.pid = 0
		if e.abandonRequested {
			t.finalize(ctx, e, internalfsm.EventAbandon)
		} else {
			t.finalize(ctx, e, internalfsm.EventFail)
		}
	}
}

// retryEligible settles Pending entries that are waiting out a retry
// delay: abandoned ones are finalized, due ones are re-spawned.
func (t *CompletionTask) retryEligible(ctx context.Context) {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	now := time.Now()
	for _, e := range t.registry.entries {
		if e.state() != internalfsm.StatePending || e.pid != 0 || e.retryEligibleAt.IsZero() {
			continue
		}
		if e.abandonRequested {
			// an abandon requested during the delay wins over the retry
			t.finalize(ctx, e, internalfsm.EventAbandon)

			continue
		}
		if now.Before(e.retryEligibleAt) {
			continue
		}

		t.respawn(ctx, e)
	}
}

// respawn starts the next attempt of a retry-eligible entry. A spawn
// failure leaves the entry Pending with its eligibility in the past, so
// the next pass simply tries again; failed spawns never consume retry
// budget. Callers hold the registry mutex.
func (t *CompletionTask) respawn(ctx context.Context, e *entry) {
	if err := t.logs.AppendRetryMarker(e.id, e.retryCount, e.maxRetries); err != nil {
		t.logger.Warnf("Workflow %s: %s", e.id, err)
	}

	handle, err := t.proc.Spawn(ctx, supervisor.SpawnSpec{
		Script:  e.script,
		Args:    e.args,
		Env:     e.env,
		LogPath: t.logs.Path(e.id),
	})
	if err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentCompletionWorker, e.id, err, t.logger)
		t.logger.Errorf("Workflow %s: retry spawn failed: %s", e.id, err)

		return
	}

	e.pid = handle.PID
	e.stdin = handle.Stdin

	if err := e.machine.SendEvent(ctx, internalfsm.EventSpawn); err != nil {
		t.logger.Errorf("Workflow %s: recording retry spawn: %s", e.id, err)
	}

	t.logger.Infof("Workflow %s: retry attempt %d/%d spawned as pid %d", e.id, e.retryCount, e.maxRetries, handle.PID)
}

// finalize sends the terminal event and moves the entry to history.
// Callers hold the registry mutex.
func (t *CompletionTask) finalize(ctx context.Context, e *entry, event string) {
	if err := e.machine.SendEvent(ctx, event); err != nil {
		t.logger.Errorf("Workflow %s: %s from %s: %s", e.id, event, e.state(), err)
	}
	t.registry.finalizeLocked(e)
}
