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
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/service/supervisor"
)

// TimeoutTask scans for Running workflows that have outlived their
// timeout and starts their termination. It never touches workflow state:
// it marks the entry abandoned and sends SIGTERM, and the resulting exit
// event settles the workflow like any other. The mark also makes the
// scan idempotent; a process that ignores SIGTERM is not signalled again.
//
// Timeouts measure wall time since the workflow was first registered.
// Retries do not reset the clock.
type TimeoutTask struct {
	registry *Registry
	proc     supervisor.Service
	logger   *zap.SugaredLogger
}

// NewTimeoutTask wires the timeout scan over the given registry.
func NewTimeoutTask(registry *Registry, proc supervisor.Service) *TimeoutTask {
	return &TimeoutTask{
		registry: registry,
		proc:     proc,
		logger:   logger.For(logger.ComponentTimeoutMonitor),
	}
}

// Name implements control.Task.
func (t *TimeoutTask) Name() string {
	return "timeout"
}

// Run executes one timeout scan.
func (t *TimeoutTask) Run(ctx context.Context) error {
	t.registry.mu.Lock()
	defer t.registry.mu.Unlock()

	now := time.Now()
	for _, e := range t.registry.entries {
		if e.state() != internalfsm.StateRunning || e.timeout <= 0 || e.abandonRequested || e.pid == 0 {
			continue
		}

		age := now.Sub(e.startTime)
		if age <= e.timeout {
			continue
		}

		t.logger.Warnf("Workflow %s exceeded its %s timeout (running %s); sending SIGTERM to pid %d",
			e.id, e.timeout, age.Round(time.Second), e.pid)

		e.abandonRequested = true
		if err := t.proc.Signal(e.pid, unix.SIGTERM); err != nil {
			t.logger.Errorf("Workflow %s: signalling pid %d: %s", e.id, e.pid, err)
		}
	}

	return nil
}
