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

package starvationchecker

import (
	"context"
	"sync"
	"time"

	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
	"github.com/ckoons/argod/pkg/sentry"
	"go.uber.org/zap"
)

// StarvationChecker monitors the scheduler's health by detecting periods when
// the loop is unable to complete cycles in a timely manner.
//
// Why it matters:
// - Detects loop blockages (a task stuck in an uninterruptible syscall, a
//   wedged mutex) that would silently stop completion and timeout handling
// - Provides early warning through metrics and logs
//
// The checker runs in its own goroutine and probes once per second, so
// starvation is detected even when the scheduler goroutine is completely
// blocked. The scheduler marks each finished cycle via UpdateLastCycleTime.
type StarvationChecker struct {
	lastCycleTime       time.Time
	ctx                 context.Context //nolint:containedctx // This is intentional for background service lifecycle
	logger              *zap.SugaredLogger
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
	starvationThreshold time.Duration
	mutex               sync.RWMutex
}

// NewStarvationChecker creates a starvation checker that monitors scheduler
// health. It automatically starts a background goroutine that checks for
// starvation every second.
//
// The threshold should be several times longer than the slowest expected
// cycle so ordinary load never trips it.
//
// Returns a StarvationChecker that must be stopped with Stop() when no
// longer needed.
func NewStarvationChecker(threshold time.Duration) *StarvationChecker {
	ctx, cancel := context.WithCancel(context.Background())
	checker := &StarvationChecker{
		starvationThreshold: threshold,
		lastCycleTime:       time.Now(),
		logger:              logger.For(logger.ComponentStarvationChecker),
		ctx:                 ctx,
		cancel:              cancel,
	}

	checker.wg.Add(1)

	go checker.checkStarvationLoop()

	checker.logger.Infof("Starvation checker created with threshold %s", threshold)

	return checker
}

// checkStarvationLoop continuously monitors the time since the last completed
// cycle and reports starvation events when they exceed the configured
// threshold. This background process ensures starvation is detected even if
// the scheduler goroutine is completely blocked.
func (s *StarvationChecker) checkStarvationLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mutex.RLock()
			timeSinceLastCycle := time.Since(s.lastCycleTime)
			s.mutex.RUnlock()

			if timeSinceLastCycle > s.starvationThreshold {
				starvationTime := timeSinceLastCycle.Seconds()
				metrics.AddStarvationTime(starvationTime)
				sentry.ReportIssuef(sentry.IssueTypeWarning, s.logger, "Scheduler starvation detected: %.2f seconds since last completed cycle", starvationTime)
			} else {
				s.logger.Debugf("Scheduler is healthy, last cycle completed %.2f seconds ago", timeSinceLastCycle.Seconds())
			}
		}
	}
}

// Stop gracefully terminates the background starvation checker.
// This should be called during system shutdown to prevent goroutine leaks.
func (s *StarvationChecker) Stop() {
	s.logger.Info("Stopping starvation checker")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Starvation checker stopped")
}

// UpdateLastCycleTime marks the current time as the most recent completed
// scheduler cycle. The scheduler calls this at the end of every cycle,
// including cycles whose tasks failed, since a failed cycle still proves
// the loop is running.
func (s *StarvationChecker) UpdateLastCycleTime() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.lastCycleTime = time.Now()
}

// GetLastCycleTime returns the timestamp of the most recent completed cycle.
func (s *StarvationChecker) GetLastCycleTime() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	return s.lastCycleTime
}
