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

package control

// Package control implements the central scheduler of the workflow daemon.
//
// This package is responsible for:
// - Executing the single-threaded tick loop that drives the system
// - Running registered maintenance tasks at their own intervals
// - Handling errors and ensuring the loop keeps running after slow cycles
// - Monitoring cycle times and detecting starvation conditions
//
// The main components are:
// - ControlLoop: owns the ticker and runs tasks when they come due
// - Task: the unit of periodic work (exit-queue drain, timeout scan,
//   log rotation, registry snapshot)
// - StarvationChecker: watches loop liveness from a separate goroutine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
	"github.com/ckoons/argod/pkg/sentry"
	"github.com/ckoons/argod/pkg/starvationchecker"
	"go.uber.org/zap"
)

// Task is a unit of periodic work driven by the control loop. Run is called
// from the loop goroutine only, so implementations never race with their own
// previous invocation. The context carries the cycle deadline; a task that
// overruns it is cut off and retried when its interval next elapses.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// scheduledTask pairs a task with its firing interval. lastRun is stamped
// when the task starts, so a failing task is retried at its interval rather
// than on every tick.
type scheduledTask struct {
	task     Task
	interval time.Duration
	lastRun  time.Time
}

// ControlLoop drives all periodic work of the daemon from one goroutine.
// Tasks are registered once at startup and then fired whenever their
// interval has elapsed, in registration order. The single-threaded design
// keeps task execution deterministic: two tasks never touch the workflow
// registry at the same time from this loop, and a slow task delays the
// others instead of piling up goroutines.
type ControlLoop struct {
	tickerTime        time.Duration
	tickTimeout       time.Duration
	tasks             []*scheduledTask
	logger            *zap.SugaredLogger
	starvationChecker *starvationchecker.StarvationChecker
	currentTick       uint64

	// statsMutex guards the fields below, which are read by the health
	// and debug endpoints from other goroutines.
	statsMutex sync.RWMutex
	startTime  time.Time
	taskTimes  map[string]time.Duration
	taskRuns   map[string]uint64
}

// Stats is a point-in-time view of scheduler activity for the health endpoint.
type Stats struct {
	Uptime   time.Duration
	TaskRuns map[string]uint64
}

// NewControlLoop creates the scheduler with an empty task list.
// A tickerTime of zero or less falls back to the default tick. The loop
// runs nothing until tasks are registered and Execute is called.
func NewControlLoop(tickerTime time.Duration) *ControlLoop {
	log := logger.For(logger.ComponentControlLoop)
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if tickerTime <= 0 {
		tickerTime = constants.DefaultTickerTime
	}

	starvationChecker := starvationchecker.NewStarvationChecker(constants.StarvationThreshold)

	metrics.InitErrorCounter(metrics.ComponentControlLoop, "main")

	return &ControlLoop{
		tickerTime:        tickerTime,
		tickTimeout:       constants.DefaultTickTimeout,
		logger:            log,
		starvationChecker: starvationChecker,
		taskTimes:         make(map[string]time.Duration),
		taskRuns:          make(map[string]uint64),
	}
}

// Register adds a task that fires whenever interval has elapsed since its
// previous run. An interval of zero or less means every tick. Registration
// is not safe once Execute has started; wire all tasks up first.
func (c *ControlLoop) Register(task Task, interval time.Duration) {
	c.tasks = append(c.tasks, &scheduledTask{task: task, interval: interval})
	c.logger.Infof("Registered task %s with interval %s", task.Name(), interval)
}

// Execute runs the control loop until the context is cancelled.
// The loop follows a simple pattern:
// 1. Wait for the next tick interval
// 2. Run every task whose interval has elapsed
// 3. Update metrics and mark the cycle for the starvation checker
// 4. Handle any errors appropriately
//
// Error handling:
// - Deadline exceeded: log warning and continue (a task overran the cycle
//   budget; it will be retried at its next interval)
// - Context cancelled: clean shutdown
// - Other errors: abort the loop
func (c *ControlLoop) Execute(ctx context.Context) error {
	ticker := time.NewTicker(c.tickerTime)
	defer ticker.Stop()

	c.currentTick = 0

	c.statsMutex.Lock()
	c.startTime = time.Now()
	c.statsMutex.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.currentTick++

			start := time.Now()

			timeoutCtx, cancel := context.WithTimeout(ctx, c.tickTimeout)
			err := c.runDueTasks(timeoutCtx, start)
			cancel()

			cycleTime := time.Since(start)

			// A cycle longer than the tick means the ticker is falling
			// behind and due tasks are being noticed late.
			if cycleTime > c.tickerTime {
				c.logger.Warnf("Scheduler cycle time is greater than ticker time: %v", cycleTime)
				if cycleTime > 2*c.tickerTime {
					c.logger.Errorf("Scheduler cycle time is greater than 2*ticker time: %v", cycleTime)
				}
			}

			metrics.ObserveTaskTime(metrics.ComponentControlLoop, "main", cycleTime)

			// Even a failed cycle proves the loop is alive.
			if c.starvationChecker != nil {
				c.starvationChecker.UpdateLastCycleTime()
			}

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					sentry.ReportIssuef(sentry.IssueTypeWarning, c.logger, "Scheduler cycle timed out: %v", err)
				} else if errors.Is(err, context.Canceled) {
					c.logger.Infof("Scheduler cancelled")
					return nil
				} else {
					metrics.IncErrorCountAndLog(metrics.ComponentControlLoop, "main", err, c.logger)
					// Any other unhandled error stops the loop.
					sentry.ReportIssuef(sentry.IssueTypeError, c.logger, "Scheduler error: %v", err)
					return err
				}
			}
		}
	}
}

// runDueTasks fires every registered task whose interval has elapsed, in
// registration order, and stops at the first failure. Tasks skipped after a
// failure keep their old lastRun and come due again on the next tick.
func (c *ControlLoop) runDueTasks(ctx context.Context, now time.Time) error {
	for _, st := range c.tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !st.lastRun.IsZero() && now.Sub(st.lastRun) < st.interval {
			continue
		}
		st.lastRun = now

		name := st.task.Name()

		taskStart := time.Now()
		err := st.task.Run(ctx)
		executionTime := time.Since(taskStart)

		metrics.ObserveTaskTime(metrics.ComponentControlLoop, name, executionTime)

		c.statsMutex.Lock()
		c.taskTimes[name] = executionTime
		c.taskRuns[name]++
		c.statsMutex.Unlock()

		if err != nil {
			metrics.IncErrorCountAndLog(metrics.ComponentControlLoop, name, err, c.logger)
			return fmt.Errorf("task %s failed: %w", name, err)
		}
	}

	return nil
}

// Stats returns scheduler activity counters. Safe to call from any goroutine.
func (c *ControlLoop) Stats() Stats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()

	runs := make(map[string]uint64, len(c.taskRuns))
	for name, n := range c.taskRuns {
		runs[name] = n
	}

	var uptime time.Duration
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime)
	}

	return Stats{
		Uptime:   uptime,
		TaskRuns: runs,
	}
}

// GetDebugInfo implements metrics.DebugProvider.
func (c *ControlLoop) GetDebugInfo() interface{} {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()

	tasks := make([]map[string]interface{}, 0, len(c.tasks))
	for _, st := range c.tasks {
		name := st.task.Name()
		tasks = append(tasks, map[string]interface{}{
			"name":          name,
			"interval":      st.interval.String(),
			"runs":          c.taskRuns[name],
			"last_duration": c.taskTimes[name].String(),
		})
	}

	info := map[string]interface{}{
		"ticker_time":  c.tickerTime.String(),
		"tick_timeout": c.tickTimeout.String(),
		"tasks":        tasks,
	}
	if !c.startTime.IsZero() {
		info["uptime"] = time.Since(c.startTime).String()
	}

	return info
}

// Stop gracefully terminates the control loop's components.
// This stops the starvation checker background goroutine; the loop itself
// exits when the Execute context is cancelled.
func (c *ControlLoop) Stop(ctx context.Context) error {
	if c.starvationChecker == nil {
		return fmt.Errorf("starvation checker is not set")
	}
	c.starvationChecker.Stop()

	return nil
}
