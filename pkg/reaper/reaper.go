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

// Package reaper owns child reaping for the whole daemon. It listens for
// SIGCHLD, drains every exited child with a non-blocking wait and pushes
// the raw (pid, status) pairs onto the exit queue. No other component may
// call wait; the completion worker consumes the queue and updates the
// registry.
package reaper

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ckoons/argod/pkg/exitqueue"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/sentry"
)

// Reaper collects child exit events in a background goroutine.
//
// SIGCHLD coalesces, so one signal delivery may stand for several exits
// and a delivery can be dropped entirely while the channel is full. The
// loop therefore drains until wait returns nothing, and a slow ticker
// sweeps for anything a lost signal left behind.
type Reaper struct {
	queue  *exitqueue.Queue
	ctx    context.Context //nolint:containedctx // This is intentional for background service lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.SugaredLogger
	sigCh  chan os.Signal
}

// NewReaper creates a reaper and starts its background goroutine.
// The returned Reaper must be stopped with Stop() during shutdown.
func NewReaper(queue *exitqueue.Queue) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	reaper := &Reaper{
		queue:  queue,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.For(logger.ComponentReaper),
		sigCh:  make(chan os.Signal, 1),
	}

	signal.Notify(reaper.sigCh, unix.SIGCHLD)

	reaper.wg.Add(1)

	go reaper.reapLoop()

	reaper.logger.Info("Reaper started")

	return reaper
}

func (r *Reaper) reapLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.sigCh:
			r.drain()
		case <-ticker.C:
			r.drain()
		}
	}
}

// drain reaps every exited child without blocking and pushes the events.
func (r *Reaper) drain() {
	for {
		var status unix.WaitStatus

		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)

		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ECHILD):
			// No children at all.
			return
		case err != nil:
			sentry.ReportIssuef(sentry.IssueTypeWarning, r.logger, "[Reaper.drain] wait4 failed: %s", err)

			return
		case pid == 0:
			// Children exist but none have exited.
			return
		}

		if !r.queue.Push(exitqueue.Event{PID: pid, Status: int(status)}) {
			r.logger.Warnf("Exit queue full, dropped exit event for pid %d (status %d)", pid, int(status))

			continue
		}

		r.logger.Debugf("Reaped pid %d with status %d", pid, int(status))
	}
}

// Stop terminates the background goroutine. Pending exit events already
// pushed to the queue stay available to the consumer.
func (r *Reaper) Stop() {
	r.logger.Info("Stopping reaper")
	signal.Stop(r.sigCh)
	r.cancel()
	r.wg.Wait()
	r.logger.Info("Reaper stopped")
}
