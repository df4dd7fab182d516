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

package constants

import "time"

const (
	// DefaultTickerTime is the interval between scheduler cycles.
	// Tasks declare their own intervals on top of this base tick; the tick
	// only bounds how quickly a due task is noticed.
	DefaultTickerTime = 100 * time.Millisecond

	// DefaultTickTimeout bounds a single scheduler cycle. A task that cannot
	// finish within this budget is cut off and retried on a later tick.
	DefaultTickTimeout = 30 * time.Second

	// StarvationThreshold defines when to consider the scheduler starved.
	// If no cycle has completed for this duration, the starvation detector
	// logs warnings and records metrics.
	StarvationThreshold = 15 * time.Second

	// CompletionCheckInterval is how often the completion task drains the
	// exit queue and evaluates pending retries.
	CompletionCheckInterval = 5 * time.Second

	// TimeoutCheckInterval is how often running workflows are scanned for
	// expired deadlines.
	TimeoutCheckInterval = 10 * time.Second

	// LogRotationCheckInterval is how often workflow log files are examined
	// for rotation by age or size.
	LogRotationCheckInterval = time.Hour

	// SnapshotInterval is how often the registry is persisted to disk.
	// Writes are skipped when the serialized state has not changed.
	SnapshotInterval = 30 * time.Second

	// ExpectedMaxP95ExecutionTimePerEvent is the minimum context budget a
	// state transition needs. SendEvent refuses to start a transition with
	// less time remaining so callbacks never run against a dead context.
	ExpectedMaxP95ExecutionTimePerEvent = 10 * time.Millisecond
)
