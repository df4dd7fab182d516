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

package backoff

import (
	"fmt"
	"sync"
	"time"

	expbackoff "github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const (
	// TemporaryBackoffError marks errors from operations skipped while a
	// retry delay is still running.
	TemporaryBackoffError = "temporary backoff error"

	// PermanentFailureError marks errors from operations that exhausted
	// their retries or hit an unrecoverable condition.
	PermanentFailureError = "permanent failure error"
)

// Config holds the retry delay policy for one managed operation.
type Config struct {
	// ID identifies the owner in log lines.
	ID string
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration
	// Multiplier scales the delay after each failed attempt.
	Multiplier float64
	// MaxRetries is the number of delayed retries before the failure is
	// escalated to permanent. Zero means retry forever.
	MaxRetries uint64
	// Logger receives debug lines on every state change.
	Logger *zap.SugaredLogger
}

// DefaultConfig returns the standard retry policy: first retry after
// 5 seconds, doubling up to 5 minutes, forever.
func DefaultConfig(id string, logger *zap.SugaredLogger) Config {
	return NewBackoffConfig(id, 5*time.Second, 5*time.Minute, 2, 0, logger)
}

// NewBackoffConfig builds a Config from explicit policy values.
func NewBackoffConfig(id string, initial, max time.Duration, multiplier float64, maxRetries uint64, logger *zap.SugaredLogger) Config {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return Config{
		ID:              id,
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxRetries:      maxRetries,
		Logger:          logger,
	}
}

// newExponential builds the underlying exponential backoff for a config.
// Randomization is disabled so delays stay deterministic and testable.
func newExponential(cfg Config) *expbackoff.ExponentialBackOff {
	exp := expbackoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialInterval
	exp.MaxInterval = cfg.MaxInterval
	exp.Multiplier = cfg.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0 // retries never expire by elapsed time
	exp.Reset()

	return exp
}

// DelayForAttempt returns the eligibility delay before retry attempt n
// (1-based): InitialInterval * Multiplier^(n-1), capped at MaxInterval.
// Attempt 0 returns zero.
func DelayForAttempt(cfg Config, attempt uint64) time.Duration {
	if attempt == 0 {
		return 0
	}

	exp := newExponential(cfg)

	delay := exp.NextBackOff()
	for i := uint64(1); i < attempt; i++ {
		delay = exp.NextBackOff()
	}

	return delay
}

// BackoffManager tracks the error and retry-delay state of one operation.
// Failed attempts push the next eligibility further into the future; the
// owner polls ShouldSkipOperation instead of sleeping.
type BackoffManager struct {
	cfg Config
	exp *expbackoff.ExponentialBackOff

	mu         sync.Mutex
	lastError  error
	retryCount uint64
	eligibleAt time.Time
	permanent  bool
}

// NewBackoffManager creates a manager with a clean state.
func NewBackoffManager(cfg Config) *BackoffManager {
	return &BackoffManager{
		cfg: cfg,
		exp: newExponential(cfg),
	}
}

// SetError records a failed attempt and schedules the next eligibility.
// Returns true if the failure is now permanent (either the error was
// categorized permanent or the retry budget is exhausted).
func (m *BackoffManager) SetError(err error, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = err

	if IsPermanentError(err) {
		m.permanent = true
		m.cfg.Logger.Errorf("%s: permanent failure: %v", m.cfg.ID, err)

		return true
	}

	m.retryCount++
	if m.cfg.MaxRetries > 0 && m.retryCount > m.cfg.MaxRetries {
		m.permanent = true
		m.cfg.Logger.Errorf("%s: retries exhausted after %d attempts: %v", m.cfg.ID, m.retryCount-1, err)

		return true
	}

	delay := m.exp.NextBackOff()
	m.eligibleAt = now.Add(delay)
	m.cfg.Logger.Debugf("%s: attempt %d failed, next retry eligible in %s: %v", m.cfg.ID, m.retryCount, delay, err)

	return false
}

// ShouldSkipOperation reports whether the operation is still inside its
// retry delay window at the given time.
func (m *BackoffManager) ShouldSkipOperation(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permanent {
		return true
	}

	return now.Before(m.eligibleAt)
}

// GetBackoffError returns a classified error describing why the operation
// is currently suspended. Returns nil when the operation is eligible.
func (m *BackoffManager) GetBackoffError(now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.permanent {
		return fmt.Errorf("%s: %w", PermanentFailureError, m.lastError)
	}

	if now.Before(m.eligibleAt) {
		return fmt.Errorf("%s: retry %d eligible in %s: %w",
			TemporaryBackoffError, m.retryCount, m.eligibleAt.Sub(now).Round(time.Millisecond), m.lastError)
	}

	return nil
}

// IsPermanentlyFailed reports whether the failure has been escalated.
func (m *BackoffManager) IsPermanentlyFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.permanent
}

// GetLastError returns the most recent recorded error.
func (m *BackoffManager) GetLastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastError
}

// RetryCount returns the number of failed attempts since the last reset.
func (m *BackoffManager) RetryCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.retryCount
}

// Reset clears all error state after a successful attempt.
func (m *BackoffManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = nil
	m.retryCount = 0
	m.eligibleAt = time.Time{}
	m.permanent = false
	m.exp.Reset()
}
