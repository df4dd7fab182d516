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

// Package ctxrwmutex provides a read-write lock whose acquire operations
// honor context cancellation.
package ctxrwmutex

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/ckoons/argod/pkg/constants"
)

// CtxRWMutex is a reader-writer lock built on a weighted semaphore.
// A reader acquires weight one, a writer acquires the full weight, so up
// to constants.MaxConfigReaders readers proceed in parallel while a
// writer excludes everyone.
type CtxRWMutex struct {
	sem *semaphore.Weighted
}

// NewCtxRWMutex returns an unlocked read-write mutex.
func NewCtxRWMutex() *CtxRWMutex {
	return &CtxRWMutex{
		sem: semaphore.NewWeighted(constants.MaxConfigReaders),
	}
}

// RLock acquires a read slot, or returns the context's error if it is
// cancelled while waiting.
func (m *CtxRWMutex) RLock(ctx context.Context) error {
	return m.sem.Acquire(ctx, 1)
}

// RUnlock releases a read slot. It must only be called after a
// successful RLock.
func (m *CtxRWMutex) RUnlock() {
	m.sem.Release(1)
}

// Lock acquires the write lock, waiting for all readers to drain. It
// returns the context's error if cancelled while waiting.
func (m *CtxRWMutex) Lock(ctx context.Context) error {
	return m.sem.Acquire(ctx, constants.MaxConfigReaders)
}

// Unlock releases the write lock. It must only be called after a
// successful Lock.
func (m *CtxRWMutex) Unlock() {
	m.sem.Release(constants.MaxConfigReaders)
}
