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

package filesystem

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"sync"
	"time"
)

// MockFileSystem is a mock implementation of the filesystem.Service interface
type MockFileSystem struct {
	FailureRate         float64 // 0.0 to 1.0
	DelayRange          time.Duration
	FailedOperations    map[string]bool
	EnsureDirectoryFunc func(ctx context.Context, path string) error
	ReadFileFunc        func(ctx context.Context, path string) ([]byte, error)
	ReadFileRangeFunc   func(ctx context.Context, path string, from int64) ([]byte, int64, error)
	WriteFileFunc       func(ctx context.Context, path string, data []byte, perm os.FileMode) error
	PathExistsFunc      func(ctx context.Context, path string) (bool, error)
	RemoveFunc          func(ctx context.Context, path string) error
	StatFunc            func(ctx context.Context, path string) (os.FileInfo, error)
	ReadDirFunc         func(ctx context.Context, path string) ([]os.DirEntry, error)
	GlobFunc            func(ctx context.Context, pattern string) ([]string, error)
	RenameFunc          func(ctx context.Context, oldPath, newPath string) error
	mutex               sync.Mutex
}

// NewMockFileSystem creates a new MockFileSystem instance
func NewMockFileSystem() *MockFileSystem {
	return &MockFileSystem{
		FailureRate:      0.0,
		DelayRange:       0,
		FailedOperations: make(map[string]bool),
	}
}

// WithFailureRate sets the failure rate for the mock
func (m *MockFileSystem) WithFailureRate(rate float64) *MockFileSystem {
	m.FailureRate = rate
	return m
}

// WithDelayRange sets the delay range for the mock
func (m *MockFileSystem) WithDelayRange(delay time.Duration) *MockFileSystem {
	m.DelayRange = delay
	return m
}

// WithReadFileFunc sets the ReadFile override
func (m *MockFileSystem) WithReadFileFunc(fn func(ctx context.Context, path string) ([]byte, error)) *MockFileSystem {
	m.ReadFileFunc = fn
	return m
}

// WithWriteFileFunc sets the WriteFile override
func (m *MockFileSystem) WithWriteFileFunc(fn func(ctx context.Context, path string, data []byte, perm os.FileMode) error) *MockFileSystem {
	m.WriteFileFunc = fn
	return m
}

// WithPathExistsFunc sets the PathExists override
func (m *MockFileSystem) WithPathExistsFunc(fn func(ctx context.Context, path string) (bool, error)) *MockFileSystem {
	m.PathExistsFunc = fn
	return m
}

// WithStatFunc sets the Stat override
func (m *MockFileSystem) WithStatFunc(fn func(ctx context.Context, path string) (os.FileInfo, error)) *MockFileSystem {
	m.StatFunc = fn
	return m
}

// simulateRandomBehavior decides whether an operation should fail and how long it should delay
func (m *MockFileSystem) simulateRandomBehavior(operation string) (bool, time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.FailedOperations == nil {
		m.FailedOperations = make(map[string]bool)
	}

	// Check if this operation should fail
	shouldFail := rand.Float64() < m.FailureRate
	if shouldFail {
		m.FailedOperations[operation] = true
	}

	// Apply random delay (0 to DelayRange)
	delay := time.Duration(0)
	if m.DelayRange > 0 {
		delay = time.Duration(rand.Int63n(int64(m.DelayRange)))
	}

	return shouldFail, delay
}

// wait applies the simulated delay, honoring context cancellation.
func (m *MockFileSystem) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnsureDirectory creates a directory if it doesn't exist
func (m *MockFileSystem) EnsureDirectory(ctx context.Context, path string) error {
	if m.EnsureDirectoryFunc != nil {
		return m.EnsureDirectoryFunc(ctx, path)
	}

	shouldFail, delay := m.simulateRandomBehavior("EnsureDirectory:" + path)
	if err := m.wait(ctx, delay); err != nil {
		return err
	}

	if shouldFail {
		return errors.New("simulated failure in EnsureDirectory")
	}
	return nil
}

// ReadFile reads a file's contents respecting the context
func (m *MockFileSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(ctx, path)
	}

	shouldFail, delay := m.simulateRandomBehavior("ReadFile:" + path)
	if err := m.wait(ctx, delay); err != nil {
		return nil, err
	}

	if shouldFail {
		return nil, errors.New("simulated failure in ReadFile")
	}
	return []byte{}, nil
}

// ReadFileRange reads the file starting at byte offset "from"
func (m *MockFileSystem) ReadFileRange(ctx context.Context, path string, from int64) ([]byte, int64, error) {
	if m.ReadFileRangeFunc != nil {
		return m.ReadFileRangeFunc(ctx, path, from)
	}

	shouldFail, delay := m.simulateRandomBehavior("ReadFileRange:" + path)
	if err := m.wait(ctx, delay); err != nil {
		return nil, 0, err
	}

	if shouldFail {
		return nil, 0, errors.New("simulated failure in ReadFileRange")
	}
	return nil, from, nil
}

// WriteFile writes data to a file respecting the context
func (m *MockFileSystem) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if m.WriteFileFunc != nil {
		return m.WriteFileFunc(ctx, path, data, perm)
	}

	shouldFail, delay := m.simulateRandomBehavior("WriteFile:" + path)
	if err := m.wait(ctx, delay); err != nil {
		return err
	}

	if shouldFail {
		return errors.New("simulated failure in WriteFile")
	}
	return nil
}

// PathExists checks if a file or directory exists at the given path
func (m *MockFileSystem) PathExists(ctx context.Context, path string) (bool, error) {
	if m.PathExistsFunc != nil {
		return m.PathExistsFunc(ctx, path)
	}

	shouldFail, delay := m.simulateRandomBehavior("PathExists:" + path)
	if err := m.wait(ctx, delay); err != nil {
		return false, err
	}

	if shouldFail {
		return false, errors.New("simulated failure in PathExists")
	}
	return true, nil
}

// Remove removes a file
func (m *MockFileSystem) Remove(ctx context.Context, path string) error {
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, path)
	}

	shouldFail, delay := m.simulateRandomBehavior("Remove:" + path)
	if err := m.wait(ctx, delay); err != nil {
		return err
	}

	if shouldFail {
		return errors.New("simulated failure in Remove")
	}
	return nil
}

// Stat returns file info
func (m *MockFileSystem) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	if m.StatFunc != nil {
		return m.StatFunc(ctx, path)
	}

	shouldFail, delay := m.simulateRandomBehavior("Stat:" + path)
	if err := m.wait(ctx, delay); err != nil {
		return nil, err
	}

	if shouldFail {
		return nil, errors.New("simulated failure in Stat")
	}
	return nil, os.ErrNotExist
}

// ReadDir reads a directory, returning all its directory entries
func (m *MockFileSystem) ReadDir(ctx context.Context, path string) ([]os.DirEntry, error) {
	if m.ReadDirFunc != nil {
		return m.ReadDirFunc(ctx, path)
	}

	shouldFail, delay := m.simulateRandomBehavior("ReadDir:" + path)
	if err := m.wait(ctx, delay); err != nil {
		return nil, err
	}

	if shouldFail {
		return nil, errors.New("simulated failure in ReadDir")
	}
	return []os.DirEntry{}, nil
}

// Glob is a wrapper around filepath.Glob that respects the context
func (m *MockFileSystem) Glob(ctx context.Context, pattern string) ([]string, error) {
	if m.GlobFunc != nil {
		return m.GlobFunc(ctx, pattern)
	}

	shouldFail, delay := m.simulateRandomBehavior("Glob:" + pattern)
	if err := m.wait(ctx, delay); err != nil {
		return nil, err
	}

	if shouldFail {
		return nil, errors.New("simulated failure in Glob")
	}
	return []string{}, nil
}

// Rename renames (moves) a file or directory from oldPath to newPath
func (m *MockFileSystem) Rename(ctx context.Context, oldPath, newPath string) error {
	if m.RenameFunc != nil {
		return m.RenameFunc(ctx, oldPath, newPath)
	}

	shouldFail, delay := m.simulateRandomBehavior("Rename:" + oldPath)
	if err := m.wait(ctx, delay); err != nil {
		return err
	}

	if shouldFail {
		return errors.New("simulated failure in Rename")
	}
	return nil
}
