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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
)

// DefaultService is the default implementation of the filesystem Service.
// Every operation runs in its own goroutine so a hanging disk never blocks
// the caller past its context deadline.
type DefaultService struct{}

// NewDefaultService creates a new DefaultService.
func NewDefaultService() *DefaultService {
	return &DefaultService{}
}

// recordOp records filesystem operation metrics and flags slow operations.
func (s *DefaultService) recordOp(op string, path string, start time.Time) {
	duration := time.Since(start)
	metrics.RecordFilesystemOp(op, path, false, duration)

	if duration > constants.FilesystemSlowReadThreshold {
		logger.For(logger.ComponentFilesystem).Debugf("Slow filesystem operation %s on %s took %s", op, path, duration)
	}
}

// checkContext checks if the context is done before proceeding with an operation.
func (s *DefaultService) checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// EnsureDirectory creates a directory if it doesn't exist.
func (s *DefaultService) EnsureDirectory(ctx context.Context, path string) error {
	start := time.Now()
	defer s.recordOp("EnsureDirectory", path, start)

	if err := s.checkContext(ctx); err != nil {
		return fmt.Errorf("failed to check context: %w", err)
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- os.MkdirAll(path, constants.DirPermissions)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadFile reads a file's contents respecting the context.
func (s *DefaultService) ReadFile(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	defer s.recordOp("ReadFile", path, start)

	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	type result struct {
		err  error
		data []byte
	}

	resCh := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(path)
		resCh <- result{err: err, data: data}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}

		return res.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadFileRange reads the file starting at byte offset "from" and returns:
//   - chunk   – the data that was read (nil if nothing new)
//   - newSize – the file size **after** the read (use it as next offset)
//
// The read is bounded by the size observed at open, so a file that keeps
// growing during the read still terminates.
func (s *DefaultService) ReadFileRange(ctx context.Context, path string, from int64) ([]byte, int64, error) {
	start := time.Now()
	defer s.recordOp("ReadFileRange", path, start)

	if err := s.checkContext(ctx); err != nil {
		return nil, 0, err
	}

	type result struct {
		err     error
		data    []byte
		newSize int64
	}

	resCh := make(chan result, 1)

	go func() {
		f, err := os.Open(path)
		if err != nil {
			resCh <- result{err: err}

			return
		}
		defer f.Close()

		// stat *after* open so we have a consistent view
		fi, err := f.Stat()
		if err != nil {
			resCh <- result{err: err}

			return
		}

		size := fi.Size()

		if from < 0 {
			from = 0
		}

		// nothing new?
		if from >= size {
			resCh <- result{newSize: size}

			return
		}

		if _, err = f.Seek(from, io.SeekStart); err != nil {
			resCh <- result{err: err}

			return
		}

		data := make([]byte, size-from)
		if _, err = io.ReadFull(f, data); err != nil {
			resCh <- result{err: err}

			return
		}

		resCh <- result{data: data, newSize: size}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, 0, res.err
		}

		return res.data, res.newSize, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// WriteFile writes data to a file respecting the context.
func (s *DefaultService) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	start := time.Now()
	defer s.recordOp("WriteFile", path, start)

	if err := s.checkContext(ctx); err != nil {
		return fmt.Errorf("failed to check context: %w", err)
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- os.WriteFile(path, data, perm)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to write file %s: %w", path, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PathExists checks if a file or directory exists at the given path.
func (s *DefaultService) PathExists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	defer s.recordOp("PathExists", path, start)

	if err := s.checkContext(ctx); err != nil {
		return false, fmt.Errorf("failed to check context: %w", err)
	}

	type result struct {
		err    error
		exists bool
	}

	resCh := make(chan result, 1)

	go func() {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			resCh <- result{exists: true}
		case os.IsNotExist(err):
			resCh <- result{exists: false}
		default:
			resCh <- result{err: err}
		}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return false, fmt.Errorf("failed to check path %s: %w", path, res.err)
		}

		return res.exists, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Remove removes a file.
func (s *DefaultService) Remove(ctx context.Context, path string) error {
	start := time.Now()
	defer s.recordOp("Remove", path, start)

	if err := s.checkContext(ctx); err != nil {
		return fmt.Errorf("failed to check context: %w", err)
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- os.Remove(path)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stat returns file info.
func (s *DefaultService) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	start := time.Now()
	defer s.recordOp("Stat", path, start)

	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	type result struct {
		err  error
		info os.FileInfo
	}

	resCh := make(chan result, 1)

	go func() {
		info, err := os.Stat(path)
		resCh <- result{err: err, info: info}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}

		return res.info, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadDir reads a directory, returning all its directory entries.
func (s *DefaultService) ReadDir(ctx context.Context, path string) ([]os.DirEntry, error) {
	start := time.Now()
	defer s.recordOp("ReadDir", path, start)

	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	type result struct {
		err     error
		entries []os.DirEntry
	}

	resCh := make(chan result, 1)

	go func() {
		entries, err := os.ReadDir(path)
		resCh <- result{err: err, entries: entries}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", path, res.err)
		}

		return res.entries, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Glob is a wrapper around filepath.Glob that respects the context.
func (s *DefaultService) Glob(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()
	defer s.recordOp("Glob", pattern, start)

	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	type result struct {
		err     error
		matches []string
	}

	resCh := make(chan result, 1)

	go func() {
		matches, err := filepath.Glob(pattern)
		resCh <- result{err: err, matches: matches}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to glob %s: %w", pattern, res.err)
		}

		return res.matches, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Rename renames (moves) a file or directory from oldPath to newPath.
func (s *DefaultService) Rename(ctx context.Context, oldPath, newPath string) error {
	start := time.Now()
	defer s.recordOp("Rename", oldPath, start)

	if err := s.checkContext(ctx); err != nil {
		return fmt.Errorf("failed to check context: %w", err)
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- os.Rename(oldPath, newPath)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to rename %s to %s: %w", oldPath, newPath, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
