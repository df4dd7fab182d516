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

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/cactus/tai64"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"golang.org/x/net/context"

	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/service/filesystem"
)

// archivePattern matches rotated log names: <id>.<tai64n>.log with an
// optional .gz suffix. A TAI64N label stripped of its '@' prefix is 24
// hex characters and sorts lexicographically in time order.
var archivePattern = regexp.MustCompile(`^(.+)\.(4[0-9a-f]{23})\.log(\.gz)?$`)

// LogManager owns the workflow log directory: the per-workflow append
// files the executors write into, retry markers, offset reads for the
// output endpoint, and age/size rotation with pruning.
type LogManager struct {
	logger   *zap.SugaredLogger
	dir      string
	maxAge   time.Duration
	maxSize  int64
	keep     int
	compress bool
}

// LogManagerOption configures a LogManager.
type LogManagerOption func(*LogManager)

// WithRotationThresholds overrides the age and size rotation triggers.
func WithRotationThresholds(maxAge time.Duration, maxSize int64) LogManagerOption {
	return func(lm *LogManager) {
		lm.maxAge = maxAge
		lm.maxSize = maxSize
	}
}

// WithKeepCount overrides how many rotated archives survive pruning.
func WithKeepCount(keep int) LogManagerOption {
	return func(lm *LogManager) {
		lm.keep = keep
	}
}

// WithCompression toggles gzip compression of rotated archives.
func WithCompression(enabled bool) LogManagerOption {
	return func(lm *LogManager) {
		lm.compress = enabled
	}
}

// NewLogManager creates a log manager rooted at dir.
func NewLogManager(dir string, options ...LogManagerOption) *LogManager {
	lm := &LogManager{
		logger:   logger.For(logger.ComponentLogRotation),
		dir:      dir,
		maxAge:   constants.LogMaxAge,
		maxSize:  constants.LogMaxSize,
		keep:     constants.LogRotationKeepCount,
		compress: true,
	}
	for _, option := range options {
		option(lm)
	}
	return lm
}

// Path returns the log file path for a workflow ID.
func (lm *LogManager) Path(workflowID string) string {
	return filepath.Join(lm.dir, workflowID+".log")
}

// AppendRetryMarker writes the retry banner that separates attempts in
// the log. Opened in append mode so the marker interleaves correctly
// with whatever the previous executor flushed last.
func (lm *LogManager) AppendRetryMarker(workflowID string, attempt, maxRetries int) error {
	f, err := os.OpenFile(lm.Path(workflowID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, constants.FilePermissions)
	if err != nil {
		return fmt.Errorf("opening log for retry marker: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "\n=== RETRY ATTEMPT %d/%d ===\n\n", attempt, maxRetries); err != nil {
		return fmt.Errorf("writing retry marker: %w", err)
	}
	return nil
}

// ReadOutput returns log content from the given byte offset plus the
// offset to resume from. A missing log file reads as empty: the workflow
// may not have produced output yet, or rotation may have archived it.
func (lm *LogManager) ReadOutput(ctx context.Context, fs filesystem.Service, workflowID string, offset int64) ([]byte, int64, error) {
	data, newSize, err := fs.ReadFileRange(ctx, lm.Path(workflowID), offset)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, 0, err
	}
	return data, newSize, nil
}

// Rotate scans the log directory once: current logs of inactive
// workflows past the age or size threshold are renamed to
// <id>.<tai64n>.log (gzipped when compression is on), and archives
// beyond the keep count are pruned oldest-first.
//
// Logs of active workflows are never touched; the executor holds an
// open descriptor and would keep appending to a renamed archive.
func (lm *LogManager) Rotate(ctx context.Context, fs filesystem.Service, active map[string]struct{}) error {
	entries, err := fs.ReadDir(ctx, lm.dir)
	if err != nil {
		return fmt.Errorf("reading log directory: %w", err)
	}

	archives := make(map[string][]string)
	now := time.Now()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		if m := archivePattern.FindStringSubmatch(name); m != nil {
			archives[m[1]] = append(archives[m[1]], name)
			continue
		}
		if !strings.HasSuffix(name, ".log") {
			continue
		}

		workflowID := strings.TrimSuffix(name, ".log")
		if _, ok := active[workflowID]; ok {
			continue
		}

		if rotated, err := lm.rotateIfNeeded(ctx, fs, workflowID, now); err != nil {
			lm.logger.Errorf("Rotating log for %s: %v", workflowID, err)
		} else if rotated != "" {
			archives[workflowID] = append(archives[workflowID], rotated)
		}
	}

	for workflowID, names := range archives {
		lm.prune(ctx, fs, workflowID, names)
	}
	return nil
}

// rotateIfNeeded renames one current log to its archive name when a
// threshold is exceeded. Returns the archive base name, or "" when the
// log was left in place.
func (lm *LogManager) rotateIfNeeded(ctx context.Context, fs filesystem.Service, workflowID string, now time.Time) (string, error) {
	current := lm.Path(workflowID)

	stat, err := fs.Stat(ctx, current)
	if err != nil {
		// Gone between ReadDir and Stat; nothing to rotate.
		return "", nil
	}

	if stat.Size() <= lm.maxSize && now.Sub(stat.ModTime()) <= lm.maxAge {
		return "", nil
	}

	label := strings.TrimPrefix(tai64.FormatNano(now), "@")
	archiveName := workflowID + "." + label + ".log"
	archivePath := filepath.Join(lm.dir, archiveName)

	if err := fs.Rename(ctx, current, archivePath); err != nil {
		return "", fmt.Errorf("renaming %s to %s: %w", current, archivePath, err)
	}

	if lm.compress {
		if err := gzipFile(archivePath); err != nil {
			// The uncompressed archive still exists and is still pruned
			// by name, so rotation itself has not failed.
			lm.logger.Warnf("Compressing %s: %v", archivePath, err)
		} else {
			if err := fs.Remove(ctx, archivePath); err != nil {
				lm.logger.Warnf("Removing %s after compression: %v", archivePath, err)
			}
			archiveName += ".gz"
		}
	}

	lm.logger.Infof("Rotated log %s to %s (size %d)", current, archiveName, stat.Size())
	return archiveName, nil
}

// prune deletes the oldest archives of one workflow beyond the keep
// count. TAI64N labels sort lexicographically, so a plain sort orders
// archives by rotation time.
func (lm *LogManager) prune(ctx context.Context, fs filesystem.Service, workflowID string, names []string) {
	if len(names) <= lm.keep {
		return
	}
	slices.Sort(names)

	for _, name := range names[:len(names)-lm.keep] {
		path := filepath.Join(lm.dir, name)
		if err := fs.Remove(ctx, path); err != nil {
			lm.logger.Warnf("Pruning archive %s: %v", path, err)
			continue
		}
		lm.logger.Debugf("Pruned archive %s for %s", name, workflowID)
	}
}

// gzipFile compresses src into src.gz, leaving src in place for the
// caller to remove.
func gzipFile(src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(src+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, constants.FilePermissions)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		_ = out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
