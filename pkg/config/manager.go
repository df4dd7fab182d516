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

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ckoons/argod/pkg/backoff"
	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/ctxutil/ctxmutex"
	"github.com/ckoons/argod/pkg/ctxutil/ctxrwmutex"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
	"github.com/ckoons/argod/pkg/sentry"
	filesystem "github.com/ckoons/argod/pkg/service/filesystem"
)

// singleton instance
// more than one manager on the same file would race on the read cache and
// on writes, so a second construction is rejected outright
var (
	instance ConfigManager
	once     sync.Once
)

// ConfigManager is the interface for config management.
type ConfigManager interface {
	// GetConfig returns the current config
	GetConfig(ctx context.Context) (FullConfig, error)
}

// FileConfigManager implements the ConfigManager interface by reading from a file.
type FileConfigManager struct {
	// baseDir is the daemon state directory that holds the config file
	baseDir string

	// configPath is the path to the config file
	configPath string

	// fsService handles filesystem operations
	fsService filesystem.Service

	// logger is the logger for the config manager
	logger *zap.SugaredLogger

	// mutexAtomicUpdate serializes full read-modify-write cycles against
	// the config file, so two concurrent updates cannot interleave.
	// writeConfig is not exposed for the same reason.
	// we use our own implementation of a context aware mutex here to avoid deadlocks
	mutexAtomicUpdate ctxmutex.CtxMutex

	// mutexReadOrWrite guards individual reads and writes of the config
	// file. Multiple GetConfig calls may read in parallel, a write
	// excludes everyone.
	// we use our own implementation of a context aware mutex here to avoid deadlocks
	mutexReadOrWrite ctxrwmutex.CtxRWMutex

	// cacheMu guards the change-detection state below. GetConfig holds
	// only a read lock, so parallel readers need their own mutex for
	// cache updates.
	cacheMu     sync.Mutex
	lastModTime time.Time
	lastHash    uint64
	lastGood    FullConfig
	haveGood    bool
}

// NewFileConfigManager creates a new FileConfigManager reading from
// baseDir/config.yaml.
// Note: This should only be used in tests or if you need a custom config manager.
// Prefer NewFileConfigManagerWithBackoff() for application use.
func NewFileConfigManager(baseDir string) *FileConfigManager {
	return &FileConfigManager{
		baseDir:           baseDir,
		configPath:        filepath.Join(baseDir, constants.ConfigFileName),
		fsService:         filesystem.NewDefaultService(),
		logger:            logger.For(logger.ComponentConfigManager),
		mutexAtomicUpdate: *ctxmutex.NewCtxMutex(),
		mutexReadOrWrite:  *ctxrwmutex.NewCtxRWMutex(),
	}
}

// WithFileSystemService allows setting a custom filesystem service
// useful for testing or advanced use cases.
func (m *FileConfigManager) WithFileSystemService(fsService filesystem.Service) *FileConfigManager {
	m.fsService = fsService
	return m
}

// GetConfigWithOverwritesOrCreateNew returns the on-disk config with the
// given overrides applied, creating the file with defaults first when it
// does not exist yet. The merged result is persisted, so environment
// overrides survive into the file the operator later edits.
func (m *FileConfigManager) GetConfigWithOverwritesOrCreateNew(ctx context.Context, configOverride FullConfig) (FullConfig, error) {
	if err := m.mutexAtomicUpdate.Lock(ctx); err != nil {
		return FullConfig{}, fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexAtomicUpdate.Unlock()

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	config := DefaultConfig()

	exists, err := m.fsService.PathExists(ctx, m.configPath)
	switch {
	case err != nil:
		m.logger.Warnf("failed to check if config file exists in %s: %v", m.configPath, err)
	case exists:
		config, err = m.GetConfig(ctx)
		if err != nil {
			return FullConfig{}, fmt.Errorf("failed to get config that exists: %w", err)
		}
	}

	// Apply overrides
	if configOverride.LogLevel != "" {
		config.LogLevel = configOverride.LogLevel
	}

	if configOverride.Server.Port > 0 {
		config.Server.Port = configOverride.Server.Port
	}

	if configOverride.Server.MetricsPort > 0 {
		config.Server.MetricsPort = configOverride.Server.MetricsPort
	}

	// Overrides can recombine into an invalid pair, e.g. the env port
	// colliding with the file's metrics port.
	if err := validate(config); err != nil {
		return FullConfig{}, fmt.Errorf("invalid config after applying overrides: %w", err)
	}

	config.BaseDir = m.baseDir

	// Persist the updated config
	if err := m.writeConfig(ctx, config); err != nil {
		return FullConfig{}, fmt.Errorf("failed to write new config: %w", err)
	}

	return config, nil
}

// GetConfig returns the current config. The file is re-read only when
// its modification time or content hash changed since the last
// successful load, and a corrupt file after a successful load degrades
// to the last known good config instead of failing.
func (m *FileConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	// we use a read lock here, because we only read the config file
	if err := m.mutexReadOrWrite.RLock(ctx); err != nil {
		return FullConfig{}, fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexReadOrWrite.RUnlock()

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	// Create the directory if it doesn't exist
	if err := m.fsService.EnsureDirectory(ctx, m.baseDir); err != nil {
		return FullConfig{}, fmt.Errorf("failed to create config directory: %w", err)
	}

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	info, err := m.fsService.Stat(ctx, m.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Creating the file is GetConfigWithOverwritesOrCreateNew's job
			return FullConfig{}, fmt.Errorf("config file does not exist: %s", m.configPath)
		}

		return FullConfig{}, fmt.Errorf("failed to stat config file: %w", err)
	}

	if cached, ok := m.cachedForModTime(info.ModTime()); ok {
		return cached, nil
	}

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	// Read the file
	data, err := m.fsService.ReadFile(ctx, m.configPath)
	if err != nil {
		return FullConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	hash := xxhash.Sum64(data)
	if cached, ok := m.cachedForHash(hash, info.ModTime()); ok {
		return cached, nil
	}

	// Parse the YAML
	var config FullConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return m.degradeOrFail(fmt.Errorf("failed to parse config file: %w", err))
	}

	// An empty config means a half-written or truncated file, not an
	// operator choice. Treat it like a parse failure.
	if reflect.DeepEqual(config, FullConfig{}) {
		return m.degradeOrFail(fmt.Errorf("config file is empty: %s", m.configPath))
	}

	applyDefaults(&config)

	if err := validate(config); err != nil {
		return m.degradeOrFail(fmt.Errorf("invalid config: %w", err))
	}

	// The file's baseDir is informational only. The directory the daemon
	// actually resolved always wins.
	config.BaseDir = m.baseDir

	m.cacheMu.Lock()
	m.lastModTime = info.ModTime()
	m.lastHash = hash
	m.lastGood = config
	m.haveGood = true
	m.cacheMu.Unlock()

	return config, nil
}

// cachedForModTime returns the last known good config when the file's
// modification time is unchanged since it was loaded.
func (m *FileConfigManager) cachedForModTime(modTime time.Time) (FullConfig, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	if m.haveGood && modTime.Equal(m.lastModTime) {
		return m.lastGood, true
	}

	return FullConfig{}, false
}

// cachedForHash returns the last known good config when the file content
// is byte-identical despite a newer modification time, e.g. after touch
// or a rewrite with the same content. The cached modification time is
// advanced so the next call skips on it again.
func (m *FileConfigManager) cachedForHash(hash uint64, modTime time.Time) (FullConfig, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	if m.haveGood && hash == m.lastHash {
		m.lastModTime = modTime
		return m.lastGood, true
	}

	return FullConfig{}, false
}

// degradeOrFail serves the last known good config with a warning when
// one exists, and surfaces the error otherwise. A daemon that loaded a
// valid config once keeps running on it even if the file is later
// corrupted in place.
func (m *FileConfigManager) degradeOrFail(cause error) (FullConfig, error) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()

	if m.haveGood {
		m.logger.Warnf("%v, keeping last known good config", cause)
		return m.lastGood, nil
	}

	return FullConfig{}, cause
}

// writeConfig writes the config to the file via a temp file and rename,
// so a crash mid-write never leaves a truncated config behind.
// it should not be exposed or used outside of the config manager, due to potential race conditions
func (m *FileConfigManager) writeConfig(ctx context.Context, config FullConfig) error {
	// we use a write lock here, because we write the config file
	if err := m.mutexReadOrWrite.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock config file: %w", err)
	}
	defer m.mutexReadOrWrite.Unlock()

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// Create the directory if it doesn't exist
	if err := m.fsService.EnsureDirectory(ctx, m.baseDir); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal the config to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := m.configPath + ".tmp"
	if err := m.fsService.WriteFile(ctx, tmpPath, data, constants.FilePermissions); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := m.fsService.Rename(ctx, tmpPath, m.configPath); err != nil {
		return fmt.Errorf("failed to rename config file into place: %w", err)
	}

	m.logger.Infof("Successfully wrote config to %s", m.configPath)
	return nil
}

// FileConfigManagerWithBackoff wraps a FileConfigManager and implements backoff for GetConfig errors.
type FileConfigManagerWithBackoff struct {
	// The wrapped file config manager
	configManager *FileConfigManager

	// Backoff manager
	backoffManager *backoff.BackoffManager

	// Logger
	logger *zap.SugaredLogger
}

// NewFileConfigManagerWithBackoff creates the process-wide config
// manager with exponential backoff between failed reads.
func NewFileConfigManagerWithBackoff(baseDir string) (*FileConfigManagerWithBackoff, error) {
	if instance != nil {
		return nil, errors.New("config manager already initialized, only one instance is allowed")
	}

	once.Do(func() {
		log := logger.For(logger.ComponentConfigManager)
		backoffManager := backoff.NewBackoffManager(backoff.DefaultConfig("ConfigManager", log))

		instance = &FileConfigManagerWithBackoff{
			configManager:  NewFileConfigManager(baseDir),
			backoffManager: backoffManager,
			logger:         log,
		}
	})

	return instance.(*FileConfigManagerWithBackoff), nil
}

// GetConfigWithOverwritesOrCreateNew wraps the FileConfigManager's GetConfigWithOverwritesOrCreateNew method
// it is used in main.go to get the config with overwrites or create a new one on startup.
func (m *FileConfigManagerWithBackoff) GetConfigWithOverwritesOrCreateNew(ctx context.Context, config FullConfig) (FullConfig, error) {
	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	return m.configManager.GetConfigWithOverwritesOrCreateNew(ctx, config)
}

// WithFileSystemService allows setting a custom filesystem service on the wrapped FileConfigManager
// useful for testing or advanced use cases.
func (m *FileConfigManagerWithBackoff) WithFileSystemService(fsService filesystem.Service) *FileConfigManagerWithBackoff {
	m.configManager.WithFileSystemService(fsService)
	return m
}

// GetConfig returns the current config with backoff logic for failures
// This is a wrapper around the FileConfigManager's GetConfig method
// It adds backoff logic to handle temporary and permanent failures
// It will return either a temporary backoff error or a permanent failure error.
func (m *FileConfigManagerWithBackoff) GetConfig(ctx context.Context) (FullConfig, error) {
	start := time.Now()
	defer func() {
		metrics.ObserveTaskTime(logger.ComponentConfigManager, "get_config", time.Since(start))
	}()

	// Check if context is already cancelled
	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	// Check if we should skip operation due to backoff
	now := time.Now()
	if m.backoffManager.ShouldSkipOperation(now) {
		// Get appropriate backoff error (temporary or permanent)
		backoffErr := m.backoffManager.GetBackoffError(now)

		// Log additional information for permanent failures
		if m.backoffManager.IsPermanentlyFailed() {
			sentry.ReportIssuef(sentry.IssueTypeError, m.logger, "Config manager is permanently failed. Last error: %v", m.backoffManager.GetLastError())
		}

		return FullConfig{}, backoffErr
	}

	// Try to fetch the config
	getConfigCtx, cancel := context.WithTimeout(ctx, constants.ConfigGetConfigTimeout)
	defer cancel()

	config, err := m.configManager.GetConfig(getConfigCtx)
	if err != nil {
		m.backoffManager.SetError(err, time.Now())
		return FullConfig{}, err
	}

	// Reset backoff state on successful operation
	m.backoffManager.Reset()
	return config, nil
}

// Reset forcefully resets the config manager's state, including permanent failure status
// This should be called when the parent component has taken action to address the failure.
func (m *FileConfigManagerWithBackoff) Reset() {
	m.backoffManager.Reset()
}

// IsPermanentFailure returns true if the config manager has permanently failed
// This can be used by consumers to distinguish between temporary and permanent failures.
func (m *FileConfigManagerWithBackoff) IsPermanentFailure() bool {
	return m.backoffManager.IsPermanentlyFailed()
}

// GetLastError returns the last error that occurred when fetching the config.
func (m *FileConfigManagerWithBackoff) GetLastError() error {
	return m.backoffManager.GetLastError()
}
