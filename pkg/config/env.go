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
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/env"
)

// ResolveBaseDir returns the daemon state directory: ARGO_ROOT when set,
// otherwise .argo under the user's home directory. The directory itself
// is created later by the config manager and the registry.
func ResolveBaseDir() (string, error) {
	root, err := env.GetAsString("ARGO_ROOT", false, "")
	if err != nil {
		return "", err
	}

	if root != "" {
		return root, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}

	return filepath.Join(home, constants.DefaultBaseDirName), nil
}

// LoadConfigWithEnvOverrides loads the config through the given manager
// with ARGO_DAEMON_PORT and LOGGING_LEVEL applied on top of the file,
// creating the file with defaults when it does not exist. The merged
// config is persisted, so an override set once survives into later
// starts without the variable.
func LoadConfigWithEnvOverrides(ctx context.Context, manager *FileConfigManagerWithBackoff, log *zap.SugaredLogger) (FullConfig, error) {
	var override FullConfig

	port, err := env.GetAsInt("ARGO_DAEMON_PORT", false, 0)
	switch {
	case err != nil:
		log.Warnf("ignoring ARGO_DAEMON_PORT: %v", err)
	case port > 0:
		override.Server.Port = port
	}

	level, err := env.GetAsString("LOGGING_LEVEL", false, "")
	if err != nil {
		log.Warnf("ignoring LOGGING_LEVEL: %v", err)
	} else if level != "" {
		override.LogLevel = level
	}

	return manager.GetConfigWithOverwritesOrCreateNew(ctx, override)
}
