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

package workflow

import (
	"context"

	"github.com/ckoons/argod/pkg/service/filesystem"
	"github.com/ckoons/argod/pkg/service/supervisor"
)

// RotationTask runs log rotation with the current set of active workflow
// IDs, so logs with a live writer are never renamed out from under their
// executor.
type RotationTask struct {
	registry *Registry
	logs     *supervisor.LogManager
	fs       filesystem.Service
}

// NewRotationTask wires log rotation over the given registry.
func NewRotationTask(registry *Registry, logs *supervisor.LogManager, fs filesystem.Service) *RotationTask {
	return &RotationTask{
		registry: registry,
		logs:     logs,
		fs:       fs,
	}
}

// Name implements control.Task.
func (t *RotationTask) Name() string {
	return "log_rotation"
}

// Run executes one rotation scan.
func (t *RotationTask) Run(ctx context.Context) error {
	return t.logs.Rotate(ctx, t.fs, t.registry.ActiveIDs())
}
