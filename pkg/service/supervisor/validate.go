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
	"fmt"
	"strings"

	"golang.org/x/net/context"

	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/service/filesystem"
	"github.com/ckoons/argod/pkg/standarderrors"
)

// scriptMetaChars are shell metacharacters a script path may never
// contain.
const scriptMetaChars = ";|&$`<>(){}[]!"

// ValidateWorkflowID rejects empty, oversized, and path-escaping
// identifiers. The ID doubles as the log file name.
func ValidateWorkflowID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: workflow id is empty", standarderrors.ErrInvalidInput)
	}
	if len(id) > constants.WorkflowIDMaxLength {
		return fmt.Errorf("%w: workflow id exceeds %d characters", standarderrors.ErrInvalidInput, constants.WorkflowIDMaxLength)
	}
	if strings.ContainsAny(id, "/\x00") || strings.Contains(id, "..") {
		return fmt.Errorf("%w: workflow id %q contains path characters", standarderrors.ErrInvalidInput, id)
	}
	return nil
}

// ValidateScript checks the script path before anything is spawned.
// Every rejection happens before side effects, so a failed validation
// leaves no trace.
func ValidateScript(ctx context.Context, fs filesystem.Service, script string) error {
	if script == "" {
		return fmt.Errorf("%w: script path is empty", standarderrors.ErrInvalidInput)
	}
	if strings.Contains(script, "..") {
		return fmt.Errorf("%w: script path contains '..'", standarderrors.ErrInvalidInput)
	}
	if strings.ContainsAny(script, scriptMetaChars) {
		return fmt.Errorf("%w: script path contains shell metacharacters", standarderrors.ErrInvalidInput)
	}
	switch script[0] {
	case '|', '>', '<', '&':
		return fmt.Errorf("%w: script path starts with a redirect character", standarderrors.ErrInvalidInput)
	}

	info, err := fs.Stat(ctx, script)
	if err != nil {
		return fmt.Errorf("%w: script %s not found", standarderrors.ErrInvalidInput, script)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: script %s is not a regular file", standarderrors.ErrInvalidInput, script)
	}
	return nil
}

// ValidateEnv checks caller-supplied environment overrides. Keys are
// restricted to [A-Za-z0-9_] and must not appear in the deny list.
func ValidateEnv(env map[string]string) error {
	for key := range env {
		if key == "" {
			return fmt.Errorf("%w: environment key is empty", standarderrors.ErrInvalidInput)
		}
		for i := 0; i < len(key); i++ {
			c := key[i]
			if c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
				continue
			}
			return fmt.Errorf("%w: environment key %q contains invalid characters", standarderrors.ErrInvalidInput, key)
		}
		for _, blocked := range constants.BlockedEnvVars {
			if key == blocked {
				return fmt.Errorf("%w: environment key %s may not be overridden", standarderrors.ErrInvalidInput, key)
			}
		}
	}
	return nil
}
