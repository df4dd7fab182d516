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

// Package supervisor spawns and signals workflow executor processes.
//
// Spawned children are never waited on here. Exit collection belongs
// exclusively to the reaper; the supervisor releases the process handle
// right after recording the PID so that no hidden wait can race the
// reaper's wait4 loop.
package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"

	"github.com/ckoons/argod/pkg/constants"
	"github.com/ckoons/argod/pkg/ctxutil"
	"github.com/ckoons/argod/pkg/logger"
	"github.com/ckoons/argod/pkg/metrics"
	"github.com/ckoons/argod/pkg/standarderrors"
)

// ErrSetup marks spawn failures that happen before the child process is
// created (log file, stdin pipe). No process exists when Spawn returns an
// error wrapping it; callers distinguish these from a failed start.
var ErrSetup = errors.New("spawn setup failed")

// SpawnSpec describes one executor process to launch.
type SpawnSpec struct {
	// Script is the validated script path handed to /bin/bash.
	Script string
	// Args are passed to the script verbatim.
	Args []string
	// Env holds validated overrides merged on top of the daemon
	// environment.
	Env map[string]string
	// LogPath receives the child's stdout and stderr in append mode.
	LogPath string
}

// Handle is what the caller keeps after a successful spawn. The process
// handle itself is released; only the raw PID and the stdin write end
// survive.
type Handle struct {
	Stdin io.WriteCloser
	PID   int
}

// Service is the process-mechanics boundary used by the workflow layer.
type Service interface {
	// Spawn launches /bin/bash with the spec's script in its own process
	// group. A returned error means no child exists; success means the
	// child is running (or already exited and is waiting to be reaped).
	Spawn(ctx context.Context, spec SpawnSpec) (Handle, error)

	// Signal delivers sig to pid.
	Signal(pid int, sig unix.Signal) error

	// Alive reports whether pid still names a process we may signal.
	// Zombies count as alive until the reaper collects them.
	Alive(pid int) bool

	// Terminate sends SIGTERM, waits the abandon grace period, and
	// escalates to SIGKILL if the process is still alive.
	Terminate(ctx context.Context, pid int) error
}

// DefaultService is the production implementation of Service.
type DefaultService struct {
	logger *zap.SugaredLogger
}

// NewDefaultService creates a supervisor service.
func NewDefaultService() *DefaultService {
	return &DefaultService{
		logger: logger.For(logger.ComponentSupervisor),
	}
}

func (s *DefaultService) Spawn(ctx context.Context, spec SpawnSpec) (Handle, error) {
	if ctx.Err() != nil {
		return Handle{}, ctx.Err()
	}

	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, constants.FilePermissions)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %w: opening log file %s: %v", standarderrors.ErrProcess, ErrSetup, spec.LogPath, err)
	}

	cmd := exec.Command("/bin/bash", append([]string{spec.Script}, spec.Args...)...)
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// The child gets its own process group so that signals aimed at the
	// executor never hit the daemon.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		_ = logFile.Close()
		return Handle{}, fmt.Errorf("%w: %w: creating stdin pipe: %v", standarderrors.ErrProcess, ErrSetup, err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = logFile.Close()
		return Handle{}, fmt.Errorf("%w: starting %s: %v", standarderrors.ErrProcess, spec.Script, err)
	}

	pid := cmd.Process.Pid

	// The child owns its copies of the log descriptor now.
	_ = logFile.Close()

	// Release drops our handle without waiting; the reaper owns the
	// wait. After this point the PID is the only reference we keep.
	if err := cmd.Process.Release(); err != nil {
		s.logger.Warnf("Releasing process handle for pid %d: %v", pid, err)
	}

	metrics.IncProcessesSpawned()
	s.logger.Infof("Spawned executor pid %d for %s", pid, spec.Script)

	return Handle{PID: pid, Stdin: stdin}, nil
}

func (s *DefaultService) Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("%w: refusing to signal pid %d", standarderrors.ErrInvalidInput, pid)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("%w: sending %s to pid %d: %v", standarderrors.ErrProcess, unix.SignalName(sig), pid, err)
	}
	metrics.IncSignalsSent(unix.SignalName(sig))
	return nil
}

func (s *DefaultService) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM still proves the PID exists.
	return err == nil || err == unix.EPERM
}

func (s *DefaultService) Terminate(ctx context.Context, pid int) error {
	if err := s.Signal(pid, unix.SIGTERM); err != nil {
		// Already gone is the outcome we wanted.
		if !s.Alive(pid) {
			return nil
		}
		return err
	}

	if err := ctxutil.Sleep(ctx, constants.AbandonGracePeriod); err != nil {
		return err
	}

	if s.Alive(pid) {
		s.logger.Warnf("Pid %d survived SIGTERM grace period, escalating to SIGKILL", pid)
		if err := s.Signal(pid, unix.SIGKILL); err != nil && s.Alive(pid) {
			return err
		}
	}
	return nil
}

// mergeEnv lays overrides on top of the base environment, replacing
// duplicates in place so the child sees each key exactly once.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))

	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if value, ok := overrides[key]; ok {
			merged = append(merged, key+"="+value)
			seen[key] = true
			continue
		}
		merged = append(merged, kv)
	}

	for key, value := range overrides {
		if !seen[key] {
			merged = append(merged, key+"="+value)
		}
	}
	return merged
}
