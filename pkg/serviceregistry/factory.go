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

// Package serviceregistry provides a centralized registry for accessing core
// services like the process supervisor and the filesystem

package serviceregistry

import (
	"sync"

	"github.com/ckoons/argod/pkg/service/filesystem"
	"github.com/ckoons/argod/pkg/service/supervisor"
)

// Provider hands out the shared service implementations. Components take
// this interface so tests can substitute mocks.
type Provider interface {
	GetFileSystem() filesystem.Service
	GetSupervisor() supervisor.Service
}

// Registry bundles the process-wide service singletons.
type Registry struct {
	FileSystem filesystem.Service
	Supervisor supervisor.Service
}

// GetFileSystem returns the filesystem service.
func (r *Registry) GetFileSystem() filesystem.Service {
	return r.FileSystem
}

// GetSupervisor returns the process supervisor service.
func (r *Registry) GetSupervisor() supervisor.Service {
	return r.Supervisor
}

var (
	globalRegistry *Registry
	initOnce       sync.Once
)

// NewRegistry returns the global registry, creating it on first call.
func NewRegistry() *Registry {
	initOnce.Do(func() {
		globalRegistry = &Registry{
			FileSystem: filesystem.NewDefaultService(),
			Supervisor: supervisor.NewDefaultService(),
		}
	})

	return globalRegistry
}

// GetGlobalRegistry returns the global registry instance.
func GetGlobalRegistry() *Registry {
	return NewRegistry()
}
