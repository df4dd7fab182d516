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
	"sync"
	"time"
)

// MockConfigManager is a mock implementation of ConfigManager for testing.
type MockConfigManager struct {
	Config          FullConfig
	ConfigError     error
	ConfigDelay     time.Duration
	GetConfigCalled bool

	mutex sync.Mutex
}

// NewMockConfigManager creates a new MockConfigManager preloaded with the
// default config.
func NewMockConfigManager() *MockConfigManager {
	return &MockConfigManager{
		Config: DefaultConfig(),
	}
}

// GetConfig implements the ConfigManager interface.
func (m *MockConfigManager) GetConfig(ctx context.Context) (FullConfig, error) {
	m.mutex.Lock()
	m.GetConfigCalled = true
	delay := m.ConfigDelay
	cfg := m.Config
	err := m.ConfigError
	m.mutex.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return FullConfig{}, ctx.Err()
		case <-time.After(delay):
		}
	}

	if ctx.Err() != nil {
		return FullConfig{}, ctx.Err()
	}

	if err != nil {
		return FullConfig{}, err
	}

	return cfg, nil
}

// WithConfig sets the config to return.
func (m *MockConfigManager) WithConfig(cfg FullConfig) *MockConfigManager {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Config = cfg

	return m
}

// WithConfigError sets the error to return.
func (m *MockConfigManager) WithConfigError(err error) *MockConfigManager {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.ConfigError = err

	return m
}

// ResetCalls clears the call tracking flags.
func (m *MockConfigManager) ResetCalls() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.GetConfigCalled = false
}
