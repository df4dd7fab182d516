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

package constants

import "time"

const (
	// DefaultBaseDirName is the daemon state directory created under the
	// user's home when ARGO_ROOT is not set.
	DefaultBaseDirName = ".argo"

	// ConfigFileName is the configuration file inside the base directory.
	ConfigFileName = "config.yaml"

	// ConfigGetConfigTimeout bounds a single configuration read.
	ConfigGetConfigTimeout = 5 * time.Second

	// MaxConfigReaders is the number of concurrent readers the config
	// file lock admits. A writer must drain all of them before it can
	// proceed.
	MaxConfigReaders = 100
)
