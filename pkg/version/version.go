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

// Package version reports the daemon build version.
package version

import (
	"github.com/ckoons/argod/pkg/constants"
)

// AppVersion is the daemon version.
// Set by build process via ldflags using -ldflags="-X github.com/ckoons/argod/pkg/version.AppVersion=${VERSION}"
var AppVersion string

// GetAppVersion returns the build-injected version, falling back to the
// development placeholder when none was set. Error reporting treats the
// placeholder as a signal to stay disabled.
func GetAppVersion() string {
	if AppVersion == "" {
		return constants.DefaultAppVersion
	}

	return AppVersion
}
