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
	// FilesystemSlowReadThreshold defines when a file read operation is
	// considered slow and should be logged for debugging purposes.
	FilesystemSlowReadThreshold = 5 * time.Millisecond

	// DefaultFilesystemTimeout bounds individual filesystem operations that
	// are not already bounded by a caller deadline.
	DefaultFilesystemTimeout = 30 * time.Second
)
