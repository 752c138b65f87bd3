// Copyright The OpenTelemetry Authors
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

package errors

import "errors"

var (
	// ErrInterrupted is returned when a blocking stage was stopped by cancellation.
	ErrInterrupted = errors.New("interrupted")

	// ErrProcessNotFound is returned by a single scan that found no matching process.
	ErrProcessNotFound = errors.New("process not found")

	// ErrLibraryNotFound is returned when the traced library does not exist
	// inside the target's root filesystem.
	ErrLibraryNotFound = errors.New("library not found")

	// ErrUnsupportedArch is returned when no register layout is known for GOARCH.
	ErrUnsupportedArch = errors.New("unsupported architecture")
)
