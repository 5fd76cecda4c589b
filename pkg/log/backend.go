// Copyright 2023 Intel Corporation. All Rights Reserved.
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

package log

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Backend is an entity that can emit formatted log messages.
type Backend interface {
	Debug(message string)
	Info(message string)
	Warn(message string)
	Error(message string)
}

// fmtBackend writes timestamped, severity-tagged lines to a single stream.
type fmtBackend struct {
	sync.Mutex
	out io.Writer
}

func (f *fmtBackend) emit(severity, message string) {
	f.Lock()
	defer f.Unlock()
	fmt.Fprintf(f.out, "%s %s %s\n", time.Now().Format("2006-01-02T15:04:05.000"), severity, message)
}

func (f *fmtBackend) Debug(message string) { f.emit("D:", message) }
func (f *fmtBackend) Info(message string)  { f.emit("I:", message) }
func (f *fmtBackend) Warn(message string)  { f.emit("W:", message) }
func (f *fmtBackend) Error(message string) { f.emit("E:", message) }

// SetBackend replaces the active backend, returning the previous one.
// Used by tests to capture output.
func SetBackend(b Backend) Backend {
	logging.Lock()
	defer logging.Unlock()
	old := logging.backend
	logging.backend = b
	return old
}
