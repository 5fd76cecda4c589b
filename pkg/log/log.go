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
	"os"
	"strings"
	"sync"
)

// Level is the log message severity level below which we suppress messages.
type Level int32

const (
	// LevelDebug corresponds to debug messages.
	LevelDebug Level = iota
	// LevelInfo corresponds to informational messages.
	LevelInfo
	// LevelWarn corresponds to warning messages.
	LevelWarn
	// LevelError corresponds to error messages.
	LevelError
)

// Logger is the interface for producing log messages for a single source.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
	Fatal(format string, args ...interface{})

	EnableDebug(bool) bool
	DebugEnabled() bool

	Source() string
}

// logger is our Logger implementation.
type logger struct {
	source string
	prefix string
	debug  bool
}

// log is our runtime state.
type log struct {
	sync.Mutex
	level    Level
	backend  Backend
	loggers  map[string]*logger
	srcalign int
}

var logging = &log{
	level:   DefaultLevel,
	backend: &fmtBackend{out: os.Stderr},
	loggers: make(map[string]*logger),
}

// NewLogger creates a logger for the given source, reusing an existing one.
func NewLogger(source string) Logger {
	source = strings.Trim(source, "[] ")

	logging.Lock()
	defer logging.Unlock()

	if l, ok := logging.loggers[source]; ok {
		return l
	}

	l := &logger{
		source: source,
		debug:  opt.debugEnabled(source),
	}
	if len(source) > logging.srcalign {
		logging.srcalign = len(source)
	}
	for _, rl := range logging.loggers {
		rl.prefix = prefixFor(rl.source)
	}
	l.prefix = prefixFor(source)
	logging.loggers[source] = l

	return l
}

func prefixFor(source string) string {
	return "[" + source + "] " + strings.Repeat(" ", logging.srcalign-len(source))
}

// SetLevel sets the lowest unsuppressed severity level.
func SetLevel(level Level) {
	logging.Lock()
	defer logging.Unlock()
	logging.level = level
}

func (l *logger) passthrough(level Level) bool {
	if level == LevelDebug {
		return l.debug
	}
	return logging.level <= level
}

func (l *logger) format(format string, args ...interface{}) string {
	return l.prefix + fmt.Sprintf(format, args...)
}

// Debug emits a debug message if debugging is enabled for the source.
func (l *logger) Debug(format string, args ...interface{}) {
	if !l.passthrough(LevelDebug) {
		return
	}
	logging.backend.Debug(l.format(format, args...))
}

// Info emits an informational message.
func (l *logger) Info(format string, args ...interface{}) {
	if !l.passthrough(LevelInfo) {
		return
	}
	logging.backend.Info(l.format(format, args...))
}

// Warn emits a warning message.
func (l *logger) Warn(format string, args ...interface{}) {
	if !l.passthrough(LevelWarn) {
		return
	}
	logging.backend.Warn(l.format(format, args...))
}

// Error emits an error message.
func (l *logger) Error(format string, args ...interface{}) {
	if !l.passthrough(LevelError) {
		return
	}
	logging.backend.Error(l.format(format, args...))
}

// Fatal emits an error message and terminates the process.
func (l *logger) Fatal(format string, args ...interface{}) {
	message := l.format(format, args...)
	logging.backend.Error(message)
	fmt.Fprintln(os.Stderr, "fatal error: "+message)
	os.Exit(1)
}

// EnableDebug controls debug logging for the source.
func (l *logger) EnableDebug(enable bool) bool {
	old := l.debug
	l.debug = enable
	return old
}

// DebugEnabled returns the debugging state of the source.
func (l *logger) DebugEnabled() bool {
	return l.debug
}

// Source returns the source name of the logger.
func (l *logger) Source() string {
	return l.source
}

// Default logger/source.
var defLogger = NewLogger("default")

// Default gets the default logger.
func Default() Logger {
	return defLogger
}

// Info emits an info message with the default source.
func Info(format string, args ...interface{}) {
	defLogger.Info(format, args...)
}

// Warn emits a warning message with the default source.
func Warn(format string, args ...interface{}) {
	defLogger.Warn(format, args...)
}

// Error emits an error message with the default source.
func Error(format string, args ...interface{}) {
	defLogger.Error(format, args...)
}

// Fatal emits a fatal error message with the default source.
func Fatal(format string, args ...interface{}) {
	defLogger.Fatal(format, args...)
}
