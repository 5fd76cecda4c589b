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
	"flag"
	"strings"

	"github.com/pkg/errors"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// command-line option names.
	optLevel = "logger-level"
	optDebug = "logger-debug"
)

// options capture the logger configuration given on the command line.
type options struct {
	Level Level
	Debug srcmap
}

// srcmap tracks per-source debug settings.
type srcmap map[string]bool

var opt = &options{
	Level: DefaultLevel,
	Debug: make(srcmap),
}

// Set sets the level from the given name.
func (l *Level) Set(value string) error {
	levels := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
	}
	level, ok := levels[strings.ToLower(value)]
	if !ok {
		return errors.Errorf("log: invalid logging level %q", value)
	}
	*l = level
	SetLevel(level)
	return nil
}

// String returns the name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warning"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// Set parses a comma-separated source list, '*' or 'all' enabling every source.
func (m srcmap) Set(value string) error {
	for _, source := range strings.Split(value, ",") {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		if source == "all" {
			source = "*"
		}
		m[source] = true
	}
	for source, l := range logging.loggers {
		if m.enabled(source) {
			l.debug = true
		}
	}
	return nil
}

// String returns the sources in the map as a comma-separated list.
func (m srcmap) String() string {
	sources := make([]string, 0, len(m))
	for source := range m {
		sources = append(sources, source)
	}
	return strings.Join(sources, ",")
}

func (m srcmap) enabled(source string) bool {
	return m[source] || m["*"]
}

func (o *options) debugEnabled(source string) bool {
	return o.Debug.enabled(source)
}

func init() {
	flag.Var(&opt.Level, optLevel,
		"lowest unsuppressed logging severity (debug, info, warning, error)")
	flag.Var(opt.Debug, optDebug,
		"comma-separated list of sources to enable debug logging for, or '*'")
}
