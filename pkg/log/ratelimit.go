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
	"sync"
	"time"

	goxrate "golang.org/x/time/rate"
)

// Rate specifies a maximum per-message logging rate.
type Rate struct {
	Limit goxrate.Limit
	Burst int
}

// Interval returns a Rate allowing one message per interval.
func Interval(interval time.Duration) Rate {
	return Rate{Limit: goxrate.Every(interval), Burst: 1}
}

// ratelimited implements rate-limited logging. Messages are keyed by their
// formatted content; each distinct message gets its own limiter.
type ratelimited struct {
	Logger
	sync.Mutex
	rate   Rate
	limits map[string]*goxrate.Limiter
}

// RateLimit returns a rate-limited version of the given logger. Suppressed
// messages are dropped, not queued.
func RateLimit(log Logger, rate Rate) Logger {
	if rate.Burst < 1 {
		rate.Burst = 1
	}
	return &ratelimited{
		Logger: log,
		rate:   rate,
		limits: make(map[string]*goxrate.Limiter),
	}
}

func (rl *ratelimited) allow(format string, args ...interface{}) (string, bool) {
	message := fmt.Sprintf(format, args...)

	rl.Lock()
	defer rl.Unlock()

	limit, ok := rl.limits[message]
	if !ok {
		// bound the number of tracked messages
		if len(rl.limits) >= 256 {
			rl.limits = make(map[string]*goxrate.Limiter)
		}
		limit = goxrate.NewLimiter(rl.rate.Limit, rl.rate.Burst)
		rl.limits[message] = limit
	}

	return message, limit.Allow()
}

func (rl *ratelimited) Debug(format string, args ...interface{}) {
	if message, ok := rl.allow(format, args...); ok {
		rl.Logger.Debug("%s", message)
	}
}

func (rl *ratelimited) Info(format string, args ...interface{}) {
	if message, ok := rl.allow(format, args...); ok {
		rl.Logger.Info("%s", message)
	}
}

func (rl *ratelimited) Warn(format string, args ...interface{}) {
	if message, ok := rl.allow(format, args...); ok {
		rl.Logger.Warn("%s", message)
	}
}

func (rl *ratelimited) Error(format string, args ...interface{}) {
	if message, ok := rl.allow(format, args...); ok {
		rl.Logger.Error("%s", message)
	}
}
