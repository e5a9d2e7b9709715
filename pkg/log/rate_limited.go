// Copyright 2024 The gVisor Authors.
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
	"time"

	"golang.org/x/time/rate"
)

type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.logger.IsLogging(Debug) && rl.limit.Allow() {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.logger.IsLogging(Info) && rl.limit.Allow() {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(globalLogger{}, every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// WithField returns a Logger that tags every statement with key=value and
// writes to whatever Log() returns at call time.
func WithField(key string, value any) Logger {
	return globalLogger{key: key, value: value}
}

// globalLogger forwards to whatever Log() returns at call time, so rate
// limited loggers created at init survive SetTarget. A non-empty key tags
// each statement.
type globalLogger struct {
	key   string
	value any
}

func (g globalLogger) target() Logger {
	if g.key == "" {
		return Log()
	}
	return Log().WithField(g.key, g.value)
}

func (g globalLogger) Debugf(format string, v ...any)   { g.target().Debugf(format, v...) }
func (g globalLogger) Infof(format string, v ...any)    { g.target().Infof(format, v...) }
func (g globalLogger) Warningf(format string, v ...any) { g.target().Warningf(format, v...) }
func (globalLogger) IsLogging(level Level) bool         { return Log().IsLogging(level) }
