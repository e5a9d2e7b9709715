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

// Package log implements a library for logging.
//
// This is separate from the standard logging package because logging may be a
// high-impact activity, and therefore we wanted to provide as much flexibility
// as possible in the underlying implementation. Output is produced by logrus.
package log

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Level is the log level.
type Level uint32

// The following levels are fixed, and can never be changed. Since some control
// RPCs allow for changing the level as an integer, it is only possible to add
// additional levels, and the existing one cannot be removed.
const (
	// Warning indicates that output should always be emitted.
	Warning Level = iota

	// Info indicates that output should normally be emitted.
	Info

	// Debug indicates that output should not normally be emitted.
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("Invalid level: %d", l)
	}
}

// Logger is a high-level logging interface. It is in fact, not used within the
// log package. Rather it is provided for others to provide contextual loggers
// that may append some addition information to log statement.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged. This may be
	// used to short-circuit expensive operations for debugging calls.
	IsLogging(level Level) bool
}

// BasicLogger is the default implementation of Logger.
type BasicLogger struct {
	level atomic.Uint32
	out   *logrus.Logger
}

// New returns a BasicLogger writing to w in the given format.
func New(w io.Writer, format string, level Level) (*BasicLogger, error) {
	f, err := newFormatter(format)
	if err != nil {
		return nil, err
	}
	out := logrus.New()
	out.SetOutput(w)
	out.SetFormatter(f)
	// Filtering happens on our side so that SetLevel is lock-free.
	out.SetLevel(logrus.DebugLevel)
	l := &BasicLogger{out: out}
	l.SetLevel(level)
	return l, nil
}

// Debugf implements logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.out.Debugf(format, v...)
	}
}

// Infof implements logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.out.Infof(format, v...)
	}
}

// Warningf implements logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.out.Warnf(format, v...)
	}
}

// IsLogging implements logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return Level(l.level.Load()) >= level
}

// SetLevel sets the logging level.
func (l *BasicLogger) SetLevel(level Level) {
	l.level.Store(uint32(level))
}

// WithField returns a Logger that tags every statement with key=value.
func (l *BasicLogger) WithField(key string, value any) Logger {
	return &fieldLogger{parent: l, entry: l.out.WithField(key, value)}
}

type fieldLogger struct {
	parent *BasicLogger
	entry  *logrus.Entry
}

func (f *fieldLogger) Debugf(format string, v ...any) {
	if f.parent.IsLogging(Debug) {
		f.entry.Debugf(format, v...)
	}
}

func (f *fieldLogger) Infof(format string, v ...any) {
	if f.parent.IsLogging(Info) {
		f.entry.Infof(format, v...)
	}
}

func (f *fieldLogger) Warningf(format string, v ...any) {
	if f.parent.IsLogging(Warning) {
		f.entry.Warnf(format, v...)
	}
}

func (f *fieldLogger) IsLogging(level Level) bool {
	return f.parent.IsLogging(level)
}

// logger is the default logger.
var logger atomic.Pointer[BasicLogger]

func init() {
	l, err := New(os.Stderr, "text", Info)
	if err != nil {
		panic(err)
	}
	logger.Store(l)
}

// Log retrieves the global logger.
func Log() *BasicLogger {
	return logger.Load()
}

// SetTarget replaces the global logger.
func SetTarget(l *BasicLogger) {
	logger.Store(l)
}

// SetLevel sets the level of the global logger.
func SetLevel(level Level) {
	Log().SetLevel(level)
}

// IsLogging returns whether the global logger is logging.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().Debugf(format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().Infof(format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().Warningf(format, v...)
}
