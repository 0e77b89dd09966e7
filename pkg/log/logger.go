// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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
)

// Level describes the severity of log messages.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
	// levelHighest is the highest externally visible level
	levelHighest
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logger implements Logger, indexing into the shared logging state.
type logger uint

// EnableDebug enables/disables debug logging for this logger.
func (l logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()

	cfg := log.configs[l]
	old := cfg.setDebugging(state)
	log.configs[l] = cfg

	return old
}

// DebugEnabled checks debug logging is enabled for this logger.
func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()

	cfg := log.configs[l]

	return cfg.isDebugging() || log.forced
}

// Source returns the source for the given logger.
func (l logger) Source() string {
	log.RLock()
	defer log.RUnlock()

	return l.source()
}

func (l logger) source() string {
	if int(l) < len(log.names) {
		return log.names[l]
	}
	return "<unknown>"
}

// Debug logs a debug message.
func (l logger) Debug(format string, args ...interface{}) {
	if source, active, emit := l.emitter(LevelDebug); emit {
		active.Log(LevelDebug, source, format, args...)
	}
}

// Info logs a informational message.
func (l logger) Info(format string, args ...interface{}) {
	if source, active, emit := l.emitter(LevelInfo); emit {
		active.Log(LevelInfo, source, format, args...)
	}
}

// Warn logs a warning message.
func (l logger) Warn(format string, args ...interface{}) {
	if source, active, emit := l.emitter(LevelWarn); emit {
		active.Log(LevelWarn, source, format, args...)
	}
}

// Error logs an error message.
func (l logger) Error(format string, args ...interface{}) {
	if source, active, emit := l.emitter(LevelError); emit {
		active.Log(LevelError, source, format, args...)
	}
}

// Fatal logs a fatal error message and os.Exit(1)'s.
func (l logger) Fatal(format string, args ...interface{}) {
	source, active, _ := l.emitter(LevelFatal)
	active.Log(LevelFatal, source, format, args...)
	active.Sync()

	os.Exit(1)
}

// Panic logs a panic message and panic()'s.
func (l logger) Panic(format string, args ...interface{}) {
	source, active, _ := l.emitter(LevelPanic)
	active.Log(LevelPanic, source, format, args...)
	active.Sync()

	panic(fmt.Sprintf(source+" "+format, args...))
}

// DebugBlock logs a multi-line debug message.
func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	if source, active, emit := l.emitter(LevelDebug); emit {
		active.Block(LevelDebug, source, prefix, format, args...)
	}
}

// InfoBlock logs a multi-line informational message.
func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	if source, active, emit := l.emitter(LevelInfo); emit {
		active.Block(LevelInfo, source, prefix, format, args...)
	}
}

// WarnBlock logs a multi-line warning message.
func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	if source, active, emit := l.emitter(LevelWarn); emit {
		active.Block(LevelWarn, source, prefix, format, args...)
	}
}

// ErrorBlock logs a multi-line error message.
func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	if source, active, emit := l.emitter(LevelError); emit {
		active.Block(LevelError, source, prefix, format, args...)
	}
}

// emitter returns the source name, the active backend, and whether level passes.
func (l logger) emitter(level Level) (string, Backend, bool) {
	log.RLock()
	defer log.RUnlock()

	cfg := log.configs[l]
	source := l.source()
	active := log.active

	switch {
	case level == LevelDebug:
		return source, active, cfg.isDebugging() || log.forced
	case level < log.level:
		return source, active, false
	case level == LevelInfo:
		return source, active, cfg.isLogging()
	default:
		return source, active, true
	}
}

//
// Runtime configuration of a single logger instance.
//

const (
	loggingBit = (1 << iota)
	debuggingBit
)

// config is the configuration of a single logger.
type config struct {
	id     logger
	enable uint8
}

// mkConfig creates a configuration with the given parameters.
func mkConfig(l logger, logging, debugging bool) config {
	cfg := config{id: l}
	cfg.setEnabled(logging, debugging)
	return cfg
}

// setEnabled sets the logging and debugging bits for this config.
func (cfg *config) setEnabled(logging, debugging bool) {
	cfg.enable = 0
	if logging {
		cfg.enable |= loggingBit
	}
	if debugging {
		cfg.enable |= debuggingBit
	}
}

// isLogging tests if this config has its logging bit enabled.
func (cfg *config) isLogging() bool {
	return (cfg.enable & loggingBit) != 0
}

// setDebugging sets/clears the debugging bit in this config.
func (cfg *config) setDebugging(enable bool) bool {
	old := cfg.isDebugging()
	if enable {
		cfg.enable |= debuggingBit
	} else {
		cfg.enable &^= debuggingBit
	}
	return old
}

// isDebugging tests if this config has its debugging bit enabled.
func (cfg *config) isDebugging() bool {
	return (cfg.enable & debuggingBit) != 0
}
