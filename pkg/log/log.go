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
	"strings"
	"sync"
)

// logging is the runtime state shared by all loggers.
type logging struct {
	sync.RWMutex
	level   Level                // lowest severity passed through
	active  Backend              // active backend
	backend map[string]BackendFn // registered backends
	sources map[string]logger    // source name to logger
	names   []string             // logger to source name
	configs map[logger]config    // per-logger configuration
	enable  srcmap               // logging state for sources
	debug   srcmap               // debugging state for sources
	forced  bool                 // forced full debugging
	align   int                  // longest source name seen
}

// log is our runtime logging state.
var log = &logging{
	level:   DefaultLevel,
	backend: make(map[string]BackendFn),
	sources: make(map[string]logger),
	configs: make(map[logger]config),
	enable:  make(srcmap),
	debug:   make(srcmap),
}

// Get returns the Logger for the given source, creating it if necessary.
func Get(source string) Logger {
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return log.get(source)
}

// SetLevel sets the lowest severity level which is not suppressed.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// SetBackend activates the named logging backend.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()
	return log.setBackend(name)
}

// EnableLogging enables or disables non-debug messages for the given source.
func EnableLogging(source string, state bool) {
	log.Lock()
	defer log.Unlock()
	log.enable[source] = state
	log.update()
}

// EnableDebugging enables or disables debug messages for the given source.
// Use "*" to address all sources.
func EnableDebugging(source string, state bool) {
	log.Lock()
	defer log.Unlock()
	log.debug[source] = state
	log.update()
}

// ForceDebugging turns on or off debugging for all sources.
func ForceDebugging(state bool) bool {
	log.Lock()
	defer log.Unlock()
	old := log.forced
	log.forced = state
	return old
}

// Flush flushes any messages buffered by the active backend.
func Flush() {
	log.RLock()
	active := log.active
	log.RUnlock()
	if active != nil {
		active.Flush()
	}
}

// Sync waits until all pending messages have been emitted.
func Sync() {
	log.RLock()
	active := log.active
	log.RUnlock()
	if active != nil {
		active.Sync()
	}
}

func (log *logging) get(source string) logger {
	source = strings.Trim(source, "[] ")

	log.RLock()
	l, ok := log.sources[source]
	log.RUnlock()
	if ok {
		return l
	}

	log.Lock()
	defer log.Unlock()

	if l, ok := log.sources[source]; ok {
		return l
	}

	l = logger(len(log.names))
	log.names = append(log.names, source)
	log.sources[source] = l
	log.configs[l] = mkConfig(l, log.enable.state(source, true), log.debug.state(source, false))

	if len(source) > log.align {
		log.align = len(source)
		if log.active != nil {
			log.active.SetSourceAlignment(log.align)
		}
	}

	return l
}

func (log *logging) setBackend(name string) error {
	fn, ok := log.backend[name]
	if !ok {
		return loggerError("unknown logger backend %q", name)
	}
	if log.active != nil {
		if log.active.Name() == name {
			return nil
		}
		log.active.Stop()
	}
	log.active = fn()
	log.active.SetSourceAlignment(log.align)
	return nil
}

// update refreshes the configuration of all loggers from the source maps.
func (log *logging) update() {
	for source, l := range log.sources {
		cfg := log.configs[l]
		cfg.setEnabled(log.enable.state(source, true), log.debug.state(source, false))
		log.configs[l] = cfg
	}
}

// srcmap tracks logging or debugging state of sources.
type srcmap map[string]bool

// state returns the state for the given source, falling back to wildcard then def.
func (m srcmap) state(source string, def bool) bool {
	if state, ok := m[source]; ok {
		return state
	}
	if state, ok := m["*"]; ok {
		return state
	}
	return def
}

func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
