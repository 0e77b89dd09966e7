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
	"encoding/json"
	"flag"
	"strings"

	pkgcfg "github.com/intel/pmu-manager/pkg/config"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// command-line argument prefix.
	optPrefix = "logger"
	// Flag for enabling debug logging for sources.
	optDebug = optPrefix + "-debug"
	// Flag for selecting logging level.
	optLevel = optPrefix + "-level"
	// configModule is our fragment key in the runtime configuration.
	configModule = optPrefix
)

// options are the logger options configurable via the command line or pkg/config.
type options struct {
	// Level is the lowest severity level passed through.
	Level Level `json:"level"`
	// Debug is a comma-separated list of sources to debug, '*' or 'all' for all.
	// Prefix a source with 'off:' to turn debugging off for it.
	Debug string `json:"debug,omitempty"`
}

var opt = &options{}

// Set sets the level from the given name.
func (l *Level) Set(value string) error {
	levels := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warning": LevelWarn,
		"warn":    LevelWarn,
		"error":   LevelError,
		"fatal":   LevelFatal,
		"panic":   LevelPanic,
	}
	level, ok := levels[strings.ToLower(value)]
	if !ok {
		return loggerError("invalid logging level %s", value)
	}

	*l = level
	if l == &opt.Level {
		SetLevel(level)
	}

	return nil
}

// String returns the name of the level.
func (l Level) String() string {
	names := map[Level]string{
		LevelDebug: "debug",
		LevelInfo:  "info",
		LevelWarn:  "warning",
		LevelError: "error",
		LevelFatal: "fatal",
		LevelPanic: "panic",
	}
	if level, ok := names[l]; ok {
		return level
	}

	return names[LevelInfo]
}

// MarshalJSON is the JSON marshaller for Level.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON is the JSON unmarshaller for Level.
func (l *Level) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return loggerError("invalid logging level %s", string(raw))
	}
	var level Level
	if err := level.Set(name); err != nil {
		return err
	}
	*l = level
	return nil
}

// parseSources parses a debug source list into a srcmap.
func parseSources(value string) (srcmap, error) {
	m := make(srcmap)
	state := true
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		switch {
		case strings.HasPrefix(entry, "off:"):
			state, entry = false, strings.TrimPrefix(entry, "off:")
		case strings.HasPrefix(entry, "on:"):
			state, entry = true, strings.TrimPrefix(entry, "on:")
		}
		if strings.Contains(entry, ":") {
			return nil, loggerError("invalid source spec %q", entry)
		}
		if entry == "all" {
			entry = "*"
		}
		m[entry] = state
	}
	return m, nil
}

// debugFlag implements flag.Value for the debug source list.
type debugFlag struct{}

func (debugFlag) String() string {
	return opt.Debug
}

func (debugFlag) Set(value string) error {
	m, err := parseSources(value)
	if err != nil {
		return err
	}
	opt.Debug = value
	log.Lock()
	defer log.Unlock()
	log.debug = m
	log.update()
	return nil
}

func (o *options) Describe() string {
	return configHelp
}

func (o *options) Reset() {
	*o = options{Level: DefaultLevel}
}

func (o *options) Validate() error {
	_, err := parseSources(o.Debug)
	return err
}

// configNotify activates updated logger configuration.
func (o *options) configNotify(event pkgcfg.Event, _ pkgcfg.Source) error {
	m, err := parseSources(o.Debug)
	if err != nil {
		return err
	}

	log.Lock()
	log.level = o.Level
	log.debug = m
	log.update()
	log.Unlock()

	deflog.Info("logger configuration %v, level %v, debug %q", event, o.Level, o.Debug)

	return nil
}

func init() {
	cfglog := log.get("config")
	pkgcfg.SetLogger(pkgcfg.Logger{
		DebugEnabled: cfglog.DebugEnabled,
		Debugf:       cfglog.Debug,
		Infof:        cfglog.Info,
		Warningf:     cfglog.Warn,
		Errorf:       cfglog.Error,
	})

	flag.Var(&opt.Level, optLevel,
		"lowest severity level to pass through (debug, info, warning, error)")
	flag.Var(debugFlag{}, optDebug,
		"comma-separated list of source names to enable debug messages for.\n"+
			"Specify '*' or 'all' to enable all sources.\n"+
			"Prefix a source with 'off:' to disable.")

	if err := pkgcfg.Register(configModule, opt, pkgcfg.WithNotify(opt.configNotify)); err != nil {
		panic(err)
	}
}
