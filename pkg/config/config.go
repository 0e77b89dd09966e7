// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package config

import (
	"fmt"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"
)

// Fragment is a piece of configuration registered under a top-level key.
type Fragment interface {
	// Describe returns a help text for the fragment.
	Describe() string
	// Reset resets the fragment to its defaults.
	Reset()
}

// FragmentValidator is a Fragment which can check its own consistency.
type FragmentValidator interface {
	Validate() error
}

// Source describes where configuration data has been acquired from.
type Source string

const (
	// ConfigFile is a YAML/JSON file configuration source.
	ConfigFile Source = "configuration file"
	// External is an external configuration source.
	External Source = "external configuration"
	// ConfigBackup is a backup of a previous configuration.
	ConfigBackup Source = "configuration backup"
)

// Event describes the reason why a notification callback has been invoked.
type Event string

const (
	// UpdateEvent is the event type for a configuration update.
	UpdateEvent Event = "updated"
	// RevertEvent is the event type for a configuration rollback.
	RevertEvent Event = "reverted"
)

// NotifyFn is the type of a configuration change notification functions.
type NotifyFn func(Event, Source) error

// Option is an option for a registered fragment.
type Option func(*entry)

// WithNotify injects an update notification callback for a fragment.
func WithNotify(fn NotifyFn) Option {
	return func(e *entry) {
		e.notify = append(e.notify, fn)
	}
}

// entry is a registered fragment.
type entry struct {
	key    string
	ptr    Fragment
	notify []NotifyFn
}

// registry holds all registered configuration fragments.
type registry struct {
	sync.Mutex
	entries map[string]*entry
}

var root = newRegistry()

func newRegistry() *registry {
	return &registry{entries: map[string]*entry{}}
}

// ReInitialize drops all registered fragments. Mostly useful for tests.
func ReInitialize() {
	root = newRegistry()
}

// Register registers a configuration fragment under the given key.
func Register(key string, ptr interface{}, opts ...Option) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ptr == nil {
		return configError("%q: nil fragment", key)
	}
	if t := reflect.TypeOf(ptr); t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return configError("%q: fragment %T is not a pointer to struct", key, ptr)
	}
	f, ok := ptr.(Fragment)
	if !ok {
		return configError("%q: %T does not implement Fragment", key, ptr)
	}

	root.Lock()
	defer root.Unlock()

	canonical := strings.ToLower(key)
	if e, ok := root.entries[canonical]; ok {
		return configError("%q: conflicts with registered %q (%T)", key, e.key, e.ptr)
	}

	e := &entry{key: key, ptr: f}
	for _, o := range opts {
		o(e)
	}
	f.Reset()
	root.entries[canonical] = e

	log.Debugf("registered configuration fragment %q (%T)", key, ptr)

	return nil
}

// GetFragment returns the fragment registered for the given key.
func GetFragment(key string) (Fragment, bool) {
	root.Lock()
	defer root.Unlock()
	e, ok := root.entries[strings.ToLower(key)]
	if !ok {
		return nil, false
	}
	return e.ptr, true
}

// Reset resets all registered fragments to their defaults.
func Reset() {
	root.Lock()
	defer root.Unlock()
	for _, e := range root.entries {
		e.ptr.Reset()
	}
}

// SetYAMLFile loads configuration from the given YAML file.
func SetYAMLFile(path string) error {
	data, err := DataFromFile(path)
	if err != nil {
		return err
	}
	return root.set(data, ConfigFile)
}

// SetYAML sets the configuration from the given YAML data. Fragments not
// present in data are reset to their defaults. If the data fails to parse
// or validate, or any fragment rejects it, the previous configuration is
// restored and an error returned.
func SetYAML(raw []byte, source Source) error {
	data, err := parseData(raw)
	if err != nil {
		return configError("failed to parse configuration: %v", err)
	}
	return root.set(data, source)
}

// GetYAML returns the current configuration as YAML data.
func GetYAML() ([]byte, error) {
	root.Lock()
	defer root.Unlock()
	raw, err := yaml.Marshal(root.snapshot())
	if err != nil {
		return nil, configError("failed to marshal configuration: %v", err)
	}
	return raw, nil
}

func (r *registry) set(data Data, source Source) error {
	r.Lock()
	defer r.Unlock()

	backup := r.snapshot()

	if err := r.apply(data); err != nil {
		r.restore(backup)
		return err
	}

	if err := r.notify(UpdateEvent, source); err != nil {
		r.restore(backup)
		if rerr := r.notify(RevertEvent, ConfigBackup); rerr != nil {
			log.Errorf("failed to revert configuration: %v", rerr)
		}
		return err
	}

	return nil
}

func (r *registry) apply(data Data) error {
	var errors *multierror.Error

	data = maps.Clone(data)
	for _, key := range r.sortedKeys() {
		e := r.entries[key]
		e.ptr.Reset()
		picked, err := data.take(e.key)
		if err != nil {
			errors = multierror.Append(errors, err)
			continue
		}
		if picked == nil {
			continue
		}
		if err := picked.decode(e.ptr); err != nil {
			errors = multierror.Append(errors, configError("%q: %v", e.key, err))
		}
	}

	for key := range data {
		errors = multierror.Append(errors, configError("unknown configuration key %q", key))
	}

	if err := errors.ErrorOrNil(); err != nil {
		return err
	}

	return r.validate()
}

func (r *registry) validate() error {
	var errors *multierror.Error

	for _, key := range r.sortedKeys() {
		e := r.entries[key]
		if v, ok := e.ptr.(FragmentValidator); ok {
			if err := v.Validate(); err != nil {
				errors = multierror.Append(errors, fmt.Errorf("%q: %w", e.key, err))
			}
		}
	}

	return errors.ErrorOrNil()
}

func (r *registry) notify(event Event, source Source) error {
	for _, key := range r.sortedKeys() {
		e := r.entries[key]
		for _, fn := range e.notify {
			if err := fn(event, source); err != nil {
				return configError("%q: configuration rejected: %v", e.key, err)
			}
		}
	}
	return nil
}

// snapshot returns the current fragment contents as configuration data.
func (r *registry) snapshot() Data {
	data := make(Data)
	for _, e := range r.entries {
		obj, err := DataFromObject(e.ptr)
		if err != nil {
			log.Errorf("failed to snapshot %q: %v", e.key, err)
			continue
		}
		data[e.key] = obj
	}
	return data
}

func (r *registry) restore(backup Data) {
	for _, e := range r.entries {
		e.ptr.Reset()
		saved, ok := backup[e.key].(Data)
		if !ok {
			continue
		}
		if err := saved.decode(e.ptr); err != nil {
			log.Errorf("failed to restore %q: %v", e.key, err)
		}
	}
}

func (r *registry) sortedKeys() []string {
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Describe returns the help text of all registered fragments.
func Describe() string {
	root.Lock()
	defer root.Unlock()

	help := ""
	for _, key := range root.sortedKeys() {
		e := root.entries[key]
		help += e.key + ":\n" + e.ptr.Describe() + "\n"
	}
	return help
}

func validateKey(key string) error {
	if key == "" {
		return configError("empty configuration key")
	}
	for _, c := range key {
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-', c == '_':
		default:
			return configError("invalid configuration key %q", key)
		}
	}
	return nil
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("config error: "+format, args...)
}
