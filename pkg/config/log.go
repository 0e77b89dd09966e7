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
	"os"
)

// pkg/log registers its own options as a fragment here, so it cannot be
// imported. It plugs its logger in with SetLogger instead.

// Logger is our set of logging functions.
type Logger struct {
	DebugEnabled func() bool
	Debugf       func(string, ...interface{})
	Infof        func(string, ...interface{})
	Warningf     func(string, ...interface{})
	Errorf       func(string, ...interface{})
}

// log is our Logger.
var log = Logger{
	DebugEnabled: func() bool { return false },
	Debugf:       func(string, ...interface{}) {},
	Infof:        stderr("I"),
	Warningf:     stderr("W"),
	Errorf:       stderr("E"),
}

// SetLogger sets our logger.
func SetLogger(logger Logger) {
	if logger.DebugEnabled != nil {
		log.DebugEnabled = logger.DebugEnabled
	}
	if logger.Debugf != nil {
		log.Debugf = logger.Debugf
	}
	if logger.Infof != nil {
		log.Infof = logger.Infof
	}
	if logger.Warningf != nil {
		log.Warningf = logger.Warningf
	}
	if logger.Errorf != nil {
		log.Errorf = logger.Errorf
	}
}

func stderr(tag string) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		fmt.Fprintf(os.Stderr, tag+": [config] "+format+"\n", args...)
	}
}
