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

// Package log implements per-source, leveled logging with pluggable backends.
package log

var configHelp = `
Logging and debugging messages.

You can control the lowest severity of messages to pass through and which
log sources produce debug messages. The available severity levels are
debug, info, warning, and error. By default no source produces debug
messages. For instance, to pass only warnings and errors and turn on
debugging for the pmu and smpl sources:

  logger:
    level: warning
    debug: pmu,smpl

Prefix a source with 'off:' to turn debugging off for it, for instance to
debug everything except the registry:

  logger:
    debug: all,off:registry

The same settings can be controlled with the --logger-level and
--logger-debug command line options.
`
