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

// Package version tags built binaries with version metadata. The defaults
// are overridden at link time, for instance:
//
//	go build -ldflags \
//	  "-X=github.com/intel/pmu-manager/pkg/version.Version=<version> \
//	   -X=github.com/intel/pmu-manager/pkg/version.Build=<build-id>"
package version

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/intel/pmu-manager/pkg/pmu/smpl"
)

// Default values of variables we'll override with the linker.
var (
	// Version is our version as given by 'git describe'.
	Version = "unknown"
	// Build is the SHA1 of the repository we've been built from.
	Build = "unknown"
)

// Info is the version metadata of a binary.
type Info struct {
	Binary  string // binary name
	Version string // version number
	Build   string // build id
	Layout  uint32 // sample buffer layout version
}

// Get returns the version metadata of the running binary.
func Get() Info {
	return Info{
		Binary:  filepath.Base(os.Args[0]),
		Version: Version,
		Build:   Build,
		Layout:  smpl.Version,
	}
}

// Fprint prints version information to w.
func (i Info) Fprint(w io.Writer) {
	fmt.Fprintf(w, "%s version information:\n", i.Binary)
	fmt.Fprintf(w, "  - version: %s\n", i.Version)
	fmt.Fprintf(w, "  - build:   %s\n", i.Build)
	fmt.Fprintf(w, "  - sample buffer layout: %d.%d\n", i.Layout>>16, i.Layout&0xffff)
}

var (
	output io.Writer = os.Stdout
	exit             = os.Exit
)

// Dummy struct used to hook into flag.Value.Set of -version during commandline parsing.
type version struct{}

// IsBoolFlag tell flag that we only have optional arguments.
func (version) IsBoolFlag() bool {
	return true
}

// Set prints version information and exits if value is true.
func (version) Set(value string) error {
	print, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	if print {
		Get().Fprint(output)
		exit(0)
	}

	return nil
}

// String is our dummy flag.Value stringification function.
func (version) String() string {
	return "false"
}

// Put in place a '--version' command line option for us.
func init() {
	flag.Var(version{}, "version", "print version information and exit")
}
