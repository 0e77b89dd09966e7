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

package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/common/expfmt"

	pkgcfg "github.com/intel/pmu-manager/pkg/config"
	logger "github.com/intel/pmu-manager/pkg/log"
	"github.com/intel/pmu-manager/pkg/metrics"
	_ "github.com/intel/pmu-manager/pkg/version"
)

func main() {
	log := logger.Default()

	flag.Parse()

	if len(flag.Args()) != 0 {
		log.Error("unknown command-line arguments: %s", strings.Join(flag.Args(), ","))
		flag.Usage()
		os.Exit(1)
	}

	if cmdline.configFile != "" {
		if err := pkgcfg.SetYAMLFile(cmdline.configFile); err != nil {
			log.Fatal("failed to load configuration: %v", err)
		}
	}

	logger.SetupDebugToggleSignal(syscall.SIGUSR1)

	desc, err := loadDescription(opt.PMU, os.ReadFile)
	if err != nil {
		log.Fatal("%v", err)
	}

	sim, err := newSimulator(desc, discoverCores(log, opt), opt)
	if err != nil {
		log.Fatal("failed to create simulator: %v", err)
	}
	if err := sim.s.RegisterMetrics(); err != nil {
		log.Fatal("failed to register metrics: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sim.run(ctx); err != nil {
		log.Error("simulation stopped: %v", err)
	}

	reports, err := sim.report()
	for _, r := range reports {
		log.Info("task %d: sampled counter %d, checked counter %d (expected %d)",
			r.PID, r.Sampled, r.Checked, r.Expected)
	}
	if err != nil {
		log.Error("%v", err)
	}

	if cmdline.dump != "" {
		if err := writeFile(cmdline.dump, sim.dump); err != nil {
			log.Error("failed to dump samples: %v", err)
		}
	}

	sim.close()

	if cmdline.metrics != "" {
		if err := writeFile(cmdline.metrics, writeMetrics); err != nil {
			log.Error("failed to write metrics: %v", err)
		}
	}

	logger.Flush()
	if err != nil {
		os.Exit(1)
	}
}

// writeFile writes a file, or stdout for '-', using fn.
func writeFile(path string, fn func(io.Writer) error) error {
	if path == "-" {
		return fn(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeMetrics gathers all registered metrics in text exposition format.
func writeMetrics(w io.Writer) error {
	g, err := metrics.NewMetricGatherer()
	if err != nil {
		return err
	}
	families, err := g.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, f := range families {
		if err := enc.Encode(f); err != nil {
			return err
		}
	}
	return nil
}
