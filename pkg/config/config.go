// Copyright 2024 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy
// of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// Package config loads and validates birq's runtime options: defaults,
// then an optional YAML file, then command-line flags override both --
// mirroring the original birq's struct options from birq.c, widened with a
// config-file layer cobra/pflag-based CLIs in this ecosystem commonly
// carry.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy names accepted in configuration and on the command line.
const (
	StrategyMax    = "max"
	StrategyMin    = "min"
	StrategyRandom = "rnd"
)

// Options holds every tunable of a birqd run.
type Options struct {
	// Threshold is the per-CPU IRQ-load percentage (0-100) at or above
	// which a CPU becomes a candidate for rebalancing.
	Threshold float64 `yaml:"threshold"`

	// HT, when true, allows Hyper-Thread sibling CPUs to be treated as
	// independent balancing targets (birq's --ht flag).
	HT bool `yaml:"ht"`

	ShortInterval time.Duration `yaml:"short_interval"`
	LongInterval  time.Duration `yaml:"long_interval"`

	// Strategy selects which IRQ to move off an overloaded CPU: "max",
	// "min" or "rnd" (birq's default).
	Strategy string `yaml:"strategy"`

	// ProximityPath, if non-empty, names a proximity configuration file
	// (birq's --pxm).
	ProximityPath string `yaml:"proximity_path"`

	CrossNUMAFallback bool `yaml:"cross_numa_fallback"`

	Verbose bool `yaml:"verbose"`

	// MetricsAddr, if non-empty, is the address a Prometheus exporter
	// listens on (e.g. ":9210").
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the same defaults as the original birq's opts_init:
// threshold 60, long interval 10s, short interval 1s, strategy "rnd".
func Default() Options {
	return Options{
		Threshold:     60,
		ShortInterval: time.Second,
		LongInterval:  10 * time.Second,
		Strategy:      StrategyRandom,
	}
}

// Load returns Default() overridden field-by-field by the YAML document at
// path, if path is non-empty. A missing file is not an error when path was
// never set by the caller in the first place; if the caller explicitly
// names a path that does not exist, that is an error.
func Load(path string) (Options, error) {
	opts := Default()
	if path == "" {
		return opts, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return opts, nil
}

// Validate rejects option combinations birq's own opts_parse rejects at
// startup: a threshold outside (0, 100], or a strategy name it doesn't
// recognize.
func Validate(opts Options) error {
	if opts.Threshold <= 0 || opts.Threshold > 100 {
		return fmt.Errorf("config: threshold %.2f out of range (0, 100]", opts.Threshold)
	}
	switch opts.Strategy {
	case StrategyMax, StrategyMin, StrategyRandom:
	default:
		return fmt.Errorf("config: unknown strategy %q", opts.Strategy)
	}
	return nil
}
