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

// Command birqd is the IRQ-balancing daemon: it discovers CPU/NUMA
// topology and PCI IRQ routing, samples per-CPU interrupt load, and
// rewrites /proc/irq/<n>/smp_affinity to spread load across CPUs.
//
// Daemonization, PID-file management and syslog facility selection --
// birq.c's -d/--pidfile/--facility flags -- are intentionally out of
// scope here; run birqd under a supervisor (systemd, runit) that already
// handles those concerns instead.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/semverchenko/birq/pkg/balancer"
	"github.com/semverchenko/birq/pkg/birqlog"
	"github.com/semverchenko/birq/pkg/config"
	"github.com/semverchenko/birq/pkg/daemon"
	"github.com/semverchenko/birq/pkg/metrics"
	"github.com/semverchenko/birq/pkg/proximity"
)

func main() {
	var configPath, rootDir string
	var opts = config.Default()

	root := &cobra.Command{
		Use:   "birqd",
		Short: "IRQ-balancing daemon",
		Long: `birqd spreads hardware interrupt load across CPUs by periodically
sampling /proc/interrupts and /proc/stat and rewriting each IRQ's
smp_affinity to the least-loaded CPU permitted by its local_cpus mask.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath, rootDir, opts)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	root.Flags().StringVar(&rootDir, "root", "", "root directory prefixed to every /proc and /sys path (for testing)")
	root.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", opts.MetricsAddr, "address to serve Prometheus metrics on (empty disables the exporter)")
	root.Flags().Float64Var(&opts.Threshold, "threshold", opts.Threshold, "per-CPU IRQ-load percentage at or above which it becomes a balancing candidate")
	root.Flags().BoolVar(&opts.HT, "ht", opts.HT, "treat Hyper-Thread siblings as independent balancing targets")
	root.Flags().DurationVar(&opts.ShortInterval, "short-interval", opts.ShortInterval, "sleep between iterations while migrations are pending")
	root.Flags().DurationVar(&opts.LongInterval, "long-interval", opts.LongInterval, "sleep between iterations once quiescent")
	root.Flags().StringVar(&opts.Strategy, "strategy", opts.Strategy, "IRQ-selection strategy: max, min or rnd")
	root.Flags().StringVar(&opts.ProximityPath, "proximity", opts.ProximityPath, "path to a proximity configuration file")
	root.Flags().BoolVar(&opts.CrossNUMAFallback, "cross-numa-fallback", opts.CrossNUMAFallback, "allow balancing across NUMA nodes when no in-mask CPU is under threshold")
	root.Flags().BoolVar(&opts.Verbose, "verbose", opts.Verbose, "enable debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, configPath, rootDir string, flagOpts config.Options) error {
	opts := flagOpts
	if configPath != "" {
		fileOpts, err := config.Load(configPath)
		if err != nil {
			return err
		}
		opts = mergeConfig(cmd.Flags(), fileOpts, flagOpts)
	}
	if err := config.Validate(opts); err != nil {
		return err
	}

	logger := birqlog.Default(opts.Verbose)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	var strategy balancer.Strategy
	switch opts.Strategy {
	case config.StrategyMax:
		strategy = balancer.MaxStrategy{}
	case config.StrategyMin:
		strategy = balancer.MinStrategy{}
	default:
		strategy = balancer.RandomStrategy{}
	}

	cfg := daemon.Config{
		Root:          rootDir,
		ShortInterval: opts.ShortInterval,
		LongInterval:  opts.LongInterval,
		HT:            opts.HT,
		Logger:        logger,
		BalancerOptions: balancer.Options{
			Threshold:         opts.Threshold,
			Strategy:          strategy,
			CrossNUMAFallback: opts.CrossNUMAFallback,
			Rand:              rand.New(rand.NewSource(time.Now().UnixNano())),
		},
	}

	st, err := daemon.NewState(cfg)
	if err != nil {
		birqlog.Log(logger, birqlog.Fatal, "discovering topology", "error", err)
	}
	logger.Info("discovered topology", "cpus", len(st.CPUs), "numas", len(st.Numas))
	for _, c := range st.CPUs {
		logger.Debug("cpu", "id", c.Id, "package", c.PackageId, "core", c.CoreId)
	}
	for _, n := range st.Numas {
		logger.Debug("numa node", "node", n.Id, "cpus", n.Cpumap.ListString())
	}

	if opts.ProximityPath != "" {
		pxm, err := proximity.LoadConfig(opts.ProximityPath, st.Numas, logger)
		if err != nil {
			birqlog.Log(logger, birqlog.Config, "loading proximity configuration", "error", err)
			return err
		}
		cfg.Proximity = pxm
		for _, e := range pxm.Entries() {
			logger.Debug("proximity entry", "addr", e.Addr, "cpus", e.Mask.ListString())
		}
	}

	if opts.MetricsAddr != "" {
		collector := metrics.NewCollector()
		cfg.Metrics = collector
		go func() {
			if err := metrics.ListenAndServe(ctx, opts.MetricsAddr, "/metrics", collector); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	loop := daemon.Loop{}
	if err := loop.Run(ctx, cfg, st, 0); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// mergeConfig layers command-line overrides on top of a file-loaded base:
// only flags the user actually set on the command line win over the file's
// values, everything else keeps what the file (or the built-in default)
// says.
func mergeConfig(flags *pflag.FlagSet, fileOpts, flagOpts config.Options) config.Options {
	merged := fileOpts
	flags.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "threshold":
			merged.Threshold = flagOpts.Threshold
		case "ht":
			merged.HT = flagOpts.HT
		case "short-interval":
			merged.ShortInterval = flagOpts.ShortInterval
		case "long-interval":
			merged.LongInterval = flagOpts.LongInterval
		case "strategy":
			merged.Strategy = flagOpts.Strategy
		case "proximity":
			merged.ProximityPath = flagOpts.ProximityPath
		case "cross-numa-fallback":
			merged.CrossNUMAFallback = flagOpts.CrossNUMAFallback
		case "verbose":
			merged.Verbose = flagOpts.Verbose
		case "metrics-addr":
			merged.MetricsAddr = flagOpts.MetricsAddr
		}
	})
	return merged
}
