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

// Package daemon orchestrates one rebalancing iteration (discover, relink,
// sample, choose, balance, apply) and the sleep/cancellation state machine
// that runs it repeatedly, matching the body of the original birq's main()
// loop in birq.c -- everything except argument parsing and daemonization,
// which live at the cmd/birqd boundary instead.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/semverchenko/birq/pkg/balancer"
	"github.com/semverchenko/birq/pkg/discovery"
	"github.com/semverchenko/birq/pkg/irq"
	"github.com/semverchenko/birq/pkg/proximity"
	"github.com/semverchenko/birq/pkg/stats"
	"github.com/semverchenko/birq/pkg/topology"
)

// Clock abstracts the sleep between iterations so tests can run many
// simulated iterations without waiting in real time. birq's daemon loop has
// exactly two kinds of suspension point (per the concurrency model it
// inherits from the original): the blocking file reads inside one
// iteration, and this sleep between iterations.
type Clock interface {
	Sleep(d time.Duration)
}

// RealClock sleeps for real, using the standard library.
type RealClock struct{}

func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// Config holds everything an Iteration needs that does not change
// iteration-to-iteration.
type Config struct {
	// Root prefixes every /proc and /sys path read or written, letting
	// tests point a whole iteration at a fake tree; "" selects the real
	// root filesystem.
	Root string

	ShortInterval time.Duration
	LongInterval  time.Duration

	HT              bool
	Proximity       *proximity.Table
	Verifier        balancer.AffinityVerifier
	BalancerOptions balancer.Options

	Logger *slog.Logger

	// Metrics, if set, is notified once per iteration with the post-sample
	// CPU/IRQ state and whatever migrations were just applied (nil on a
	// quiescent iteration where nothing moved).
	Metrics Observer
}

// Observer receives one iteration's state for external reporting (see
// pkg/metrics.Collector, which implements this).
type Observer interface {
	Observe(cpus []*irq.CPU, registry *irq.Registry, migrations []balancer.Migration)
}

// State is the mutable, cross-iteration working set: the discovered
// topology, the IRQ registry, and the list of IRQs queued for a balancing
// decision (birq's balance_irqs list), which only carries over to the next
// iteration when this one fails before its balance pass.
type State struct {
	CPUs       []*irq.CPU
	Numas      []topology.Numa
	Registry   *irq.Registry
	Candidates []*irq.Irq
}

// NewState discovers CPU and NUMA topology once and returns a fresh,
// otherwise-empty State ready for repeated Iteration calls.
func NewState(cfg Config) (*State, error) {
	topoCPUs, err := topology.DiscoverCPUs(cfg.Root, cfg.HT)
	if err != nil {
		return nil, fmt.Errorf("daemon: discovering CPUs: %w", err)
	}
	numas, err := topology.DiscoverNUMA(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("daemon: discovering NUMA nodes: %w", err)
	}
	cpus := make([]*irq.CPU, len(topoCPUs))
	for i, c := range topoCPUs {
		cpus[i] = irq.NewCPU(c)
	}
	return &State{
		CPUs:     cpus,
		Numas:    numas,
		Registry: irq.NewRegistry(),
	}, nil
}

const procInterruptsPath = "/proc/interrupts"
const procStatPath = "/proc/stat"

// Iteration runs one full discover->relink->sample->choose->[balance->apply]
// pass and returns the duration to sleep before the next one: ShortInterval
// if this iteration had any candidate IRQ to balance (so birq keeps driving
// the system toward balance quickly), LongInterval otherwise -- matching
// birq.c's interval selection. The candidate list is emptied after the
// balance pass, whether or not each candidate found a new CPU.
func Iteration(cfg Config, st *State) (time.Duration, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interruptsFile, err := os.Open(cfg.Root + procInterruptsPath)
	if err != nil {
		return cfg.LongInterval, fmt.Errorf("daemon: opening %s: %w", procInterruptsPath, err)
	}
	newIrqs, err := discovery.ParseInterrupts(cfg.Root, interruptsFile, st.Registry)
	interruptsFile.Close()
	if err != nil {
		return cfg.LongInterval, err
	}
	if len(newIrqs) > 0 {
		if err := discovery.ScanPCISysfs(cfg.Root, st.Registry, cfg.Proximity); err != nil {
			logger.Warn("scanning PCI sysfs tree", "error", err)
		}
		st.Candidates = appendCandidates(st.Candidates, newIrqs)
	}
	if len(st.Candidates) > 0 {
		// candidates held over from a partially failed iteration may have
		// been swept from the registry since; never balance those.
		kept := st.Candidates[:0]
		for _, c := range st.Candidates {
			if tracked, ok := st.Registry.Lookup(c.Num); ok && tracked == c {
				kept = append(kept, c)
			}
		}
		st.Candidates = kept
	}

	stats.LinkIRQsToCPUs(st.CPUs, st.Registry)

	statFile, err := os.Open(cfg.Root + procStatPath)
	if err != nil {
		return cfg.LongInterval, fmt.Errorf("daemon: opening %s: %w", procStatPath, err)
	}
	err = stats.Sample(statFile, st.CPUs, st.Registry)
	statFile.Close()
	if err != nil {
		return cfg.LongInterval, err
	}

	if logger.Enabled(context.Background(), slog.LevelDebug) {
		dumpStatistics(logger, st)
	}

	if chosen := balancer.ChooseIRQsToMove(st.CPUs, cfg.BalancerOptions); len(chosen) > 0 {
		st.Candidates = appendCandidates(st.Candidates, chosen)
	}

	if len(st.Candidates) == 0 {
		if cfg.Metrics != nil {
			cfg.Metrics.Observe(st.CPUs, st.Registry, nil)
		}
		return cfg.LongInterval, nil
	}

	migrations := balancer.Balance(st.CPUs, st.Candidates, cfg.BalancerOptions)
	if err := balancer.ApplyAffinity(cfg.Root, migrations, cfg.Verifier); err != nil {
		logger.Warn("applying affinity", "error", err)
	}
	for _, m := range migrations {
		logger.Info("moved irq", "irq", m.Irq.Num, "from", cpuID(m.From), "to", m.To.Id)
	}
	if cfg.Metrics != nil {
		cfg.Metrics.Observe(st.CPUs, st.Registry, migrations)
	}
	st.Candidates = st.Candidates[:0]

	return cfg.ShortInterval, nil
}

// appendCandidates appends the Irqs of src not already pending in dst.
// Candidates can survive an iteration that failed partway (say, an
// unreadable /proc/stat), and the same wide-affinity Irq may be offered
// again by the next discovery pass; it must still get exactly one decision.
func appendCandidates(dst, src []*irq.Irq) []*irq.Irq {
outer:
	for _, i := range src {
		for _, existing := range dst {
			if existing == i {
				continue outer
			}
		}
		dst = append(dst, i)
	}
	return dst
}

// dumpStatistics logs the per-CPU load and per-IRQ interrupt deltas of the
// sample just taken, the verbose-mode counterpart of the original birq's
// show_statistics.
func dumpStatistics(logger *slog.Logger, st *State) {
	for _, c := range st.CPUs {
		logger.Debug("cpu statistics",
			"cpu", c.Id, "load", c.Load, "irqs", len(c.IRQs))
	}
	for _, i := range st.Registry.All() {
		if i.Intr == 0 {
			continue
		}
		logger.Debug("irq statistics",
			"irq", i.Num, "intr", i.Intr, "cpu", cpuID(i.CPU),
			"local", i.LocalCpus.DisplayString(), "desc", i.Desc)
	}
}

func cpuID(c *irq.CPU) any {
	if c == nil {
		return nil
	}
	return c.Id
}

// Loop repeatedly runs Iteration, sleeping the returned interval between
// runs, until ctx is canceled.
type Loop struct {
	Clock Clock
}

// Run drives the loop. maxIterations bounds the run for tests (0 means
// unbounded, i.e. run until ctx is canceled).
func (l Loop) Run(ctx context.Context, cfg Config, st *State, maxIterations int) error {
	clock := l.Clock
	if clock == nil {
		clock = RealClock{}
	}
	for n := 0; maxIterations <= 0 || n < maxIterations; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		interval, err := Iteration(cfg, st)
		if err != nil {
			logger := cfg.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("iteration failed", "error", err)
		}
		clock.Sleep(interval)
	}
	return nil
}
