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

// Package balancer implements birq's rebalancing decision (choosing which
// IRQ to move off the most overloaded CPU, and which CPU to move it to) and
// the affinity write-back that applies that decision, grounded on the
// original birq's balance.c.
package balancer

import (
	"math/rand"
	"sort"

	"github.com/semverchenko/birq/pkg/cpumask"
	"github.com/semverchenko/birq/pkg/irq"
)

// Options configures balancing behavior.
type Options struct {
	// Threshold is the per-CPU IRQ-load percentage (0-100) at or above
	// which a CPU becomes a rebalancing candidate.
	Threshold float64

	// Strategy selects which eligible IRQ to move off the most overloaded
	// CPU. Defaults to RandomStrategy, matching the original birq's default.
	Strategy Strategy

	// CrossNUMAFallback allows choose_cpu to fall back to the complement of
	// an IRQ's local_cpus mask when no CPU within that mask is under
	// threshold. The original birq has this fallback entirely commented
	// out in balance(), so it defaults to false here too.
	CrossNUMAFallback bool

	Rand *rand.Rand
}

func (o *Options) rng() *rand.Rand {
	if o.Rand != nil {
		return o.Rand
	}
	return rand.New(rand.NewSource(1))
}

func (o *Options) strategy() Strategy {
	if o.Strategy != nil {
		return o.Strategy
	}
	return RandomStrategy{}
}

// decWeight decrements the Weight of every IRQ in irqs by value, floored at
// zero, matching dec_weight in balance.c.
func decWeight(irqs []*irq.Irq, value int) {
	for _, i := range irqs {
		i.Weight -= value
		if i.Weight < 0 {
			i.Weight = 0
		}
	}
}

type cpuInfo struct {
	nonZeroIntrCount int
	minWeight        int
	zeroWeightCount  int
}

// irqListInfo mirrors irq_list_info: it tallies IRQs with non-zero interrupt
// counts and tracks the minimum weight across all of a CPU's IRQs (used to
// apply the "min_weight_on_cpu" decrement to every IRQ on a visited
// overloaded CPU).
func irqListInfo(cpu *irq.CPU) cpuInfo {
	info := cpuInfo{minWeight: -1}
	for _, i := range cpu.IRQs {
		if i.Intr != 0 {
			info.nonZeroIntrCount++
		}
		if info.minWeight == -1 || i.Weight < info.minWeight {
			info.minWeight = i.Weight
		}
		if i.Weight == 0 {
			info.zeroWeightCount++
		}
	}
	if info.minWeight == -1 {
		info.minWeight = 0
	}
	return info
}

// MostOverloadedCPU finds the CPU with the highest load at or above
// threshold, among CPUs with more than one linked IRQ and at least one IRQ
// with a non-zero interrupt count (never select a CPU holding a single IRQ,
// nor one whose IRQs are all currently silent). On success, every IRQ on
// the selected CPU has its Weight decremented by the CPU's minimum IRQ
// weight, matching most_overloaded_cpu's call to dec_weight(cpu,
// min_weight) on selection.
func MostOverloadedCPU(cpus []*irq.CPU, threshold float64) (*irq.CPU, bool) {
	var selected *irq.CPU
	maxLoad := threshold
	first := true
	for _, c := range cpus {
		if len(c.IRQs) <= 1 {
			continue
		}
		if c.Load < threshold {
			continue
		}
		if !first && c.Load <= maxLoad {
			continue
		}
		info := irqListInfo(c)
		if info.nonZeroIntrCount == 0 {
			continue
		}
		selected = c
		maxLoad = c.Load
		first = false
	}
	if selected == nil {
		return nil, false
	}
	decWeight(selected.IRQs, irqListInfo(selected).minWeight)
	return selected, true
}

// ChooseIRQsToMove picks at most one IRQ to move, from the most overloaded
// CPU's eligible candidates (non-zero interrupt count, zero weight -- i.e.
// past its cooldown). The chosen IRQ has its Weight set to 1 (entering
// cooldown) before being returned, matching choose_irqs_to_move.
func ChooseIRQsToMove(cpus []*irq.CPU, opts Options) []*irq.Irq {
	cpu, ok := MostOverloadedCPU(cpus, opts.Threshold)
	if !ok {
		return nil
	}
	var candidates []*irq.Irq
	for _, i := range cpu.IRQs {
		if i.Intr > 0 && i.Weight == 0 {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	chosen := opts.strategy().Choose(candidates, opts.rng())
	if chosen == nil {
		return nil
	}
	chosen.Weight = 1
	return []*irq.Irq{chosen}
}

// ChooseCPU picks the least loaded CPU, among those both under threshold
// and selected by mask, tie-breaking toward whichever candidate currently
// holds the fewest IRQs -- matching choose_cpu's scan plus its min_cpus
// tie-break list sorted by cpu_list_compare_len.
func ChooseCPU(cpus []*irq.CPU, mask *cpumask.CpuMask, threshold float64) (*irq.CPU, bool) {
	var candidates []*irq.CPU
	minLoad := threshold
	for _, c := range cpus {
		if !mask.Test(c.Id) {
			continue
		}
		if c.Load >= threshold {
			continue
		}
		switch {
		case len(candidates) == 0 || c.Load < minLoad:
			minLoad = c.Load
			candidates = []*irq.CPU{c}
		case c.Load == minLoad:
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return len(candidates[a].IRQs) < len(candidates[b].IRQs)
	})
	return candidates[0], true
}

// Migration describes one IRQ that Balance moved, for logging/metrics.
type Migration struct {
	Irq  *irq.Irq
	From *irq.CPU
	To   *irq.CPU
}

// Balance attempts to move every candidate IRQ to a less loaded CPU within
// its LocalCpus mask (or, if CrossNUMAFallback is set and no such CPU is
// under threshold, within the complement of that mask). Candidates for
// which no eligible CPU exists are left in place, to be retried on a later
// iteration. A successful move decrements the Weight of every remaining IRQ
// on both the source and destination CPU by 1 (floored at zero), matching
// move_irq_to_cpu's warmup decay.
func Balance(cpus []*irq.CPU, candidates []*irq.Irq, opts Options) []Migration {
	var migrations []Migration
	for _, i := range candidates {
		if i.Blacklisted {
			continue
		}
		target, ok := ChooseCPU(cpus, i.LocalCpus, opts.Threshold)
		if !ok && opts.CrossNUMAFallback {
			complement := i.LocalCpus.Clone()
			complement.Complement(i.LocalCpus)
			target, ok = ChooseCPU(cpus, complement, opts.Threshold)
		}
		if !ok {
			continue
		}
		from := i.CPU
		moveIrqToCPU(i, target)
		migrations = append(migrations, Migration{Irq: i, From: from, To: target})
	}
	return migrations
}

// moveIrqToCPU reassigns i from its current CPU (if any) to to, updating
// i.Affinity to name only the destination CPU and applying the warmup
// decay to both CPUs' remaining IRQs.
func moveIrqToCPU(i *irq.Irq, to *irq.CPU) {
	from := i.CPU
	if from != nil {
		from.Unassign(i)
		decWeight(from.IRQs, 1)
	}
	decWeight(to.IRQs, 1)
	to.Assign(i)

	affinity := cpumask.New(cpumask.NR_CPUS)
	affinity.Set(to.Id)
	i.Affinity = affinity
}
