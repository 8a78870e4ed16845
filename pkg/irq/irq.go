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

// Package irq holds the mutable IRQ and CPU registry birq rebalances every
// iteration: the IRQ registry is the sole owner of *Irq records, and CPUs
// hold only non-owning references into it. Every iteration relinks CPUs to
// IRQs from scratch (a full clear-then-rebuild), so there is never a
// back-reference cycle to break by hand, unlike the doubly-linked lub_list
// structures in the original birq's balance.c/statistics.c.
package irq

import (
	"sort"

	"github.com/semverchenko/birq/pkg/cpumask"
	"github.com/semverchenko/birq/pkg/topology"
)

// Irq is one interrupt line tracked across iterations.
type Irq struct {
	Num  uint
	Type string
	Desc string

	// LocalCpus is the device's natural affinity hint, from /proc/interrupts
	// discovery (reset to all-CPUs when the Irq is first seen or its kernel
	// mask spans more than one CPU) or narrowed by a PCI sysfs local_cpus
	// read or a proximity table match.
	LocalCpus *cpumask.CpuMask

	// Affinity is the mask currently believed to be in effect (or pending a
	// write), i.e. irq->affinity in the C sources.
	Affinity *cpumask.CpuMask

	// CPU is the single CPU this IRQ is currently linked to, or nil if
	// unlinked (e.g. before the first link pass, or spread across more than
	// one CPU so linking intentionally leaves it alone). This is a
	// non-owning reference; the Registry owns the Irq itself.
	CPU *CPU

	Intr    uint64
	OldIntr uint64

	// Weight implements the cooldown/warmup scheme: set to 1 when the IRQ
	// is chosen to move, decremented (floored at 0) on every subsequent
	// visit that does not re-select it.
	Weight int

	// Refresh is set whenever this IRQ is seen in the current discovery
	// pass; a registry Sweep removes any Irq left with Refresh still false.
	Refresh bool

	Blacklisted bool
}

// CPU extends topology.CPU with the list of IRQs currently linked to it.
// IRQs is a non-owning view: every *Irq it holds is owned by a Registry.
type CPU struct {
	topology.CPU
	IRQs []*Irq
}

// NewCPU wraps a discovered topology.CPU for use in the registry.
func NewCPU(tc topology.CPU) *CPU {
	return &CPU{CPU: tc}
}

// Assign links irq to cpu, unassigning it from any previous CPU first. It
// maintains the invariant that an Irq appears in at most one CPU's IRQs
// slice.
func (c *CPU) Assign(i *Irq) {
	if i.CPU != nil {
		i.CPU.Unassign(i)
	}
	i.CPU = c
	c.IRQs = append(c.IRQs, i)
}

// Unassign removes irq from this CPU's IRQs slice, if present.
func (c *CPU) Unassign(i *Irq) {
	for idx, existing := range c.IRQs {
		if existing == i {
			c.IRQs = append(c.IRQs[:idx], c.IRQs[idx+1:]...)
			break
		}
	}
	if i.CPU == c {
		i.CPU = nil
	}
}

// Clear empties this CPU's IRQs slice without touching the Irq.CPU back
// references -- used by stats.LinkIRQsToCPUs, which clears every CPU first,
// resets every Irq.CPU itself and then re-assigns from scratch.
func (c *CPU) Clear() {
	c.IRQs = c.IRQs[:0]
}

// Registry is the sole owner of every tracked *Irq.
type Registry struct {
	irqs map[uint]*Irq
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{irqs: make(map[uint]*Irq)}
}

// Lookup returns the Irq for num, if tracked.
func (r *Registry) Lookup(num uint) (*Irq, bool) {
	i, ok := r.irqs[num]
	return i, ok
}

// GetOrCreate returns the existing Irq for num, or creates and registers a
// new one with LocalCpus/Affinity defaulted to all-CPUs (cpus_setall, per
// irq_new/irq_list_populate). The bool result reports whether a new Irq was
// created.
func (r *Registry) GetOrCreate(num uint) (*Irq, bool) {
	if i, ok := r.irqs[num]; ok {
		i.Refresh = true
		return i, false
	}
	all := cpumask.New(cpumask.NR_CPUS)
	all.SetAll()
	i := &Irq{
		Num:       num,
		LocalCpus: all,
		Affinity:  all.Clone(),
		Refresh:   true,
	}
	r.irqs[num] = i
	return i, true
}

// Sweep removes every Irq whose Refresh flag is still false (meaning it was
// not seen in the most recent discovery pass) and resets Refresh to false on
// every surviving Irq for the next pass. It returns the removed Irqs.
func (r *Registry) Sweep() []*Irq {
	var removed []*Irq
	for num, i := range r.irqs {
		if !i.Refresh {
			removed = append(removed, i)
			if i.CPU != nil {
				i.CPU.Unassign(i)
			}
			delete(r.irqs, num)
			continue
		}
		i.Refresh = false
	}
	return removed
}

// All returns every tracked Irq ordered by ascending IRQ number.
func (r *Registry) All() []*Irq {
	out := make([]*Irq, 0, len(r.irqs))
	for _, i := range r.irqs {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Num < out[b].Num })
	return out
}

// Len reports the number of tracked Irqs.
func (r *Registry) Len() int { return len(r.irqs) }
