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

// Package stats samples /proc/stat to compute per-CPU IRQ load and
// per-IRQ interrupt-count deltas, and relinks IRQs to the single CPU each
// currently has exclusive affinity to. This is a direct rendition of the
// original birq's statistics.c.
package stats

import (
	"bufio"
	"io"

	"github.com/semverchenko/birq/pkg/irq"
	"github.com/semverchenko/birq/pkg/procscan"
)

// LinkIRQsToCPUs clears every CPU's IRQs list and every Irq's CPU link, then
// rebuilds them from scratch: an Irq is linked to a CPU only if it is not blacklisted and its Affinity
// mask currently names exactly one CPU. IRQs spread across more than one CPU,
// or not yet narrowed to any CPU, are left unlinked -- they become
// candidates for the balancer to narrow down on a later pass, matching
// link_irqs_to_cpus's "cpus_weight(affinity) > 1 -> skip" rule.
func LinkIRQsToCPUs(cpus []*irq.CPU, registry *irq.Registry) {
	byID := make(map[uint]*irq.CPU, len(cpus))
	for _, c := range cpus {
		c.Clear()
		byID[c.Id] = c
	}
	for _, i := range registry.All() {
		i.CPU = nil
		if i.Blacklisted {
			continue
		}
		cpuNum, ok := i.Affinity.Single()
		if !ok {
			continue
		}
		cpu, ok := byID[cpuNum]
		if !ok {
			continue
		}
		cpu.Assign(i)
	}
}

// cpuJiffies holds the raw /proc/stat "cpuN" columns this package needs.
type cpuJiffies struct {
	user, nice, system, idle, iowait, irqJ, softirq, steal, guest, guestNice uint64
}

func (j cpuJiffies) all() uint64 {
	return j.user + j.nice + j.system + j.idle + j.iowait + j.irqJ + j.softirq + j.steal + j.guest + j.guestNice
}

func (j cpuJiffies) irq() uint64 {
	return j.irqJ + j.softirq
}

// Sample reads a /proc/stat-formatted snapshot from r, updating each CPU's
// Load (and Old* bookkeeping fields) and each tracked Irq's Intr (and
// OldIntr). A CPU or Irq not present in the snapshot is left untouched.
//
// Both the per-CPU load and per-IRQ interrupt count follow the same
// first-sample baselining rule as gather_statistics: when there is no prior
// sample to diff against (old_load_all == 0, or old_intr == 0 respectively),
// the computed value is 0 rather than a meaningless delta against a cold
// start.
func Sample(r io.Reader, cpus []*irq.CPU, registry *irq.Registry) error {
	byID := make(map[uint]*irq.CPU, len(cpus))
	for _, c := range cpus {
		byID[c.Id] = c
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	for sc.Scan() {
		line := sc.Bytes()
		s := procscan.New(line)
		field, ok := s.Field()
		if !ok {
			continue
		}
		switch {
		case string(field) == "intr":
			parseIntrLine(s, registry)
		case len(field) > 3 && string(field[:3]) == "cpu" && field[3] >= '0' && field[3] <= '9':
			parseCPULine(field, s, byID)
		}
	}
	return sc.Err()
}

func parseCPULine(field []byte, s *procscan.LineScanner, byID map[uint]*irq.CPU) {
	num, ok := procscan.New(field[3:]).Uint64()
	if !ok {
		return
	}
	cpu, ok := byID[uint(num)]
	if !ok {
		return
	}

	var cols [10]uint64
	for i := range cols {
		s.SkipSpace()
		v, ok := s.Uint64()
		if !ok {
			break
		}
		cols[i] = v
	}
	j := cpuJiffies{
		user: cols[0], nice: cols[1], system: cols[2], idle: cols[3], iowait: cols[4],
		irqJ: cols[5], softirq: cols[6], steal: cols[7], guest: cols[8], guestNice: cols[9],
	}

	loadAll := j.all()
	loadIrq := j.irq()
	cpu.OldLoad = cpu.Load
	if cpu.OldLoadAll == 0 {
		cpu.Load = 0
	} else {
		dAll := loadAll - cpu.OldLoadAll
		dIrq := loadIrq - cpu.OldLoadIrq
		if dAll == 0 {
			cpu.Load = 0
		} else {
			cpu.Load = float64(dIrq) * 100 / float64(dAll)
		}
	}
	cpu.OldLoadAll = loadAll
	cpu.OldLoadIrq = loadIrq
}

func parseIntrLine(s *procscan.LineScanner, registry *irq.Registry) {
	s.SkipSpace()
	if _, ok := s.Uint64(); !ok {
		return // the total-interrupts column; not attributed to any IRQ
	}
	inum := uint(0)
	for {
		if s.SkipSpace() {
			return
		}
		current, ok := s.Uint64()
		if !ok {
			return
		}
		i, found := registry.Lookup(inum)
		if found {
			if i.OldIntr == 0 {
				i.Intr = 0
			} else {
				i.Intr = current - i.OldIntr
			}
			i.OldIntr = current
		}
		inum++
	}
}
