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

// Package discovery finds the interrupts birq should consider for
// rebalancing, in the same two stages as the original birq's irq_parse.c:
// first a pass over /proc/interrupts to learn which IRQ numbers currently
// exist (and their type/description text), then, only when new IRQs were
// found, a pass over the PCI sysfs tree to narrow each device's local_cpus
// hint.
package discovery

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/thediveo/faf"

	"github.com/semverchenko/birq/pkg/cpumask"
	"github.com/semverchenko/birq/pkg/irq"
	"github.com/semverchenko/birq/pkg/procscan"
)

// ParseInterrupts reads /proc/interrupts-formatted text from r, creating or
// refreshing Irq entries in registry. Every line begins with a numeric IRQ
// number followed by a colon; lines that don't (architecture-specific
// aggregate lines such as "NMI:" or "ERR:") are skipped, matching
// irq_list_populate's strtoul-fails-so-skip behavior.
//
// For every non-blacklisted interrupt seen, the kernel's currently
// effective mask is read from <root>/proc/irq/<n>/smp_affinity. An Irq
// first seen in this pass, or one whose kernel mask spans more than one
// CPU, counts as "new": its LocalCpus hint and Affinity are reset to
// all-CPUs and it is returned for the balancer to place this iteration. A
// single-CPU kernel mask is kept as-is, becoming the authoritative owner
// the statistics relink pass accounts the Irq to.
//
// After the whole stream has been read, any Irq not seen in this pass is
// removed from the registry (the same "refresh" sweep irq_list_populate
// performs at the end of scanning).
func ParseInterrupts(root string, r io.Reader, registry *irq.Registry) (newIrqs []*irq.Irq, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	firstLine := true
	for sc.Scan() {
		line := sc.Bytes()
		if firstLine {
			// the CPU header line; birq doesn't need the column count, it
			// only cares about per-IRQ counters and the IRQ number itself.
			firstLine = false
			continue
		}
		s := procscan.New(line)
		s.SkipSpace()
		num, ok := s.Uint64()
		if !ok {
			continue // architecture-specific line, e.g. "NMI:", "ERR:"
		}
		if !s.SkipText(":") {
			continue
		}
		for {
			if s.SkipSpace() {
				break
			}
			if _, ok := s.Uint64(); !ok {
				break
			}
		}
		s.SkipSpace()
		typ, _ := s.Field()
		// the description starts at the next alphabetic character: leading
		// digits, dashes and blanks are dropped, so a trigger-type column
		// like "2-edge" contributes "edge" to the description.
		desc := s.Rest()
		for len(desc) > 0 && !isAlpha(desc[0]) {
			desc = desc[1:]
		}

		i, isNew := registry.GetOrCreate(uint(num))
		if i.Blacklisted {
			continue
		}
		i.Type = string(typ)
		i.Desc = string(desc)

		wide := false
		if buf, ok := faf.ReadFile(root+procIrqPath+itoa(uint(num))+smpAffinityNode, nil); ok {
			if mask, err := cpumask.Parse(string(bytes.TrimRight(buf, "\n")), cpumask.NR_CPUS); err == nil {
				i.Affinity = mask
				wide = mask.Weight() > 1
			}
		}
		if isNew || wide {
			// the device's affinity hint starts out as all-CPUs; a later
			// sysfs pass (or a proximity table match) narrows it.
			i.LocalCpus = cpumask.New(cpumask.NR_CPUS)
			i.LocalCpus.SetAll()
			i.Affinity = i.LocalCpus.Clone()
			newIrqs = append(newIrqs, i)
		}
	}
	if err := sc.Err(); err != nil {
		return newIrqs, fmt.Errorf("discovery: reading interrupts: %w", err)
	}
	registry.Sweep()
	return newIrqs, nil
}

func isAlpha(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

const procIrqPath = "/proc/irq/"
const smpAffinityNode = "/smp_affinity"

func itoa(n uint) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
