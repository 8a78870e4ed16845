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

// Package proximity implements birq's PCI-address-to-CPU-mask proximity
// table: an optional configuration file mapping PCI device address prefixes
// to either an explicit cpumask or a NUMA node, letting an operator override
// the local_cpus sysfs hint birq would otherwise discover on its own.
//
// This is a direct Go rendition of the original birq's pxm.c.
package proximity

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/semverchenko/birq/pkg/cpumask"
	"github.com/semverchenko/birq/pkg/procscan"
	"github.com/semverchenko/birq/pkg/topology"
)

// Entry is one line of a parsed proximity configuration file.
type Entry struct {
	Addr string
	Mask *cpumask.CpuMask
}

// Table holds every parsed proximity entry, in file order.
type Table struct {
	entries []Entry
}

// Add appends an entry. Order matters only in that later identical-length
// addr prefixes lose ties to earlier ones, matching pxm_search's first-match
// behavior among equal-length candidates.
func (t *Table) Add(e Entry) {
	t.entries = append(t.entries, e)
}

// Entries returns every parsed entry, in file order, for verbose dumps.
func (t *Table) Entries() []Entry {
	return t.entries
}

// Search returns the cpumask for the entry whose Addr is the longest literal
// substring of addr, mirroring pxm_search's strstr-based longest-match scan.
// It returns (nil, false) if no entry's Addr occurs anywhere in addr.
func (t *Table) Search(addr string) (*cpumask.CpuMask, bool) {
	var best *Entry
	bestLen := -1
	for i := range t.entries {
		e := &t.entries[i]
		if !strings.Contains(addr, e.Addr) {
			continue
		}
		if len(e.Addr) > bestLen {
			bestLen = len(e.Addr)
			best = e
		}
	}
	if best == nil {
		return nil, false
	}
	return best.Mask, true
}

// LoadConfig reads a proximity configuration file. Each non-comment,
// non-blank line has the form:
//
//	<pci-address-prefix> cpumask <hex-chunk-mask>
//	<pci-address-prefix> node <numa-node-number>
//	<pci-address-prefix> node -1
//
// "node -1" means "all CPUs". Malformed or unrecognized lines are logged
// as warnings and skipped -- parse_pxm_config never aborts on a bad line,
// and neither does this.
func LoadConfig(path string, numas []topology.Numa, logger *slog.Logger) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := &Table{}
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if idx := bytes.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}

		ls := procscan.New(line)
		if ls.SkipSpace() {
			continue
		}
		addrField, _ := ls.Field()
		if ls.SkipSpace() {
			logger.Warn("illegal proximity config line", "line", lineNo, "path", path)
			continue
		}
		cmdField, _ := ls.Field()
		if ls.SkipSpace() {
			logger.Warn("illegal proximity config line", "line", lineNo, "path", path)
			continue
		}
		valField, _ := ls.Field()
		if !ls.SkipSpace() {
			// more than the three expected tokens
			logger.Warn("illegal proximity config line", "line", lineNo, "path", path)
			continue
		}
		addr, cmd, val := string(addrField), strings.ToLower(string(cmdField)), string(valField)

		var mask *cpumask.CpuMask
		switch cmd {
		case "cpumask":
			mask, err = cpumask.Parse(val, cpumask.NR_CPUS)
			if err != nil {
				logger.Warn("illegal proximity config line", "line", lineNo, "path", path, "error", err)
				continue
			}
		case "node":
			node, perr := strconv.Atoi(val)
			if perr != nil {
				logger.Warn("illegal proximity config line", "line", lineNo, "path", path, "error", perr)
				continue
			}
			if node < 0 {
				mask = cpumask.New(cpumask.NR_CPUS)
				mask.SetAll()
				break
			}
			found := false
			for _, n := range numas {
				if n.Id == uint(node) {
					mask = n.Cpumap.Clone()
					found = true
					break
				}
			}
			if !found {
				logger.Warn("unknown NUMA node in proximity config", "line", lineNo, "path", path, "node", node)
				continue
			}
		default:
			logger.Warn("illegal proximity config line", "line", lineNo, "path", path)
			continue
		}

		t.Add(Entry{Addr: addr, Mask: mask})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("proximity: reading %s: %w", path, err)
	}
	return t, nil
}
