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

// Package topology discovers the CPU and NUMA node layout of the running
// system from the sysfs/procfs pseudo-filesystems, the way the original
// birq's cpu.c and numa.c do.
//
// Every entry point takes a root parameter so tests can point discovery at a
// fake tree built under t.TempDir(), the same test seam
// github.com/thediveo/irks gives its own sysfs/procfs readers.
package topology

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/semverchenko/birq/pkg/cpumask"
)

// CPU describes one logical processor as discovered from sysfs.
type CPU struct {
	Id        uint
	PackageId uint
	CoreId    uint
	Cpumask   *cpumask.CpuMask // single bit: this CPU's own number

	// Load fields are populated later by pkg/stats; topology only
	// establishes identity and cpumask.
	Load       float64
	OldLoad    float64
	OldLoadAll uint64
	OldLoadIrq uint64
}

// Numa describes one NUMA node and the CPUs local to it.
type Numa struct {
	Id     uint
	Cpumap *cpumask.CpuMask
}

const sysfsCPUPath = "/sys/devices/system/cpu"
const sysfsNodePath = "/sys/devices/system/node"

// DiscoverCPUs probes <root>/sys/devices/system/cpu/cpuN in order starting
// from 0 until the first missing directory, reading each CPU's package id,
// core id and thread siblings mask. When ht is false, a CPU sharing
// (package id, core id) with an already-registered CPU is skipped, unless
// its thread_siblings mask has weight < 2 -- matching cpu_list_search_ht's
// AMD caveat that a weight-1 thread_siblings mask does not indicate real
// Hyper-Threading.
func DiscoverCPUs(root string, ht bool) ([]CPU, error) {
	var cpus []CPU
	for id := uint(0); ; id++ {
		cpuDir := filepath.Join(root, sysfsCPUPath, fmt.Sprintf("cpu%d", id))
		if _, err := os.Stat(cpuDir); err != nil {
			break
		}

		packageId, err := readUintFile(filepath.Join(cpuDir, "topology", "physical_package_id"))
		if err != nil {
			continue
		}
		coreId, err := readUintFile(filepath.Join(cpuDir, "topology", "core_id"))
		if err != nil {
			continue
		}

		siblings := cpumask.New(cpumask.NR_CPUS)
		siblings.Set(id)
		if data, err := os.ReadFile(filepath.Join(cpuDir, "topology", "thread_siblings")); err == nil {
			if parsed, perr := cpumask.Parse(firstLine(data), cpumask.NR_CPUS); perr == nil {
				siblings = parsed
			}
		}

		if !ht && findHTSibling(cpus, packageId, coreId, siblings) != nil {
			continue
		}

		own := cpumask.New(cpumask.NR_CPUS)
		own.Set(id)
		cpus = append(cpus, CPU{
			Id:        id,
			PackageId: packageId,
			CoreId:    coreId,
			Cpumask:   own,
		})
	}
	return cpus, nil
}

// findHTSibling mirrors cpu_list_search_ht: a thread_siblings mask with
// weight below 2 never counts as Hyper-Threading, even if the package/core
// pair matches an existing CPU.
func findHTSibling(cpus []CPU, packageId, coreId uint, threadSiblings *cpumask.CpuMask) *CPU {
	if threadSiblings.Weight() < 2 {
		return nil
	}
	for i := range cpus {
		if cpus[i].PackageId == packageId && cpus[i].CoreId == coreId {
			return &cpus[i]
		}
	}
	return nil
}

// DiscoverNUMA probes <root>/sys/devices/system/node/nodeN in order from 0
// until the first missing directory, narrowing each node's cpumap by
// intersecting it with the literal file contents (the node's cpumap
// defaults to the all-set mask, then is ANDed down, matching scan_numas).
func DiscoverNUMA(root string) ([]Numa, error) {
	var numas []Numa
	for id := uint(0); ; id++ {
		nodeDir := filepath.Join(root, sysfsNodePath, fmt.Sprintf("node%d", id))
		if _, err := os.Stat(nodeDir); err != nil {
			break
		}

		full := cpumask.New(cpumask.NR_CPUS)
		full.SetAll()
		n := Numa{Id: id, Cpumap: full}

		data, err := os.ReadFile(filepath.Join(nodeDir, "cpumap"))
		if err == nil {
			if parsed, perr := cpumask.Parse(firstLine(data), cpumask.NR_CPUS); perr == nil {
				n.Cpumap.And(n.Cpumap, parsed)
			}
		}
		numas = append(numas, n)
	}
	return numas, nil
}

func readUintFile(path string) (uint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var v uint
	if _, err := fmt.Sscanf(firstLine(data), "%d", &v); err != nil {
		return 0, err
	}
	return v, nil
}

func firstLine(data []byte) string {
	if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
		data = data[:idx]
	}
	return strings.TrimSpace(string(data))
}
