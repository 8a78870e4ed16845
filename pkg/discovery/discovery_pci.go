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

package discovery

import (
	"sync"

	"github.com/thediveo/faf"

	"github.com/semverchenko/birq/pkg/cpumask"
	"github.com/semverchenko/birq/pkg/irq"
	"github.com/semverchenko/birq/pkg/proximity"
)

const (
	sysbusPCIDevicesPath = "/sys/bus/pci/devices/"
	msiIrqsNode          = "/msi_irqs"
	irqNode              = "/irq"
	localCpusNode        = "/local_cpus"
)

const pciWorkerCount = 16

type localCpusHint struct {
	irqNum    uint
	localCpus *cpumask.CpuMask
}

// ScanPCISysfs walks <root>/sys/bus/pci/devices/ and narrows the LocalCpus
// of every Irq tracked in registry that belongs to a PCI device, using each
// device's local_cpus sysfs attribute. This is only worth doing when a
// ParseInterrupts pass found new IRQs, mirroring scan_sysfs in the original
// birq, which runs once per irq_list_populate call, after the
// /proc/interrupts pass.
//
// A device exposing an msi_irqs/ subdirectory has one vector per entry in
// that directory, all sharing the device's own local_cpus; a device with a
// plain "irq" file has exactly one vector, found in that file, with 0
// reserved as "no interrupt assigned" and therefore skipped -- both rules
// match scan_sysfs's handling of MSI versus legacy INTx PCI interrupts.
//
// Reads fan out across pciWorkerCount goroutines, the same way
// github.com/thediveo/irks drains /sys/kernel/irq/*, because the kernel
// happily renders many small sysfs files concurrently and the PCI device
// tree can be large.
func ScanPCISysfs(root string, registry *irq.Registry, pxm *proximity.Table) error {
	namech := make(chan string, pciWorkerCount)
	hintch := make(chan localCpusHint, pciWorkerCount)
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for addr := range namech {
			devPath := root + sysbusPCIDevicesPath + addr

			var localMask *cpumask.CpuMask
			if pxm != nil {
				if m, ok := pxm.Search(addr); ok {
					localMask = m
				}
			}
			if localMask == nil {
				localCpusBuf, ok := faf.ReadFile(devPath+localCpusNode, nil)
				if !ok {
					continue
				}
				m, err := cpumask.Parse(trimNewline(localCpusBuf), cpumask.NR_CPUS)
				if err != nil {
					continue
				}
				localMask = m
			}

			msiEntries := faf.ReadDir(devPath + msiIrqsNode)
			sawMSI := false
			for entry := range msiEntries {
				sawMSI = true
				num, ok := faf.ParseUint(entry.Name)
				if !ok {
					continue
				}
				hintch <- localCpusHint{irqNum: uint(num), localCpus: localMask}
			}
			if sawMSI {
				continue
			}

			irqBuf, ok := faf.ReadFile(devPath+irqNode, nil)
			if !ok {
				continue
			}
			num, ok := faf.ParseUint(trimNewlineBytes(irqBuf))
			if !ok || num == 0 {
				continue
			}
			hintch <- localCpusHint{irqNum: uint(num), localCpus: localMask}
		}
	}

	wg.Add(pciWorkerCount)
	for i := 0; i < pciWorkerCount; i++ {
		go worker()
	}

	go func() {
		for entry := range faf.ReadDir(root + sysbusPCIDevicesPath) {
			namech <- string(entry.Name)
		}
		close(namech)
	}()

	go func() {
		wg.Wait()
		close(hintch)
	}()

	for hint := range hintch {
		i, ok := registry.Lookup(hint.irqNum)
		if !ok {
			continue
		}
		narrowed := i.LocalCpus.Clone()
		narrowed.And(narrowed, hint.localCpus)
		i.LocalCpus = narrowed
	}
	return nil
}

func trimNewline(b []byte) string {
	return string(trimNewlineBytes(b))
}

func trimNewlineBytes(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		return b[:n-1]
	}
	return b
}
