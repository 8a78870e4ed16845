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

package balancer

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/semverchenko/birq/pkg/cpumask"
	"github.com/semverchenko/birq/pkg/irq"
)

// AffinityVerifier optionally reads back the affinity just written for irq
// and reports whether it matches want. Left nil by default: write-error
// detection alone is the primary blacklist trigger, matching
// irq_set_affinity in balance.c; a read-back check is an accepted
// alternative per birq's own "both acceptable" framing of this behavior,
// wired in here as an injectable hook rather than hard-coded.
type AffinityVerifier func(root string, irqNum uint, want *cpumask.CpuMask) (bool, error)

const procIrqPath = "/proc/irq/"
const smpAffinityNode = "/smp_affinity"

// ApplyAffinity writes each migration's new affinity mask to
// <root>/proc/irq/<n>/smp_affinity, opened O_WRONLY|O_SYNC to mirror
// irq_set_affinity's synchronous write contract. A write error -- or, if
// verify is non-nil, a failed read-back -- permanently blacklists the IRQ:
// it is unassigned from its CPU and marked Blacklisted so later balancer
// passes never consider it again.
func ApplyAffinity(root string, migrations []Migration, verify AffinityVerifier) error {
	for _, m := range migrations {
		path := root + procIrqPath + fmt.Sprintf("%d", m.Irq.Num) + smpAffinityNode
		if err := writeAffinity(path, m.Irq.Affinity); err != nil {
			blacklist(m.Irq)
			continue
		}
		if verify != nil {
			ok, err := verify(root, m.Irq.Num, m.Irq.Affinity)
			if err != nil || !ok {
				blacklist(m.Irq)
			}
		}
	}
	return nil
}

func blacklist(i *irq.Irq) {
	i.Blacklisted = true
	if i.CPU != nil {
		i.CPU.Unassign(i)
	}
}

func writeAffinity(path string, mask *cpumask.CpuMask) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_SYNC|unix.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	_, err = unix.Write(fd, []byte(mask.String()))
	return err
}
