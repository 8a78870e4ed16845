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

package irq_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/semverchenko/birq/pkg/irq"
	"github.com/semverchenko/birq/pkg/topology"
)

var _ = Describe("Registry", func() {

	It("creates an Irq on first sighting and reports it as new", func() {
		r := irq.NewRegistry()
		i, isNew := r.GetOrCreate(17)
		Expect(isNew).To(BeTrue())
		Expect(i.Num).To(Equal(uint(17)))
		Expect(i.LocalCpus.Full()).To(BeTrue())
		Expect(i.Affinity.Full()).To(BeTrue())
	})

	It("returns the existing Irq on a second sighting", func() {
		r := irq.NewRegistry()
		first, _ := r.GetOrCreate(17)
		second, isNew := r.GetOrCreate(17)
		Expect(isNew).To(BeFalse())
		Expect(second).To(BeIdenticalTo(first))
	})

	It("removes an Irq whose Refresh flag was never set again before Sweep", func() {
		r := irq.NewRegistry()
		r.GetOrCreate(1)
		r.GetOrCreate(2)
		r.Sweep() // clears Refresh on both, removes neither

		// only irq 1 is seen again before the next sweep
		i1, _ := r.GetOrCreate(1)
		i1.Refresh = true

		removed := r.Sweep()
		Expect(removed).To(HaveLen(1))
		Expect(removed[0].Num).To(Equal(uint(2)))
		_, ok := r.Lookup(2)
		Expect(ok).To(BeFalse())
		_, ok = r.Lookup(1)
		Expect(ok).To(BeTrue())
	})

	It("lists tracked Irqs in ascending order", func() {
		r := irq.NewRegistry()
		r.GetOrCreate(5)
		r.GetOrCreate(1)
		r.GetOrCreate(3)
		all := r.All()
		Expect(all).To(HaveLen(3))
		Expect(all[0].Num).To(Equal(uint(1)))
		Expect(all[1].Num).To(Equal(uint(3)))
		Expect(all[2].Num).To(Equal(uint(5)))
	})
})

var _ = Describe("CPU assignment", func() {
	It("maintains the at-most-one-CPU invariant when reassigned", func() {
		c1 := irq.NewCPU(topology.CPU{Id: 0})
		c2 := irq.NewCPU(topology.CPU{Id: 1})
		r := irq.NewRegistry()
		i, _ := r.GetOrCreate(9)

		c1.Assign(i)
		Expect(i.CPU).To(BeIdenticalTo(c1))
		Expect(c1.IRQs).To(HaveLen(1))

		c2.Assign(i)
		Expect(i.CPU).To(BeIdenticalTo(c2))
		Expect(c1.IRQs).To(BeEmpty())
		Expect(c2.IRQs).To(HaveLen(1))
	})

	It("empties the CPU's list on Clear", func() {
		c1 := irq.NewCPU(topology.CPU{Id: 0})
		r := irq.NewRegistry()
		i, _ := r.GetOrCreate(9)
		c1.Assign(i)
		c1.Clear()
		Expect(c1.IRQs).To(BeEmpty())
	})
})
