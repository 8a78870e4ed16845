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

package procscan_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/semverchenko/birq/pkg/procscan"
)

var _ = Describe("LineScanner", func() {

	It("parses a leading IRQ number followed by per-CPU counters", func() {
		s := procscan.New([]byte(" 16:         51          0   IO-APIC   2-edge      ehci_hcd"))
		Expect(s.SkipSpace()).To(BeFalse())
		num, ok := s.Uint64()
		Expect(ok).To(BeTrue())
		Expect(num).To(Equal(uint64(16)))
		Expect(s.SkipText(":")).To(BeTrue())

		var counters []uint64
		for {
			if s.SkipSpace() {
				break
			}
			n, ok := s.Uint64()
			if !ok {
				break
			}
			counters = append(counters, n)
		}
		Expect(counters).To(Equal([]uint64{51, 0}))

		s.SkipSpace()
		typ, ok := s.Field()
		Expect(ok).To(BeTrue())
		Expect(string(typ)).To(Equal("IO-APIC"))

		s.SkipSpace()
		Expect(string(s.Rest())).To(Equal("2-edge      ehci_hcd"))
	})

	It("reports EOL and NumFields correctly", func() {
		s := procscan.New([]byte("a b  c"))
		Expect(s.EOL()).To(BeFalse())
		Expect(s.NumFields()).To(Equal(3))
	})

	It("treats tabs as field separators too", func() {
		s := procscan.New([]byte("0000:01:00.0\tcpumask\t00000003"))
		addr, ok := s.Field()
		Expect(ok).To(BeTrue())
		Expect(string(addr)).To(Equal("0000:01:00.0"))
		Expect(s.SkipSpace()).To(BeFalse())
		cmd, _ := s.Field()
		Expect(string(cmd)).To(Equal("cpumask"))
	})

	It("returns false from Uint64 when no digit is present", func() {
		s := procscan.New([]byte("abc"))
		_, ok := s.Uint64()
		Expect(ok).To(BeFalse())
	})
})
