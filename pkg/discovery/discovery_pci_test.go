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

package discovery_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/semverchenko/birq/pkg/discovery"
	"github.com/semverchenko/birq/pkg/irq"
)

func writePCIDevice(root, addr, localCpus string) string {
	dir := filepath.Join(root, "sys", "bus", "pci", "devices", addr)
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "local_cpus"), []byte(localCpus+"\n"), 0o644)).To(Succeed())
	return dir
}

var _ = Describe("ScanPCISysfs", func() {

	It("narrows an MSI-capable device's vectors using its shared local_cpus", func() {
		root := GinkgoT().TempDir()
		dir := writePCIDevice(root, "0000:01:00.0", "00000003")
		Expect(os.MkdirAll(filepath.Join(dir, "msi_irqs"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "msi_irqs", "33"), nil, 0o644)).To(Succeed())

		r := irq.NewRegistry()
		i, _ := r.GetOrCreate(33)
		i.LocalCpus.SetAll()

		Successful2(discovery.ScanPCISysfs(root, r, nil))

		i, _ = r.Lookup(33)
		Expect(i.LocalCpus.Test(0)).To(BeTrue())
		Expect(i.LocalCpus.Test(1)).To(BeTrue())
		Expect(i.LocalCpus.Test(2)).To(BeFalse())
	})

	It("narrows a legacy INTx device via its single irq file", func() {
		root := GinkgoT().TempDir()
		dir := writePCIDevice(root, "0000:02:00.0", "0000000c")
		Expect(os.WriteFile(filepath.Join(dir, "irq"), []byte("44\n"), 0o644)).To(Succeed())

		r := irq.NewRegistry()
		i, _ := r.GetOrCreate(44)
		i.LocalCpus.SetAll()

		Successful2(discovery.ScanPCISysfs(root, r, nil))

		i, _ = r.Lookup(44)
		Expect(i.LocalCpus.Test(2)).To(BeTrue())
		Expect(i.LocalCpus.Test(3)).To(BeTrue())
		Expect(i.LocalCpus.Test(0)).To(BeFalse())
	})

	It("skips a legacy device whose irq file reads 0 (no interrupt assigned)", func() {
		root := GinkgoT().TempDir()
		dir := writePCIDevice(root, "0000:03:00.0", "00000001")
		Expect(os.WriteFile(filepath.Join(dir, "irq"), []byte("0\n"), 0o644)).To(Succeed())

		r := irq.NewRegistry()
		Successful2(discovery.ScanPCISysfs(root, r, nil))
		Expect(r.Len()).To(Equal(0))
	})
})

// Successful2 adapts a single-error-returning call for use with the
// Successful helper's calling convention in tests that only care about the
// error.
func Successful2(err error) {
	Expect(err).NotTo(HaveOccurred())
}
