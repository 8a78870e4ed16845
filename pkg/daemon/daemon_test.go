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

package daemon_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	. "github.com/thediveo/success"

	"github.com/semverchenko/birq/pkg/balancer"
	"github.com/semverchenko/birq/pkg/daemon"
	"github.com/semverchenko/birq/pkg/irq"
)

type fakeClock struct {
	slept []time.Duration
}

func (f *fakeClock) Sleep(d time.Duration) { f.slept = append(f.slept, d) }

func writeCPUTopology(root string, id, pkg, core uint) {
	dir := filepath.Join(root, "sys", "devices", "system", "cpu", fmt.Sprintf("cpu%d", id), "topology")
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "physical_package_id"), []byte(fmt.Sprintf("%d\n", pkg)), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "core_id"), []byte(fmt.Sprintf("%d\n", core)), 0o644)).To(Succeed())
}

func writeProcFile(root, name, content string) {
	dir := filepath.Join(root, "proc")
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644)).To(Succeed())
}

type fakeObserver struct {
	calls      int
	migrations []balancer.Migration
}

func (f *fakeObserver) Observe(cpus []*irq.CPU, registry *irq.Registry, migrations []balancer.Migration) {
	f.calls++
	f.migrations = migrations
}

var _ = Describe("Iteration", func() {

	It("notifies the configured Metrics observer once per iteration", func() {
		root := GinkgoT().TempDir()
		writeCPUTopology(root, 0, 0, 0)
		writeProcFile(root, "interrupts", "           CPU0\n")
		writeProcFile(root, "stat", "cpu  0 0 0 0 0 0 0 0 0 0\n"+
			"cpu0 0 0 0 0 0 0 0 0 0 0\n"+
			"intr 0\n")

		obs := &fakeObserver{}
		cfg := daemon.Config{
			Root:          root,
			ShortInterval: time.Second,
			LongInterval:  time.Minute,
			Metrics:       obs,
		}
		st := Successful(daemon.NewState(cfg))
		Successful(daemon.Iteration(cfg, st))
		Expect(obs.calls).To(Equal(1))
	})

	It("returns the short interval when new IRQs are discovered", func() {
		root := GinkgoT().TempDir()
		writeCPUTopology(root, 0, 0, 0)
		writeCPUTopology(root, 1, 0, 1)
		writeProcFile(root, "interrupts", "           CPU0       CPU1\n"+
			"  16:         51          0   IO-APIC   2-edge      ehci_hcd\n")
		writeProcFile(root, "stat", "cpu  0 0 0 0 0 0 0 0 0 0\n"+
			"cpu0 0 0 0 0 0 0 0 0 0 0\n"+
			"cpu1 0 0 0 0 0 0 0 0 0 0\n"+
			"intr 0 0\n")

		cfg := daemon.Config{
			Root:            root,
			ShortInterval:   time.Second,
			LongInterval:    time.Minute,
			BalancerOptions: balancer.Options{Threshold: 50},
		}
		st := Successful(daemon.NewState(cfg))

		interval := Successful(daemon.Iteration(cfg, st))
		Expect(interval).To(Equal(time.Second))
	})

	It("returns the long interval once discovery is quiescent", func() {
		root := GinkgoT().TempDir()
		writeCPUTopology(root, 0, 0, 0)
		writeProcFile(root, "interrupts", "           CPU0\n")
		writeProcFile(root, "stat", "cpu  0 0 0 0 0 0 0 0 0 0\n"+
			"cpu0 0 0 0 0 0 0 0 0 0 0\n"+
			"intr 0\n")

		cfg := daemon.Config{
			Root:          root,
			ShortInterval: time.Second,
			LongInterval:  time.Minute,
		}
		st := Successful(daemon.NewState(cfg))
		interval := Successful(daemon.Iteration(cfg, st))
		Expect(interval).To(Equal(time.Minute))
	})

	It("runs a bounded loop, sleeping the interval Iteration returns each time", func() {
		root := GinkgoT().TempDir()
		writeCPUTopology(root, 0, 0, 0)
		writeProcFile(root, "interrupts", "           CPU0\n")
		writeProcFile(root, "stat", "cpu  0 0 0 0 0 0 0 0 0 0\n"+
			"cpu0 0 0 0 0 0 0 0 0 0 0\n"+
			"intr 0\n")

		cfg := daemon.Config{
			Root:          root,
			ShortInterval: time.Second,
			LongInterval:  time.Minute,
		}
		st := Successful(daemon.NewState(cfg))
		clock := &fakeClock{}
		loop := daemon.Loop{Clock: clock}
		Expect(loop.Run(context.Background(), cfg, st, 3)).To(Succeed())
		Expect(clock.slept).To(HaveLen(3))
	})
})
