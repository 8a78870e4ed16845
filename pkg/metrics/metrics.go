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

// Package metrics exports birq's per-iteration state as Prometheus
// metrics: per-CPU load, per-IRQ interrupt deltas, a migration counter and
// a blacklisted-IRQs gauge. birq itself has no metrics surface;
// this is the domain-stack addition grounded on how this pack's other
// daemon (kepler's cmd/exporter.go) wires a Prometheus registry and HTTP
// exporter around its own collector loop.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/semverchenko/birq/pkg/balancer"
	"github.com/semverchenko/birq/pkg/irq"
)

// Collector holds the gauges and counters birq updates once per iteration.
type Collector struct {
	registry *prometheus.Registry

	cpuLoad      *prometheus.GaugeVec
	irqIntrDelta *prometheus.GaugeVec
	migrations   prometheus.Counter
	blacklisted  prometheus.Gauge
	iterations   prometheus.Counter
}

// NewCollector builds a Collector registered against its own fresh
// registry, independent of prometheus's global default one, so multiple
// Collectors (e.g. in tests) never collide.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cpuLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "birq",
			Name:      "cpu_irq_load_percent",
			Help:      "Per-CPU share of jiffies spent servicing interrupts.",
		}, []string{"cpu"}),
		irqIntrDelta: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "birq",
			Name:      "irq_interrupts_delta",
			Help:      "Interrupt count observed since the previous sample, per IRQ.",
		}, []string{"irq"}),
		migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "birq",
			Name:      "irq_migrations_total",
			Help:      "Number of IRQ affinity migrations applied.",
		}),
		blacklisted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "birq",
			Name:      "irqs_blacklisted",
			Help:      "Number of tracked IRQs permanently excluded from balancing after a write or verification failure.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "birq",
			Name:      "iterations_total",
			Help:      "Number of daemon iterations completed.",
		}),
	}
	c.registry.MustRegister(c.cpuLoad, c.irqIntrDelta, c.migrations, c.blacklisted, c.iterations)
	return c
}

// Observe records one iteration's worth of state: CPU load, IRQ interrupt
// deltas, and the number of migrations just applied.
func (c *Collector) Observe(cpus []*irq.CPU, registry *irq.Registry, migrations []balancer.Migration) {
	c.iterations.Inc()
	for _, cpu := range cpus {
		c.cpuLoad.WithLabelValues(cpuLabel(cpu.Id)).Set(cpu.Load)
	}
	blacklisted := 0
	for _, i := range registry.All() {
		c.irqIntrDelta.WithLabelValues(irqLabel(i.Num)).Set(float64(i.Intr))
		if i.Blacklisted {
			blacklisted++
		}
	}
	c.blacklisted.Set(float64(blacklisted))
	if n := len(migrations); n > 0 {
		c.migrations.Add(float64(n))
	}
}

// Handler returns the promhttp handler serving this Collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ListenAndServe starts an HTTP server exposing path (typically "/metrics")
// on addr, returning once ctx is canceled.
func ListenAndServe(ctx context.Context, addr, path string, c *Collector) error {
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func cpuLabel(id uint) string { return itoa(id) }
func irqLabel(num uint) string { return itoa(num) }

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
