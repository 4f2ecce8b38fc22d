/*
Copyright The CodeBroker Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package pool

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus gauges of the executor pool. All metrics
// use the codebroker_pool_ namespace.
type Metrics struct {
	ReadyWorkers        prometheus.Gauge
	ProvisioningWorkers prometheus.Gauge
	AssignedWorkers     prometheus.Gauge
	Waiters             prometheus.Gauge
	AcquisitionsTotal   *prometheus.CounterVec
	WorkersCreatedTotal prometheus.Counter
	WorkersGoneTotal    prometheus.Counter
}

// NewMetrics creates and registers pool metrics on the given registry.
// Returns nil if reg is nil; a nil *Metrics is safe to use.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		ReadyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebroker",
			Subsystem: "pool",
			Name:      "ready_workers",
			Help:      "Workers ready for immediate assignment.",
		}),
		ProvisioningWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebroker",
			Subsystem: "pool",
			Name:      "provisioning_workers",
			Help:      "Workers submitted but not yet ready.",
		}),
		AssignedWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebroker",
			Subsystem: "pool",
			Name:      "assigned_workers",
			Help:      "Workers currently serving a request.",
		}),
		Waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebroker",
			Subsystem: "pool",
			Name:      "waiters",
			Help:      "Acquire calls queued for a ready worker.",
		}),
		AcquisitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codebroker",
			Subsystem: "pool",
			Name:      "acquisitions_total",
			Help:      "Acquire outcomes.",
		}, []string{"outcome"}),
		WorkersCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codebroker",
			Subsystem: "pool",
			Name:      "workers_created_total",
			Help:      "Worker pods submitted to the orchestrator.",
		}),
		WorkersGoneTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codebroker",
			Subsystem: "pool",
			Name:      "workers_gone_total",
			Help:      "Workers observed terminated.",
		}),
	}
	reg.MustRegister(
		m.ReadyWorkers, m.ProvisioningWorkers, m.AssignedWorkers, m.Waiters,
		m.AcquisitionsTotal, m.WorkersCreatedTotal, m.WorkersGoneTotal,
	)
	return m
}

func (m *Metrics) setGauges(ready, provisioning, assigned, waiters int) {
	if m == nil {
		return
	}
	m.ReadyWorkers.Set(float64(ready))
	m.ProvisioningWorkers.Set(float64(provisioning))
	m.AssignedWorkers.Set(float64(assigned))
	m.Waiters.Set(float64(waiters))
}

func (m *Metrics) countAcquisition(outcome string) {
	if m == nil {
		return
	}
	m.AcquisitionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) countCreated() {
	if m == nil {
		return
	}
	m.WorkersCreatedTotal.Inc()
}

func (m *Metrics) countGone() {
	if m == nil {
		return
	}
	m.WorkersGoneTotal.Inc()
}
