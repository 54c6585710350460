// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package que

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeError   = "error"
	outcomeMissing = "missing"
)

// metrics are the Prometheus collectors of a single Locker.
type metrics struct {
	polled       prometheus.Counter
	worked       *prometheus.CounterVec
	pollDuration prometheus.Histogram
	locked       prometheus.Gauge
	buffered     prometheus.Gauge
	working      prometheus.Gauge
}

func newMetrics(lockerID string) *metrics {
	labels := prometheus.Labels{"locker_id": lockerID}
	return &metrics{
		polled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "que",
			Name:        "jobs_polled_total",
			Help:        "Number of jobs locked by polling.",
			ConstLabels: labels,
		}),
		worked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "que",
			Name:        "jobs_worked_total",
			Help:        "Number of job runs by class and outcome.",
			ConstLabels: labels,
		}, []string{"job_class", "outcome"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "que",
			Name:        "poll_duration_seconds",
			Help:        "Time spent polling the store for jobs.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		locked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "que",
			Name:        "locked_jobs",
			Help:        "Number of job locks currently held.",
			ConstLabels: labels,
		}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "que",
			Name:        "buffered_jobs",
			Help:        "Number of locked jobs waiting for a worker.",
			ConstLabels: labels,
		}),
		working: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "que",
			Name:        "working_jobs",
			Help:        "Number of jobs currently executing.",
			ConstLabels: labels,
		}),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.polled, m.worked, m.pollDuration, m.locked, m.buffered, m.working}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}
