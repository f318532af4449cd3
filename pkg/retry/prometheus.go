// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package retry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports executor outcomes as Prometheus metrics. It is
// optional; the executor's in-memory metrics log works without it.
type MetricsCollector struct {
	attemptsTotal     *prometheus.CounterVec
	successTotal      *prometheus.CounterVec
	failureTotal      *prometheus.CounterVec
	rejectedTotal     *prometheus.CounterVec
	inflightGauge     prometheus.Gauge
	durationHistogram *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates and registers the collector's metrics on the
// given registry (a fresh registry when nil).
func NewMetricsCollector(namespace, subsystem string, registry *prometheus.Registry) (*MetricsCollector, error) {
	if namespace == "" {
		namespace = "resilience"
	}
	if subsystem == "" {
		subsystem = "retry"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &MetricsCollector{registry: registry}

	c.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attempts_total",
			Help:      "Total number of operation attempts",
		},
		[]string{"policy", "attempt"},
	)

	c.successTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "success_total",
			Help:      "Total number of successful executions",
		},
		[]string{"policy", "attempts"},
	)

	c.failureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failure_total",
			Help:      "Total number of failed executions",
		},
		[]string{"policy"},
	)

	c.rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejected_total",
			Help:      "Total number of executions rejected at admission",
		},
		[]string{"reason"},
	)

	c.inflightGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "executions_inflight",
			Help:      "Number of retry executions currently in flight",
		},
	)

	c.durationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Duration of retry executions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{
		c.attemptsTotal,
		c.successTotal,
		c.failureTotal,
		c.rejectedTotal,
		c.inflightGauge,
		c.durationHistogram,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return c, nil
}

// RecordStart marks a session entering flight.
func (c *MetricsCollector) RecordStart(policy string) {
	c.inflightGauge.Inc()
}

// RecordAttempt records one operation attempt.
func (c *MetricsCollector) RecordAttempt(policy string, attempt int) {
	c.attemptsTotal.WithLabelValues(policy, attemptLabel(attempt)).Inc()
}

// RecordFinish records a terminal execution outcome.
func (c *MetricsCollector) RecordFinish(policy string, success bool, attempts int, duration time.Duration) {
	c.inflightGauge.Dec()
	if success {
		c.successTotal.WithLabelValues(policy, attemptLabel(attempts)).Inc()
		c.durationHistogram.WithLabelValues("success").Observe(duration.Seconds())
		return
	}
	c.failureTotal.WithLabelValues(policy).Inc()
	c.durationHistogram.WithLabelValues("failure").Observe(duration.Seconds())
}

// RecordRejected records an execution refused at admission.
func (c *MetricsCollector) RecordRejected(reason string) {
	c.rejectedTotal.WithLabelValues(reason).Inc()
}

// Registry returns the Prometheus registry holding the collector's metrics.
func (c *MetricsCollector) Registry() *prometheus.Registry {
	return c.registry
}

func attemptLabel(attempt int) string {
	if attempt > 5 {
		return "5+"
	}
	return fmt.Sprintf("%d", attempt)
}
