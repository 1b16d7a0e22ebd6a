// Package telemetry exposes saltpeter's prometheus metrics: a memoized
// counter/gauge registry keyed by metric name plus sorted label set, so
// callers can fetch-or-create a metric without tracking a global registry
// by hand.
package telemetry

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mu       sync.Mutex
	counters = map[string]prometheus.Counter{}
	gauges   = map[string]prometheus.Gauge{}
)

func key(metric string, labels map[string]string) string {
	k := metric
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		k += "/" + name + ":" + labels[name]
	}
	return k
}

// Counter returns a memoized prometheus counter for metric+labels,
// registering it with the default registry on first use.
func Counter(metric string, labels map[string]string) prometheus.Counter {
	k := key(metric, labels)

	mu.Lock()
	defer mu.Unlock()
	if c, ok := counters[k]; ok {
		return c
	}
	c := promauto.NewCounter(prometheus.CounterOpts{Name: metric, ConstLabels: labels})
	counters[k] = c
	return c
}

// Gauge returns a memoized prometheus gauge for metric+labels.
func Gauge(metric string, labels map[string]string) prometheus.Gauge {
	k := key(metric, labels)

	mu.Lock()
	defer mu.Unlock()
	if g, ok := gauges[k]; ok {
		return g
	}
	g := promauto.NewGauge(prometheus.GaugeOpts{Name: metric, ConstLabels: labels})
	gauges[k] = g
	return g
}

const (
	MetricJobsDispatched     = "saltpeter_jobs_dispatched_total"
	MetricTargetsLaunched    = "saltpeter_targets_launched_total"
	MetricTargetsFailed      = "saltpeter_targets_failed_total"
	MetricHeartbeatLosses    = "saltpeter_heartbeat_losses_total"
	MetricJobTimeouts        = "saltpeter_job_timeouts_total"
	MetricRunningInstances   = "saltpeter_running_instances"
	MetricChannelConnections = "saltpeter_channel_connections"
	MetricOutputBytesTotal   = "saltpeter_output_bytes_total"
)
