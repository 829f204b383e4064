// Package metrics defines the Prometheus collectors exported by fleetwatch.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetwatch"

// Poller holds the collectors updated by a poll cycle.
type Poller struct {
	ProbeDuration *prometheus.HistogramVec
	Probes        *prometheus.CounterVec
	WriteFailures *prometheus.CounterVec
	FleetStatus   *prometheus.GaugeVec
	PollDuration  prometheus.Histogram
}

// NewPoller registers the poller collectors with reg. A nil reg uses the
// default registerer.
func NewPoller(reg prometheus.Registerer) *Poller {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Poller{
		ProbeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "probe_duration_seconds",
			Help:      "Duration of agent probes by outcome.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		Probes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "probes_total",
			Help:      "Agent probes by resulting status.",
		}, []string{"outcome"}),
		WriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "store_write_failures_total",
			Help:      "Failed store writes during polling by kind.",
		}, []string{"kind"}),
		FleetStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "servers",
			Help:      "Servers per status after the last poll.",
		}, []string{"status"}),
		PollDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full fleet poll.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// ObserveProbe records one probe result.
func (p *Poller) ObserveProbe(outcome string, d time.Duration) {
	if p == nil {
		return
	}
	p.ProbeDuration.WithLabelValues(outcome).Observe(d.Seconds())
	p.Probes.WithLabelValues(outcome).Inc()
}

// WriteFailed counts a store write failure of kind.
func (p *Poller) WriteFailed(kind string) {
	if p == nil {
		return
	}
	p.WriteFailures.WithLabelValues(kind).Inc()
}

// SetFleet replaces the per-status gauge with counts.
func (p *Poller) SetFleet(counts map[string]int) {
	if p == nil {
		return
	}
	p.FleetStatus.Reset()
	for status, n := range counts {
		p.FleetStatus.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveCycle records the duration of one full poll.
func (p *Poller) ObserveCycle(d time.Duration) {
	if p == nil {
		return
	}
	p.PollDuration.Observe(d.Seconds())
}

// Inventory holds the collectors updated by the inventory ingestor.
type Inventory struct {
	Batches *prometheus.CounterVec
	Files   prometheus.Counter
}

// NewInventory registers the ingestion collectors with reg.
func NewInventory(reg prometheus.Registerer) *Inventory {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Inventory{
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "batches_total",
			Help:      "Inventory batches handled by result.",
		}, []string{"result"}),
		Files: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "files_upserted_total",
			Help:      "File records written from inventory batches.",
		}),
	}
}

// Batch counts one handled batch and, on success, its file count.
func (i *Inventory) Batch(result string, files int) {
	if i == nil {
		return
	}
	i.Batches.WithLabelValues(result).Inc()
	if result == "ok" {
		i.Files.Add(float64(files))
	}
}
