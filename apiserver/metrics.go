// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "storefeed"

// Collector is a prometheus.Collector that collects metrics about the
// broadcast hub and its subscribers.
type Collector struct {
	subscriberCount *prometheus.GaugeVec
	broadcastCount  *prometheus.CounterVec
	droppedCount    prometheus.Counter
	evictionCount   *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		subscriberCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "hub",
				Name:      "subscribers",
				Help:      "The number of registered websocket subscribers.",
			}, []string{"role"},
		),
		broadcastCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "hub",
				Name:      "broadcasts_total",
				Help:      "The number of update messages broadcast to subscribers.",
			}, []string{"kind"},
		),
		droppedCount: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "hub",
				Name:      "dropped_frames_total",
				Help:      "The number of queued frames dropped due to slow subscribers.",
			},
		),
		evictionCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "hub",
				Name:      "evictions_total",
				Help:      "The number of subscribers dropped, by reason.",
			}, []string{"reason"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.subscriberCount.Describe(ch)
	c.broadcastCount.Describe(ch)
	c.droppedCount.Describe(ch)
	c.evictionCount.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.subscriberCount.Collect(ch)
	c.broadcastCount.Collect(ch)
	c.droppedCount.Collect(ch)
	c.evictionCount.Collect(ch)
}
