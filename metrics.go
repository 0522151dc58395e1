package main

import (
	"net/http"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type CollabMetrics struct {
	Hub *HubMetrics
}

type HubMetrics struct {
	Joins          metrics.Counter
	Leaves         metrics.Counter
	AppliedUpdates metrics.Counter
	RelayedFrames  metrics.Counter
	Snapshots      metrics.Counter
	Connections    metrics.Gauge
}

// NewCollabMetrics builds the hub's instrumentation set. Without a
// Prometheus address every instrument discards, so the hub code paths stay
// identical whether metrics are exposed or not.
func NewCollabMetrics(prometheusAddr string) *CollabMetrics {

	m := &CollabMetrics{}

	if prometheusAddr == "" {
		m.Hub = &HubMetrics{
			Joins:          discard.NewCounter(),
			Leaves:         discard.NewCounter(),
			AppliedUpdates: discard.NewCounter(),
			RelayedFrames:  discard.NewCounter(),
			Snapshots:      discard.NewCounter(),
			Connections:    discard.NewGauge(),
		}
	} else {
		m.Hub = &HubMetrics{
			Joins: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "collabfs",
				Subsystem: "hub",
				Name:      "joins_total",
				Help:      "Number of joins",
			}, nil),
			Leaves: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "collabfs",
				Subsystem: "hub",
				Name:      "leaves_total",
				Help:      "Number of leaves",
			}, nil),
			AppliedUpdates: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "collabfs",
				Subsystem: "hub",
				Name:      "applied_updates_total",
				Help:      "Number of document updates applied to sessions",
			}, nil),
			RelayedFrames: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "collabfs",
				Subsystem: "hub",
				Name:      "relayed_frames_total",
				Help:      "Number of awareness frames relayed to peers",
			}, nil),
			Snapshots: prometheus.NewCounterFrom(prom.CounterOpts{
				Namespace: "collabfs",
				Subsystem: "hub",
				Name:      "snapshots_total",
				Help:      "Number of session snapshots written on demand",
			}, nil),
			Connections: prometheus.NewGaugeFrom(prom.GaugeOpts{
				Namespace: "collabfs",
				Subsystem: "hub",
				Name:      "open_connections",
				Help:      "Number of open client streams",
			}, nil),
		}
	}

	return m
}

func runPromHTTP(logger log.Logger, addr string) {

	if addr == "" {
		level.Debug(logger).Log("msg", "prometheus addr is empty, not exposing prometheus metrics")
		return
	}

	http.Handle("/metrics", promhttp.Handler())

	level.Info(logger).Log("msg", "prometheus handler listening", "addr", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		level.Warn(logger).Log("msg", "failed to serve prometheus metrics", "err", err)
	}
}
