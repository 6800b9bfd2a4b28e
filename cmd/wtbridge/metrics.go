package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type bridgeMetrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	streams        *prometheus.CounterVec
	streamBytes    *prometheus.CounterVec
	streamFinishes *prometheus.CounterVec
	datagrams      *prometheus.CounterVec
}

func newBridgeMetrics() *bridgeMetrics {
	registry := prometheus.NewRegistry()
	wrapped := prometheus.WrapRegistererWithPrefix("wtbridge_", registry)

	m := &bridgeMetrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_requests_total",
			Help: "CONNECT requests by response status.",
		}, []string{"status"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Sessions currently attached to the server.",
		}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streams_total",
			Help: "Streams by kind and origin.",
		}, []string{"kind", "origin"}),
		streamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_bytes_total",
			Help: "Stream payload bytes by direction.",
		}, []string{"direction"}),
		streamFinishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_finishes_total",
			Help: "Terminated stream directions by side and cause.",
		}, []string{"side", "cause"}),
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datagrams_total",
			Help: "Datagrams by direction and result.",
		}, []string{"direction", "result"}),
	}

	wrapped.MustRegister(
		m.requests,
		m.sessionsActive,
		m.streams,
		m.streamBytes,
		m.streamFinishes,
		m.datagrams,
	)
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
