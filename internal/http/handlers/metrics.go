// Package handlers – Prometheus instrumentation for the websocket transport.
package handlers

import "github.com/prometheus/client_golang/prometheus"

// wsSessions tracks currently open websocket sessions.
var wsSessions = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "ws_sessions",
	Help: "Number of currently open websocket sessions.",
})

func init() {
	prometheus.MustRegister(wsSessions)
}
