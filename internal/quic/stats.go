// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import (
	"github.com/prometheus/client_golang/prometheus"
)

// connStats wraps the Prometheus gauges a Conn updates every time it
// computes a fresh NetworkStatistics snapshot. One connStats is shared
// across all Conns in a process; the connID label distinguishes them.
type connStats struct {
	bytesInFlight     *prometheus.GaugeVec
	congestionWindow  *prometheus.GaugeVec
	smoothedRTT       *prometheus.GaugeVec
	minRTT            *prometheus.GaugeVec
	bandwidthEstimate *prometheus.GaugeVec
	deliveryRate      *prometheus.GaugeVec
}

var defaultConnStats = newConnStats(prometheus.DefaultRegisterer)

func newConnStats(reg prometheus.Registerer) *connStats {
	labels := []string{"conn_id"}
	s := &connStats{
		bytesInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "bytes_in_flight",
			Help:      "Bytes currently in flight and unacknowledged.",
		}, labels),
		congestionWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "congestion_window_bytes",
			Help:      "Current congestion window size in bytes.",
		}, labels),
		smoothedRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "smoothed_rtt_seconds",
			Help:      "Smoothed round-trip time estimate.",
		}, labels),
		minRTT: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "min_rtt_seconds",
			Help:      "Minimum observed round-trip time.",
		}, labels),
		bandwidthEstimate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "bandwidth_estimate_bytes_per_second",
			Help:      "Congestion controller's bandwidth estimate.",
		}, labels),
		deliveryRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "quic",
			Name:      "delivery_rate_bytes_per_second",
			Help:      "Most recently sampled delivery rate.",
		}, labels),
	}
	if reg != nil {
		reg.MustRegister(
			s.bytesInFlight,
			s.congestionWindow,
			s.smoothedRTT,
			s.minRTT,
			s.bandwidthEstimate,
			s.deliveryRate,
		)
	}
	return s
}

// report publishes one NetworkStatistics snapshot under the given
// connection ID label.
func (s *connStats) report(connID string, ns NetworkStatistics) {
	s.bytesInFlight.WithLabelValues(connID).Set(float64(ns.BytesInFlight))
	s.congestionWindow.WithLabelValues(connID).Set(float64(ns.CongestionWindow))
	s.smoothedRTT.WithLabelValues(connID).Set(ns.SmoothedRTT.Seconds())
	s.minRTT.WithLabelValues(connID).Set(ns.MinRTT.Seconds())
	s.bandwidthEstimate.WithLabelValues(connID).Set(float64(ns.BandwidthEstimate))
	s.deliveryRate.WithLabelValues(connID).Set(float64(ns.DeliveryRate))
}

// forget removes a closed connection's gauge series so cardinality does
// not grow without bound over a process's lifetime.
func (s *connStats) forget(connID string) {
	s.bytesInFlight.DeleteLabelValues(connID)
	s.congestionWindow.DeleteLabelValues(connID)
	s.smoothedRTT.DeleteLabelValues(connID)
	s.minRTT.DeleteLabelValues(connID)
	s.bandwidthEstimate.DeleteLabelValues(connID)
	s.deliveryRate.DeleteLabelValues(connID)
}
