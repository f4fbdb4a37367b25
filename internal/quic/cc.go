// Copyright 2023 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quic

import "time"

// initialMTU and minMTU are the packet-size constants the congestion
// controllers size their windows in terms of: CUBIC's min_window is
// 2x MTU, BBR's PROBE_RTT floor is 4x MTU.
const (
	initialMTU = 1200
	minMTU     = 1200
)

// NetworkStatistics is the statistics snapshot get_network_statistics()
// produces: surfaced to the application directly and to the Prometheus
// collector in stats.go.
type NetworkStatistics struct {
	BytesInFlight     int64
	CongestionWindow  int64
	PostedBytes       int64
	SmoothedRTT       time.Duration
	MinRTT            time.Duration
	BandwidthEstimate int64 // bytes/sec
	DeliveryRate      int64 // bytes/sec
}

// A congestionController is the dynamic-dispatch capability set CUBIC
// and BBR both implement. Exactly one implementation is chosen at
// connection creation and is immutable thereafter.
type congestionController interface {
	// canSend reports whether the congestion window currently permits
	// sending a packet.
	canSend() bool

	// setExemption grants n packets permission to bypass canSend, used
	// for PTO probes.
	setExemption(n int)
	getExemptions() int

	// getSendAllowance returns the number of bytes that may be sent
	// right now, accounting for pacing if enabled.
	getSendAllowance(now time.Time, sinceLastSend time.Duration, paced bool) int64

	onDataSent(now time.Time, bytes int64)
	onDataInvalidated(bytes int64) (becameUnblocked bool)
	onDataAcknowledged(ev ackEvent) (becameUnblocked bool)
	onDataLost(ev lossEvent)
	onECN(ev ecnEvent)
	onSpuriousCongestionEvent() (becameUnblocked bool)

	getBytesInFlight() int64
	getBytesInFlightMax() int64
	getCongestionWindow() int64

	isAppLimited() bool
	setAppLimited(bool)
	// setUnderutilized records whether the sender had data to send but
	// chose not to because congestion control was not the limit: the
	// congestion window is not fully used, so growth should pause
	// rather than reward an idle sender with a larger window.
	setUnderutilized(bool)

	getNetworkStatistics(rtt *rttStats) NetworkStatistics
	reset()
}

// rttStats holds the RTT estimators shared by loss detection and both
// congestion controllers: smoothed RTT, RTT variance, and min RTT. This
// is per-path state, but since path migration is out of this repo's core
// scope beyond bookkeeping, one rttStats lives on the active path.
type rttStats struct {
	latestRTT  time.Duration
	smoothedRTT time.Duration
	rttvar     time.Duration
	minRTT     time.Duration
	firstSample bool
}

const (
	initialRTT = 333 * time.Millisecond // RFC 9002 Section 6.2.2
	granularity = time.Millisecond
)

func newRTTStats() rttStats {
	return rttStats{smoothedRTT: initialRTT, rttvar: initialRTT / 2}
}

// updateRTT folds in a new RTT sample using the RFC 9002 Section 5.3
// exponential moving average, after subtracting the peer-reported ack
// delay. The ack delay is used as reported; it is not capped here.
func (r *rttStats) updateRTT(latest, ackDelay time.Duration) {
	r.latestRTT = latest
	if !r.firstSample {
		r.firstSample = true
		r.minRTT = latest
		r.smoothedRTT = latest
		r.rttvar = latest / 2
		return
	}
	if latest < r.minRTT || r.minRTT == 0 {
		r.minRTT = latest
	}
	adjusted := latest
	if adjusted > r.minRTT+ackDelay {
		adjusted -= ackDelay
	}
	diff := r.smoothedRTT - adjusted
	if diff < 0 {
		diff = -diff
	}
	r.rttvar = (3*r.rttvar + diff) / 4
	r.smoothedRTT = (7*r.smoothedRTT + adjusted) / 8
}

func (r *rttStats) pto(maxAckDelay time.Duration) time.Duration {
	v := 4 * r.rttvar
	if v < granularity {
		v = granularity
	}
	return r.smoothedRTT + v + maxAckDelay
}
