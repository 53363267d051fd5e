// Package metrics mirrors the gateway's atomic hot-path counters (see
// internal/sl651.Stats) and the link manager's connection state as
// Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label constants shared across this package's metric vectors.
const (
	LabelLinkID = "link_id"
	LabelMode   = "mode"
	LabelState  = "state"
)

// Metrics holds every Prometheus collector the gateway exposes. The zero
// value is not usable; construct with New.
type Metrics struct {
	framesParsedTotal         prometheus.Counter
	crcErrorsTotal            prometheus.Counter
	multiPacketCompletedTotal prometheus.Counter
	multiPacketExpiredTotal   prometheus.Counter
	parseErrorsTotal          prometheus.Counter

	linkConnectionsActive *prometheus.GaugeVec
	linkStateGauge        *prometheus.GaugeVec
	rxBytesTotal          prometheus.Counter
	txBytesTotal          prometheus.Counter
	rxPacketsTotal        prometheus.Counter
	txPacketsTotal        prometheus.Counter
}

// New creates and, if registry is non-nil, registers the gateway's
// metrics. Passing a nil registry is useful in tests that only want to
// exercise the recording methods without a global registry side effect.
func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesParsedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl651gw",
			Subsystem: "sl651",
			Name:      "frames_parsed_total",
			Help:      "Total number of SL651 frames successfully decoded.",
		}),
		crcErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl651gw",
			Subsystem: "sl651",
			Name:      "crc_errors_total",
			Help:      "Total number of frames whose trailing CRC did not match.",
		}),
		multiPacketCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl651gw",
			Subsystem: "sl651",
			Name:      "multipacket_completed_total",
			Help:      "Total number of multi-packet transmissions fully reassembled.",
		}),
		multiPacketExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl651gw",
			Subsystem: "sl651",
			Name:      "multipacket_expired_total",
			Help:      "Total number of multi-packet sessions dropped after exceeding the session timeout.",
		}),
		parseErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl651gw",
			Subsystem: "sl651",
			Name:      "parse_errors_total",
			Help:      "Total number of frames that failed to decode.",
		}),
		linkConnectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sl651gw",
			Subsystem: "link",
			Name:      "connections_active",
			Help:      "Number of currently connected peers per link.",
		}, []string{LabelLinkID, LabelMode}),
		linkStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sl651gw",
			Subsystem: "link",
			Name:      "state",
			Help:      "1 for the link's current state, 0 otherwise; one series per (link_id, state).",
		}, []string{LabelLinkID, LabelState}),
		rxBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl651gw", Subsystem: "link", Name: "rx_bytes_total", Help: "Total bytes received across every link.",
		}),
		txBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl651gw", Subsystem: "link", Name: "tx_bytes_total", Help: "Total bytes sent across every link.",
		}),
		rxPacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl651gw", Subsystem: "link", Name: "rx_packets_total", Help: "Total TCP reads across every link.",
		}),
		txPacketsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl651gw", Subsystem: "link", Name: "tx_packets_total", Help: "Total TCP writes across every link.",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.framesParsedTotal, m.crcErrorsTotal, m.multiPacketCompletedTotal,
			m.multiPacketExpiredTotal, m.parseErrorsTotal,
			m.linkConnectionsActive, m.linkStateGauge,
			m.rxBytesTotal, m.txBytesTotal, m.rxPacketsTotal, m.txPacketsTotal,
		)
	}
	return m
}

// ParserStats is a local mirror of the parser's counter snapshot, so this
// package doesn't import the protocol package it observes.
type ParserStats struct {
	FramesParsed, CRCErrors, MultiPacketCompleted, MultiPacketExpired, ParseErrors uint64
}

// ObserveParserStats syncs the parser's monotonic atomic counters into
// Prometheus by adding the delta between the previous snapshot and the
// current one; pass the zero value as prev on the first call.
func (m *Metrics) ObserveParserStats(prev, cur ParserStats) {
	if m == nil {
		return
	}
	addDelta(m.framesParsedTotal, prev.FramesParsed, cur.FramesParsed)
	addDelta(m.crcErrorsTotal, prev.CRCErrors, cur.CRCErrors)
	addDelta(m.multiPacketCompletedTotal, prev.MultiPacketCompleted, cur.MultiPacketCompleted)
	addDelta(m.multiPacketExpiredTotal, prev.MultiPacketExpired, cur.MultiPacketExpired)
	addDelta(m.parseErrorsTotal, prev.ParseErrors, cur.ParseErrors)
}

func addDelta(c prometheus.Counter, prev, cur uint64) {
	if cur > prev {
		c.Add(float64(cur - prev))
	}
}

// SetLinkConnections records the current connected-peer count for a link.
func (m *Metrics) SetLinkConnections(linkID, mode string, count int) {
	if m == nil {
		return
	}
	m.linkConnectionsActive.WithLabelValues(linkID, mode).Set(float64(count))
}

// SetLinkState marks active as the current state for linkID and sets every
// other state listed in states to 0; series for states not listed are left
// as they are.
func (m *Metrics) SetLinkState(linkID string, states []string, active string) {
	if m == nil {
		return
	}
	for _, s := range states {
		val := 0.0
		if s == active {
			val = 1.0
		}
		m.linkStateGauge.WithLabelValues(linkID, s).Set(val)
	}
}

// TCPStats is a local mirror of the link manager's process-wide rx/tx
// counter snapshot.
type TCPStats struct {
	RxBytes, TxBytes, RxPackets, TxPackets uint64
}

// ObserveTCPStats syncs the link manager's rx/tx counters by delta.
func (m *Metrics) ObserveTCPStats(prev, cur TCPStats) {
	if m == nil {
		return
	}
	addDelta(m.rxBytesTotal, prev.RxBytes, cur.RxBytes)
	addDelta(m.txBytesTotal, prev.TxBytes, cur.TxBytes)
	addDelta(m.rxPacketsTotal, prev.RxPackets, cur.RxPackets)
	addDelta(m.txPacketsTotal, prev.TxPackets, cur.TxPackets)
}
