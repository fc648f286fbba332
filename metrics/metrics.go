// Package metrics exposes a Prometheus collector over a running Stack:
// connection counts per TCP state, per-connection RTO and retransmit
// gauges, and the stack-wide dropped-frame counter. Serve it with
// promhttp on a loopback listener, never on the TUN-facing addresses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunstack/tunstack/conntrack"
	"github.com/tunstack/tunstack/stack"
	"github.com/tunstack/tunstack/wire/tcpseg"
)

type info struct {
	description *prometheus.Desc
	supplier    func(st conntrack.Stats, labelValues []string) prometheus.Metric
}

// StackCollector implements prometheus.Collector over the live connection
// table of a Stack. Snapshots are taken per scrape under each connection's
// lock; the collector holds no state of its own.
type StackCollector struct {
	stack *stack.Stack

	connsDesc *prometheus.Desc
	dropsDesc *prometheus.Desc
	infos     []info
}

// NewStackCollector returns a collector for s. prefix namespaces every
// metric name, e.g. "tunstack".
func NewStackCollector(prefix string, s *stack.Stack, constLabels prometheus.Labels) *StackCollector {
	c := &StackCollector{
		stack: s,
		connsDesc: prometheus.NewDesc(
			prefix+"_connections",
			"Number of tracked connections per TCP state.",
			[]string{"state"}, constLabels,
		),
		dropsDesc: prometheus.NewDesc(
			prefix+"_dropped_frames_total",
			"Inbound frames dropped: parse failures, bad checksums, fragments, rejected segments.",
			nil, constLabels,
		),
	}
	c.infos = []info{
		{
			description: prometheus.NewDesc(
				prefix+"_connection_rto_seconds",
				"Current retransmission timeout of the connection, including backoff.",
				[]string{"id"}, constLabels,
			),
			supplier: func(st conntrack.Stats, lv []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(c.infos[0].description, prometheus.GaugeValue, st.RTO.Seconds(), lv...)
			},
		},
		{
			description: prometheus.NewDesc(
				prefix+"_connection_retransmits",
				"Retransmission timeouts in the connection's current retransmit cycle.",
				[]string{"id"}, constLabels,
			),
			supplier: func(st conntrack.Stats, lv []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(c.infos[1].description, prometheus.GaugeValue, float64(st.Retransmits), lv...)
			},
		},
		{
			description: prometheus.NewDesc(
				prefix+"_connection_rx_buffered_bytes",
				"In-order bytes buffered for the application but not yet read.",
				[]string{"id"}, constLabels,
			),
			supplier: func(st conntrack.Stats, lv []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(c.infos[2].description, prometheus.GaugeValue, float64(st.RxBuffered), lv...)
			},
		},
		{
			description: prometheus.NewDesc(
				prefix+"_connection_tx_buffered_bytes",
				"Application bytes written but not yet sent on the wire.",
				[]string{"id"}, constLabels,
			),
			supplier: func(st conntrack.Stats, lv []string) prometheus.Metric {
				return prometheus.MustNewConstMetric(c.infos[3].description, prometheus.GaugeValue, float64(st.TxBuffered), lv...)
			},
		},
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *StackCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.connsDesc
	descs <- c.dropsDesc
	for _, info := range c.infos {
		descs <- info.description
	}
}

// Collect implements prometheus.Collector.
func (c *StackCollector) Collect(metrics chan<- prometheus.Metric) {
	byState := make(map[tcpseg.State]int)
	c.stack.Table.Range(func(conn *conntrack.Conn) {
		st := conn.Snapshot()
		byState[st.State]++
		labels := []string{conn.ID}
		for _, info := range c.infos {
			metrics <- info.supplier(st, labels)
		}
	})
	for st, n := range byState {
		metrics <- prometheus.MustNewConstMetric(c.connsDesc, prometheus.GaugeValue, float64(n), st.String())
	}
	metrics <- prometheus.MustNewConstMetric(c.dropsDesc, prometheus.CounterValue, float64(c.stack.Drops()))
}
