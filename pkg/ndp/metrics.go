package ndp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus metrics. A nil *Metrics is valid
// and records nothing, so tests and embedders without a registry pay no
// cost.
type Metrics struct {
	rxTotal       *prometheus.CounterVec
	txTotal       *prometheus.CounterVec
	droppedTotal  *prometheus.CounterVec
	solicitTotal  *prometheus.CounterVec
	neighborCount prometheus.Gauge
	dadTotal      *prometheus.CounterVec
	rsRetransmits prometheus.Counter
}

// NewMetrics creates the engine metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rxTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndp_rx_messages_total",
			Help: "ICMPv6 messages received, by type",
		}, []string{"type"}),
		txTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndp_tx_messages_total",
			Help: "ICMPv6 messages transmitted, by type",
		}, []string{"type"}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndp_dropped_packets_total",
			Help: "Packets dropped, by reason",
		}, []string{"reason"}),
		solicitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndp_neighbor_solicitations_total",
			Help: "Neighbor solicitations sent for resolution and probing",
		}, []string{"kind"}),
		neighborCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ndp_neighbor_cache_entries",
			Help: "Current neighbor cache entries",
		}),
		dadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ndp_dad_results_total",
			Help: "Duplicate address detection outcomes",
		}, []string{"result"}),
		rsRetransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ndp_rs_retransmissions_total",
			Help: "Router solicitation retransmissions",
		}),
	}

	reg.MustRegister(
		m.rxTotal,
		m.txTotal,
		m.droppedTotal,
		m.solicitTotal,
		m.neighborCount,
		m.dadTotal,
		m.rsRetransmits,
	)
	return m
}

func (m *Metrics) Rx(msgType string) {
	if m != nil {
		m.rxTotal.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) Tx(msgType string) {
	if m != nil {
		m.txTotal.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.droppedTotal.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DroppedN(reason string, n int) {
	if m != nil {
		m.droppedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) Solicit(kind string) {
	if m != nil {
		m.solicitTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) NeighborCount(n int) {
	if m != nil {
		m.neighborCount.Set(float64(n))
	}
}

func (m *Metrics) DAD(result string) {
	if m != nil {
		m.dadTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RSRetransmit() {
	if m != nil {
		m.rsRetransmits.Inc()
	}
}
