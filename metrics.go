package zssp

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the protocol's prometheus counters. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	PacketsDropped      *prometheus.CounterVec
	Handshakes          *prometheus.CounterVec
	Rekeys              prometheus.Counter
	ReassemblyEvictions prometheus.Counter
	Packets             *prometheus.CounterVec
}

// Handshake results recorded in zssp_handshakes_total.
const (
	handshakeInitiated = "initiated"
	handshakeAccepted  = "accepted"
	handshakeRejected  = "rejected"
	handshakeTimedOut  = "timeout"
)

// NewMetrics creates the counters and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PacketsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zssp_packets_dropped_total",
				Help: "Number of inbound packets dropped, by reason",
			},
			[]string{"reason"},
		),
		Handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zssp_handshakes_total",
				Help: "Number of handshakes, by result",
			},
			[]string{"result"},
		),
		Rekeys: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zssp_rekeys_total",
				Help: "Number of completed rekeys",
			},
		),
		ReassemblyEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "zssp_reassembly_evictions_total",
				Help: "Number of incomplete packets discarded from reassembly",
			},
		),
		Packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zssp_packets_total",
				Help: "Number of data packets, by direction",
			},
			[]string{"direction"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.PacketsDropped, m.Handshakes, m.Rekeys, m.ReassemblyEvictions, m.Packets} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) dropped(reason DropReason) {
	if m != nil {
		m.PacketsDropped.WithLabelValues(reason.String()).Inc()
	}
}

func (m *Metrics) handshake(result string) {
	if m != nil {
		m.Handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) rekeyed() {
	if m != nil {
		m.Rekeys.Inc()
	}
}

func (m *Metrics) evicted(n int) {
	if m != nil && n > 0 {
		m.ReassemblyEvictions.Add(float64(n))
	}
}

func (m *Metrics) packet(direction string) {
	if m != nil {
		m.Packets.WithLabelValues(direction).Inc()
	}
}
