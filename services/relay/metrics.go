package relay

import "github.com/prometheus/client_golang/prometheus"

const (
	resultComplete  = "complete"
	resultOffline   = "offline"
	resultTimeout   = "timeout"
	resultAbandoned = "abandoned"
	resultError     = "error"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	agentsOnline  prometheus.Gauge
	openTickets   prometheus.Gauge
	downloads     *prometheus.CounterVec
	bytesRelayed  prometheus.Counter
	unknownTicket prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		agentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filerelay_agents_online",
			Help: "Number of agents with an open link",
		}),
		openTickets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filerelay_open_tickets",
			Help: "Number of downloads waiting on or receiving agent data",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filerelay_downloads_total",
			Help: "Downloads by outcome",
		}, []string{"result"}),
		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filerelay_bytes_relayed_total",
			Help: "Bytes streamed from agents to download callers",
		}),
		unknownTicket: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filerelay_unknown_ticket_total",
			Help: "Agent uploads discarded because their ticket was not open",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.agentsOnline, m.openTickets, m.downloads, m.bytesRelayed, m.unknownTicket)
	}
	return m
}

func (m *Metrics) download(result string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) relayed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesRelayed.Add(float64(n))
}

func (m *Metrics) ticketOpened() {
	if m == nil {
		return
	}
	m.openTickets.Inc()
}

func (m *Metrics) ticketClosed() {
	if m == nil {
		return
	}
	m.openTickets.Dec()
}

func (m *Metrics) setAgentsOnline(n int) {
	if m == nil {
		return
	}
	m.agentsOnline.Set(float64(n))
}

func (m *Metrics) unknownTicketDropped() {
	if m == nil {
		return
	}
	m.unknownTicket.Inc()
}
