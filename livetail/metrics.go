package livetail

import "github.com/prometheus/client_golang/prometheus"

// Metrics - Prometheus collectors for one Tail
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	messages       prometheus.Counter
	malformed      prometheus.Counter
	filtered       prometheus.Counter
	reconnects     prometheus.Counter
	ticketFailures prometheus.Counter
	state          prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on registerer.
// constLabels tells apart several tails registered on the same registerer.
func NewMetrics(registerer prometheus.Registerer, constLabels prometheus.Labels) (*Metrics, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "dnstail",
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	metrics := &Metrics{
		messages:       counter("messages_total", "Query log messages accepted into the live buffer"),
		malformed:      counter("malformed_messages_total", "Inbound messages dropped because they could not be parsed"),
		filtered:       counter("filtered_messages_total", "Parsed messages rejected by the filter"),
		reconnects:     counter("reconnects_total", "Reconnection attempts scheduled"),
		ticketFailures: counter("ticket_failures_total", "Failed ticket requests"),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dnstail",
			Name:        "connection_state",
			Help:        "Current connection state (0 idle, 1 fetching ticket, 2 connecting, 3 open, 4 closed, 5 error)",
			ConstLabels: constLabels,
		}),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{
			metrics.messages, metrics.malformed, metrics.filtered,
			metrics.reconnects, metrics.ticketFailures, metrics.state,
		} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return metrics, nil
}

func (metrics *Metrics) incMessages() {
	if metrics != nil {
		metrics.messages.Inc()
	}
}

func (metrics *Metrics) incMalformed() {
	if metrics != nil {
		metrics.malformed.Inc()
	}
}

func (metrics *Metrics) incFiltered() {
	if metrics != nil {
		metrics.filtered.Inc()
	}
}

func (metrics *Metrics) incReconnects() {
	if metrics != nil {
		metrics.reconnects.Inc()
	}
}

func (metrics *Metrics) incTicketFailures() {
	if metrics != nil {
		metrics.ticketFailures.Inc()
	}
}

func (metrics *Metrics) setState(state ConnectionState) {
	if metrics != nil {
		metrics.state.Set(float64(state))
	}
}
