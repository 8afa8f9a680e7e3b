package rconclient

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsCollector bundles the counters/gauges a host can scrape, using
// plain prometheus.Counter/Gauge/Histogram instances rather than a custom
// prometheus.Collector, since there is exactly one Session's worth of
// series to track rather than a dynamic set keyed by connection.
//
// The module never starts its own HTTP exporter: a host passes its own
// prometheus.Registerer via Options.Registerer and serves /metrics itself.
type metricsCollector struct {
	commandsSent     prometheus.Counter
	commandsResent   prometheus.Counter
	commandsTimedOut prometheus.Counter
	acksSent         prometheus.Counter
	decodeErrors     prometheus.Counter
	eventsDropped    prometheus.Counter
	rosterSize       prometheus.Gauge
	commandRTT       prometheus.Histogram
}

func newMetricsCollector(constLabels prometheus.Labels) *metricsCollector {
	return &metricsCollector{
		commandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rconclient",
			Name:        "commands_sent_total",
			Help:        "Commands sent to the RCON server, including system commands.",
			ConstLabels: constLabels,
		}),
		commandsResent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rconclient",
			Name:        "commands_resent_total",
			Help:        "Command resends triggered by the resend policy.",
			ConstLabels: constLabels,
		}),
		commandsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rconclient",
			Name:        "commands_timed_out_total",
			Help:        "Commands abandoned after exceeding maxAttempts.",
			ConstLabels: constLabels,
		}),
		acksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rconclient",
			Name:        "acks_sent_total",
			Help:        "Ack frames sent for accepted ServerMessage frames.",
			ConstLabels: constLabels,
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rconclient",
			Name:        "decode_errors_total",
			Help:        "Inbound datagrams rejected by the codec.",
			ConstLabels: constLabels,
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "rconclient",
			Name:        "events_dropped_total",
			Help:        "Events dropped because a subscriber was not draining Events().",
			ConstLabels: constLabels,
		}),
		rosterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "rconclient",
			Name:        "roster_size",
			Help:        "Current authoritative player count.",
			ConstLabels: constLabels,
		}),
		commandRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "rconclient",
			Name:        "command_rtt_seconds",
			Help:        "Time from a command's first send to its retiring response.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
}

// collectors returns every metric for bulk registration.
func (m *metricsCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsSent,
		m.commandsResent,
		m.commandsTimedOut,
		m.acksSent,
		m.decodeErrors,
		m.eventsDropped,
		m.rosterSize,
		m.commandRTT,
	}
}

// register adds every metric to reg, ignoring AlreadyRegisteredError so a
// host can share one registry across multiple Sessions with the same
// const labels without a panic.
func (m *metricsCollector) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Metrics is an immutable snapshot of a Session's counters, for hosts that
// would rather read values directly than scrape Prometheus.
type Metrics struct {
	CommandsSent     float64
	CommandsResent   float64
	CommandsTimedOut float64
	AcksSent         float64
	DecodeErrors     float64
	EventsDropped    float64
	RosterSize       float64
}

func (m *metricsCollector) snapshot() Metrics {
	return Metrics{
		CommandsSent:     readCounter(m.commandsSent),
		CommandsResent:   readCounter(m.commandsResent),
		CommandsTimedOut: readCounter(m.commandsTimedOut),
		AcksSent:         readCounter(m.acksSent),
		DecodeErrors:     readCounter(m.decodeErrors),
		EventsDropped:    readCounter(m.eventsDropped),
		RosterSize:       readGauge(m.rosterSize),
	}
}

// readValue extracts the scalar value from a counter or gauge metric via
// its protobuf Write method, avoiding a dependency on a scrape endpoint
// just to read back a value the process itself produced.
func readValue(m prometheus.Metric) float64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	if pb.Gauge != nil {
		return pb.Gauge.GetValue()
	}
	return 0
}

func readCounter(c prometheus.Counter) float64 { return readValue(c) }
func readGauge(g prometheus.Gauge) float64     { return readValue(g) }
