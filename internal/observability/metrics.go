// Package observability exposes Prometheus metrics and, optionally, pprof
// over a small HTTP server.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lunchbot"

// Metrics holds the collectors for one process. It implements
// scheduler.Observer and supervisor.Hooks.
type Metrics struct {
	reg prometheus.Registerer

	commands   *prometheus.CounterVec
	commandDur *prometheus.HistogramVec
	notifies   prometheus.Counter
	sweepDur   prometheus.Histogram
	sweepChats prometheus.Gauge
	restarts   *prometheus.CounterVec
	panics     *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg and panics on a duplicate
// registration, like the promauto helpers. Pass a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		reg: reg,
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "commands_total",
			Help:      "Commands handled by the scheduler.",
		}, []string{"action", "result"}),
		commandDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "command_duration_seconds",
			Help:      "Time spent applying and persisting a command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		notifies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "notifies_total",
			Help:      "Notify envelopes emitted by the sweep.",
		}),
		sweepDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one sweep over all chats.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		sweepChats: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "chats",
			Help:      "Chats visited by the last sweep.",
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "goroutine_restarts_total",
			Help:      "Supervised goroutine restarts.",
		}, []string{"name"}),
		panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "goroutine_panics_total",
			Help:      "Panics recovered in supervised goroutines.",
		}, []string{"name"}),
	}
	reg.MustRegister(m.commands, m.commandDur, m.notifies, m.sweepDur, m.sweepChats, m.restarts, m.panics)
	return m
}

func (m *Metrics) CommandHandled(action string, ok bool, took time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.commands.WithLabelValues(action, result).Inc()
	m.commandDur.WithLabelValues(action).Observe(took.Seconds())
}

func (m *Metrics) NotifyEmitted(int64) { m.notifies.Inc() }

func (m *Metrics) SweepDone(took time.Duration, chats int) {
	m.sweepDur.Observe(took.Seconds())
	m.sweepChats.Set(float64(chats))
}

func (m *Metrics) GoroutineRestarted(name string) { m.restarts.WithLabelValues(name).Inc() }

func (m *Metrics) GoroutinePanicked(name string) { m.panics.WithLabelValues(name).Inc() }

// WatchQueue exports the bus backlog, read at scrape time.
func (m *Metrics) WatchQueue(depth func() int) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "queue_depth",
		Help:      "Messages waiting for dispatch.",
	}, func() float64 { return float64(depth()) }))
}

// DeliveryStats is the cumulative notifier counters.
type DeliveryStats struct {
	Sent, Failed, Dropped uint64
}

// WatchNotifier exports outbound delivery counters, read at scrape time.
func (m *Metrics) WatchNotifier(stats func() DeliveryStats) {
	counter := func(name, help string, pick func(DeliveryStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(pick(stats())) })
	}
	m.reg.MustRegister(
		counter("sent_total", "Messages delivered.", func(s DeliveryStats) uint64 { return s.Sent }),
		counter("failed_total", "Messages given up after retries.", func(s DeliveryStats) uint64 { return s.Failed }),
		counter("dropped_total", "Messages rejected because the queue was full or stopped.", func(s DeliveryStats) uint64 { return s.Dropped }),
	)
}
