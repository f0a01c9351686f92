// Package metrics holds otter's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "otter"

// Metrics groups every instrument the pipeline updates. The zero value is
// not usable; build one with New.
type Metrics struct {
	Emitted          *prometheus.CounterVec
	Sent             *prometheus.CounterVec
	LinesSent        *prometheus.CounterVec
	Dropped          *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	ConnectExhausted *prometheus.CounterVec
	SendDuration     *prometheus.HistogramVec
	WorkerStarts     *prometheus.CounterVec
	SupervisorState  *prometheus.GaugeVec
	JournalPending   prometheus.Gauge

	reg prometheus.Registerer
}

// New registers the instruments with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Emitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_emitted_total",
			Help: "Records handed to the queue, by producer.",
		}, []string{"producer"}),
		Sent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_sent_total",
			Help: "Records delivered to the transport.",
		}, []string{"transport"}),
		LinesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "lines_sent_total",
			Help: "Lines delivered to the transport.",
		}, []string{"transport"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_dropped_total",
			Help: "Records lost to a failed send.",
		}, []string{"transport"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_failures_total",
			Help: "Failed sends by classification.",
		}, []string{"transport", "reason"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Reconnects run after an invalidated send.",
		}, []string{"transport"}),
		ConnectExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connect_exhausted_total",
			Help: "Consumers stopped because the backoff schedule ran out.",
		}, []string{"transport"}),
		SendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "send_duration_seconds",
			Help:    "Time spent in a single send.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"transport"}),
		WorkerStarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "worker_starts_total",
			Help: "Worker spawns by reason: initial, restart or refresh.",
		}, []string{"reason"}),
		SupervisorState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "supervisor_state",
			Help: "1 for the supervisor's current state, 0 otherwise.",
		}, []string{"state"}),
		JournalPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "journal_pending",
			Help: "Journaled records not yet committed.",
		}),
	}
}

// Discard returns instruments registered nowhere visible, for tests and
// callers that do not export metrics.
func Discard() *Metrics { return New(prometheus.NewRegistry()) }

// QueueGauges exports queue occupancy and capacity read from fn on every
// scrape.
func (m *Metrics) QueueGauges(depth func() (length, capacity int)) {
	f := promauto.With(m.reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_depth",
		Help: "Records waiting in the queue.",
	}, func() float64 { l, _ := depth(); return float64(l) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "queue_capacity",
		Help: "Queue capacity.",
	}, func() float64 { _, c := depth(); return float64(c) })
}

// SetState marks state as the current supervisor state.
func (m *Metrics) SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SupervisorState.WithLabelValues(s).Set(v)
	}
}
