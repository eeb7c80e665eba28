package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. It satisfies
// usecase.Observer and scheduler.FireRecorder. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	InferencePasses   *prometheus.CounterVec
	InferenceLatency  prometheus.Histogram
	ToolExecutions    *prometheus.CounterVec
	ToolCallsDropped  *prometheus.CounterVec
	Turns             *prometheus.CounterVec
	TurnPasses        prometheus.Histogram
	TurnLatency       prometheus.Histogram
	RemindersCreated  prometheus.Counter
	ReminderDelivered *prometheus.CounterVec
}

// NewMetrics registers the instruments on a fresh registry so several
// instances can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		InferencePasses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_passes_total",
			Help:      "Inference passes by result.",
		}, []string{"result"}),
		InferenceLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_ms",
			Help:      "Latency of a single inference pass in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Server-side tool executions by tool and result.",
		}, []string{"tool", "result"}),
		ToolCallsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_dropped_total",
			Help:      "Tool calls dropped because the tool already ran in the turn.",
		}, []string{"tool"}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by outcome.",
		}, []string{"outcome"}),
		TurnPasses: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_passes",
			Help:      "Inference passes used per turn.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		}),
		TurnLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_ms",
			Help:      "End to end turn latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		RemindersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminders_scheduled_total",
			Help:      "Reminders persisted by setReminder.",
		}),
		ReminderDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reminder_deliveries_total",
			Help:      "Reminder delivery attempts by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) InferencePass(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.InferencePasses.WithLabelValues(result(err != nil)).Inc()
	m.InferenceLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ToolExecuted(name string, failed bool) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(name, result(failed)).Inc()
}

func (m *Metrics) ToolCallDropped(name string) {
	if m == nil {
		return
	}
	m.ToolCallsDropped.WithLabelValues(name).Inc()
}

func (m *Metrics) TurnFinished(outcome string, passes int, d time.Duration) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnPasses.Observe(float64(passes))
	m.TurnLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ReminderScheduled() {
	if m == nil {
		return
	}
	m.RemindersCreated.Inc()
}

func (m *Metrics) ReminderFired(applied bool, err error) {
	if m == nil {
		return
	}
	switch {
	case err != nil:
		m.ReminderDelivered.WithLabelValues("error").Inc()
	case applied:
		m.ReminderDelivered.WithLabelValues("applied").Inc()
	default:
		m.ReminderDelivered.WithLabelValues("duplicate").Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}
