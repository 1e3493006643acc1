package internal

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process counters. It satisfies pipeline.Recorder so the
// stage components can report through it.
type Metrics struct {
	requests      *prometheus.CounterVec
	parseErrors   *prometheus.CounterVec
	publishErrors *prometheus.CounterVec
	processed     *prometheus.CounterVec
	stageErrors   *prometheus.CounterVec
	deadLetters   *prometheus.CounterVec
	duration      *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg, namespaced by the service name.
func NewMetrics(reg prometheus.Registerer, service string) (*Metrics, error) {
	ns := metricNamespace(service)
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "webhook_requests_total", Help: "Webhook deliveries received.",
		}, []string{"provider"}),
		parseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "parse_errors_total", Help: "Webhook deliveries that could not be parsed.",
		}, []string{"provider"}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "publish_errors_total", Help: "Queue sends that failed.",
		}, []string{"driver"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "files_processed_total", Help: "Files that completed a stage.",
		}, []string{"stage"}),
		stageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_total", Help: "Stage errors by class.",
		}, []string{"stage", "kind"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "dead_letters_total", Help: "Messages moved to a dead-letter topic.",
		}, []string{"stage"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "processing_duration_seconds", Help: "Time spent handling one message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
	}
	for _, c := range []prometheus.Collector{
		m.requests, m.parseErrors, m.publishErrors, m.processed, m.stageErrors, m.deadLetters, m.duration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) IncRequest(provider string) {
	if m != nil {
		m.requests.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) IncParseError(provider string) {
	if m != nil {
		m.parseErrors.WithLabelValues(provider).Inc()
	}
}

func (m *Metrics) IncPublishError(driver string) {
	if m != nil {
		m.publishErrors.WithLabelValues(driver).Inc()
	}
}

func (m *Metrics) IncDeadLetter(stage string) {
	if m != nil {
		m.deadLetters.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) FileProcessed(stage string) {
	if m != nil {
		m.processed.WithLabelValues(stage).Inc()
	}
}

func (m *Metrics) StageError(stage, kind string) {
	if m != nil {
		m.stageErrors.WithLabelValues(stage, kind).Inc()
	}
}

func (m *Metrics) ObserveDuration(stage string, d time.Duration) {
	if m != nil {
		m.duration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func metricNamespace(service string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(service) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	ns := strings.Trim(b.String(), "_")
	if ns == "" {
		return "hobbes"
	}
	return ns
}
