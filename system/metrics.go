package system

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yaswantsoni1128/webd/contact"
)

// Metrics holds the daemon's Prometheus collectors on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	requests    prometheus.Counter
	submissions *prometheus.CounterVec
	dispatch    prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "webd",
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webd",
			Name:      "contact_submissions_total",
			Help:      "Contact form submissions by outcome.",
		}, []string{"outcome"}),
		dispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "webd",
			Name:      "contact_dispatch_seconds",
			Help:      "Time spent handling submissions that reached the relay.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		}),
	}
	m.registry.MustRegister(m.requests, m.submissions, m.dispatch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, o := range []contact.Outcome{contact.Rejected, contact.Skipped, contact.Dispatched, contact.Failed} {
		m.submissions.WithLabelValues(string(o))
	}
	return m
}

func (m *Metrics) Submission(o contact.Outcome, took time.Duration) {
	m.submissions.WithLabelValues(string(o)).Inc()
	if o == contact.Dispatched || o == contact.Failed {
		m.dispatch.Observe(took.Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Request() {
	m.requests.Inc()
}
