// Package metrics holds the relay's operational counters and the ops HTTP
// handler that serves them next to the health probe.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RelayedMessages   *prometheus.CounterVec
	TopicRepairs      prometheus.Counter
	RepairRefusals    prometheus.Counter
	RateLimitRefusals *prometheus.CounterVec
	MediaGroupFlushes *prometheus.CounterVec
	VerifyOutcomes    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RelayedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "topicrelay_relayed_messages_total",
		Help: "Messages relayed, by direction (p2t: private to topic, t2p: topic to private).",
	}, []string{"direction"})
	m.TopicRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topicrelay_topic_repairs_total",
		Help: "Topics recreated after a deleted or redirected probe/send.",
	})
	m.RepairRefusals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "topicrelay_repair_refusals_total",
		Help: "Relays refused because the recreation attempt bound was exceeded.",
	})
	m.RateLimitRefusals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "topicrelay_rate_limit_refusals_total",
		Help: "Actions refused by the fixed-window rate limiter, by action.",
	}, []string{"action"})
	m.MediaGroupFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "topicrelay_media_group_flushes_total",
		Help: "Media group flush attempts, by outcome (sent, failed, superseded, empty).",
	}, []string{"outcome"})
	m.VerifyOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "topicrelay_verify_outcomes_total",
		Help: "Verification validations, by outcome (passed, failed).",
	}, []string{"outcome"})

	m.registry.MustRegister(
		m.RelayedMessages,
		m.TopicRepairs,
		m.RepairRefusals,
		m.RateLimitRefusals,
		m.MediaGroupFlushes,
		m.VerifyOutcomes,
	)
	return m
}

// Nil-safe increment helpers so components can run without metrics wired.

func (m *Metrics) Relayed(direction string) {
	if m == nil {
		return
	}
	m.RelayedMessages.WithLabelValues(direction).Inc()
}

func (m *Metrics) Repaired() {
	if m == nil {
		return
	}
	m.TopicRepairs.Inc()
}

func (m *Metrics) RepairRefused() {
	if m == nil {
		return
	}
	m.RepairRefusals.Inc()
}

func (m *Metrics) RateLimited(action string) {
	if m == nil {
		return
	}
	m.RateLimitRefusals.WithLabelValues(action).Inc()
}

func (m *Metrics) MediaFlush(outcome string) {
	if m == nil {
		return
	}
	m.MediaGroupFlushes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Verify(outcome string) {
	if m == nil {
		return
	}
	m.VerifyOutcomes.WithLabelValues(outcome).Inc()
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
