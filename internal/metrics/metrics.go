// Package metrics exposes the platform's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts edge requests by method and status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2agate",
		Name:      "http_requests_total",
		Help:      "HTTP requests served, by method and status class.",
	}, []string{"method", "status_class"})

	// DispatchesTotal counts agent dispatches by framework and outcome.
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2agate",
		Name:      "agent_dispatches_total",
		Help:      "Agent dispatches, by framework and outcome.",
	}, []string{"framework", "outcome"})

	// LLMTokensTotal counts proxied LLM tokens by provider and direction.
	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2agate",
		Name:      "llm_tokens_total",
		Help:      "LLM tokens proxied, by provider and direction.",
	}, []string{"provider", "direction"})

	// DispatchDuration observes upstream dispatch latency by framework.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "a2agate",
		Name:      "agent_dispatch_duration_seconds",
		Help:      "Upstream agent dispatch latency, by framework.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"framework"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass buckets a status code for the requests counter.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	}
	return "2xx"
}
