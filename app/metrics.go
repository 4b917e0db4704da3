package app

import (
	"strconv"
	"time"

	"github.com/ofirs1988/genwave-sub001/genwave"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsCreated counts accepted generation requests.
	// Labels: post_type
	requestsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genwave",
		Name:      "requests_created_total",
		Help:      "Generation requests accepted by the connector",
	}, []string{"post_type"})

	// itemResults counts items reaching a final state.
	// Labels: field, status (completed, failed, cancelled)
	itemResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genwave",
		Name:      "item_results_total",
		Help:      "Generation items that reached a final status",
	}, []string{"field", "status"})

	// tokensUsed counts tokens reported by the backend.
	// Labels: direction (prompt, completion), field
	tokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genwave",
		Name:      "tokens_total",
		Help:      "Tokens consumed by generations",
	}, []string{"direction", "field"})

	batchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genwave",
		Name:      "batches_total",
		Help:      "Batches dispatched to the backend, by outcome",
	}, []string{"outcome"})

	// apiCalls and apiLatency observe every outbound backend attempt.
	// Labels: endpoint, code (HTTP status, 0 on transport error)
	apiCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genwave",
		Subsystem: "api",
		Name:      "calls_total",
		Help:      "Outbound Gen Wave API calls",
	}, []string{"endpoint", "code"})

	apiLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "genwave",
		Subsystem: "api",
		Name:      "latency_seconds",
		Help:      "Outbound Gen Wave API latency in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	webhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "genwave",
		Name:      "webhooks_total",
		Help:      "Webhook deliveries, by outcome",
	}, []string{"outcome"})
)

// observeAPICall is the genwave.Observer the service installs on its client.
func observeAPICall(endpoint string, status int, took time.Duration) {
	apiCalls.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	apiLatency.WithLabelValues(endpoint).Observe(took.Seconds())
}

func observeResult(r genwave.Result) {
	itemResults.WithLabelValues(r.Field, r.Status).Inc()
	if r.Usage != nil {
		tokensUsed.WithLabelValues("prompt", r.Field).Add(float64(r.Usage.PromptTokens))
		tokensUsed.WithLabelValues("completion", r.Field).Add(float64(r.Usage.CompletionTokens))
	}
}
