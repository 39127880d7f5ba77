package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recall_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Query pipeline metrics
	QueriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_queries_processed_total",
			Help: "Total number of queries processed",
		},
		[]string{"status"},
	)

	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recall_query_duration_seconds",
			Help:    "Duration of query processing in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CitationViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recall_citation_violations_total",
			Help: "Total number of model citations referencing ids outside the retrieved context",
		},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recall_cache_hits_total",
			Help: "Total number of response cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recall_cache_misses_total",
			Help: "Total number of response cache misses",
		},
	)

	// Ingestion metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_messages_ingested_total",
			Help: "Total number of messages ingested",
		},
		[]string{"status"},
	)

	StoredMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "recall_stored_messages",
			Help: "Number of messages currently in the vector store",
		},
	)

	// Provider API metrics
	EmbeddingAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_embedding_api_calls_total",
			Help: "Total number of embedding API calls",
		},
		[]string{"status"},
	)

	EmbeddingAPICallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recall_embedding_api_call_duration_seconds",
			Help:    "Duration of embedding API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LLMAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_llm_api_calls_total",
			Help: "Total number of LLM API calls",
		},
		[]string{"status"},
	)

	LLMAPICallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recall_llm_api_call_duration_seconds",
			Help:    "Duration of LLM API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recall_rate_limit_timeouts_total",
			Help: "Total number of calls that gave up waiting for rate limit capacity",
		},
	)
)
