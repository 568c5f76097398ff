package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "goodsdeck"

// ============================================================================
// 抓取指标
// ============================================================================

var (
	// SourceRequestsTotal 各来源 HTTP 请求数（按状态分类）。
	SourceRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_requests_total",
		Help:      "Outbound marketplace requests by source and status.",
	}, []string{"source", "status"})

	// SourceRequestDuration 各来源请求耗时。
	SourceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "source_request_duration_seconds",
		Help:      "Outbound marketplace request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	// SourceErrorsTotal 各来源错误数（按错误类型分类）。
	SourceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "source_errors_total",
		Help:      "Source fetch errors by source and error type.",
	}, []string{"source", "type"})

	// ScrapePagesTotal 翻页次数。
	ScrapePagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scrape_pages_total",
		Help:      "Result pages fetched per source.",
	}, []string{"source"})

	// ScrapeCandidatesTotal 收集到的新候选数。
	ScrapeCandidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scrape_candidates_total",
		Help:      "New candidates collected per source.",
	}, []string{"source"})

	// ScrapeStopsTotal 分页终止原因。
	ScrapeStopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scrape_stops_total",
		Help:      "Pagination stops by source and reason.",
	}, []string{"source", "reason"})

	// ItemsSavedTotal 实际插入的商品数。
	ItemsSavedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "items_saved_total",
		Help:      "Rows inserted by bulk scrape persistence.",
	})

	// ScrapeRunning 全量抓取是否正在运行。
	ScrapeRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "scrape_running",
		Help:      "1 while a full scrape run is in progress.",
	})
)

// ============================================================================
// 详情补全指标
// ============================================================================

var (
	EnrichProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enrich_processed_total",
		Help:      "Detail enrichment attempts by outcome.",
	}, []string{"status"})

	EnrichQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "enrich_queue_depth",
		Help:      "Items waiting for detail enrichment.",
	})

	EnrichWorkerAlive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "enrich_worker_alive",
		Help:      "1 while the enrichment drain goroutine is running.",
	})
)

// ============================================================================
// 限流指标
// ============================================================================

var (
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting for a rate limit token.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Rate limit waits abandoned because the context ended.",
	})
)

// ============================================================================
// 后台任务队列指标
// ============================================================================

var (
	JobQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "job_queue_depth",
		Help:      "Background scrape jobs waiting in the in-memory queue.",
	})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Background scrape jobs by outcome.",
	}, []string{"status"})

	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "jobs_running",
		Help:      "Background scrape jobs currently executing.",
	})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Background job run time by job kind.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
	}, []string{"kind"})
)
