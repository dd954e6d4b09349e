package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startTime = time.Now()

	// UptimeSeconds tracks the engine uptime in seconds
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "uptime_seconds",
		Help:      "The uptime of the automation engine in seconds",
	})

	// MemoryUsageBytes tracks the engine heap allocation
	MemoryUsageBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "memory_usage_bytes",
		Help:      "Engine memory consumption in bytes",
	})

	// GoroutinesActive tracks the number of active goroutines
	GoroutinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "goroutines_active",
		Help:      "Number of active goroutines",
	})

	// CPUUsagePercent tracks host CPU utilization
	CPUUsagePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "cpu_usage_percent",
		Help:      "CPU utilization percentage",
	})

	// TasksRunning tracks the number of tasks currently executing
	TasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "tasks_running",
		Help:      "Number of tasks currently executing",
	})

	// TasksCompleted tracks the total number of tasks that succeeded
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "tasks_completed_total",
		Help:      "Total number of tasks that succeeded",
	})

	// TasksFailed tracks the total number of tasks that failed permanently
	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "tasks_failed_total",
		Help:      "Total number of tasks that failed permanently",
	})

	// TasksRetried tracks the total number of retry attempts scheduled
	TasksRetried = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "tasks_retried_total",
		Help:      "Total number of retry attempts scheduled",
	})

	// CacheHits tracks the total number of result cache hits
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "cache_hits_total",
		Help:      "Total number of result cache hits",
	})

	// CacheMisses tracks the total number of result cache misses
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "cache_misses_total",
		Help:      "Total number of result cache misses",
	})

	// CampaignProgressPercent tracks completion of the active campaign
	CampaignProgressPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "leadgen",
		Subsystem: "engine",
		Name:      "campaign_progress_percent",
		Help:      "Completion percentage of the active campaign",
	})
)
