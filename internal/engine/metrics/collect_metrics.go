package metrics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

const collectionInterval = 30 * time.Second

// StartMetricsCollection updates the system gauges on a fixed interval until
// the returned stop function is called.
func StartMetricsCollection() (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(collectionInterval)
		defer ticker.Stop()
		collectSystemMetrics()
		for {
			select {
			case <-ticker.C:
				collectSystemMetrics()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func collectSystemMetrics() {
	UptimeSeconds.Set(time.Since(startTime).Seconds())

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryUsageBytes.Set(float64(memStats.Alloc))
	GoroutinesActive.Set(float64(runtime.NumGoroutine()))

	cpuPercentages, err := cpu.Percent(0, false)
	if err == nil && len(cpuPercentages) > 0 {
		CPUUsagePercent.Set(cpuPercentages[0])
	}
}
