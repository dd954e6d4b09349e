package monitor

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ukleadgen/leadgen-backend/internal/engine/metrics"
)

// CollectSystemSample records one snapshot of host and runtime resource usage
// and mirrors the values into the prometheus gauges.
func (m *Monitor) CollectSystemSample() {
	now := time.Now()

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		m.Record(Sample{Timestamp: now, Metric: "cpu_percent", Value: percentages[0], Unit: "%"})
		metrics.CPUUsagePercent.Set(percentages[0])
	} else if err != nil && m.logger != nil {
		m.logger.Debug("cpu sample unavailable", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.Record(Sample{Timestamp: now, Metric: "memory_percent", Value: vm.UsedPercent, Unit: "%"})
		m.Record(Sample{Timestamp: now, Metric: "memory_used_mb", Value: float64(vm.Used) / (1 << 20), Unit: "MB"})
	} else if m.logger != nil {
		m.logger.Debug("memory sample unavailable", "error", err)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	metrics.MemoryUsageBytes.Set(float64(memStats.Alloc))

	goroutines := float64(runtime.NumGoroutine())
	m.Record(Sample{Timestamp: now, Metric: "goroutines", Value: goroutines, Unit: "count"})
	metrics.GoroutinesActive.Set(goroutines)
}

// Start launches the background system sampling loop. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CollectionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CollectSystemSample()
			case <-m.stopCh:
				return
			}
		}
	}()
	if m.logger != nil {
		m.logger.Info("performance monitoring started", "interval", m.cfg.CollectionInterval.String())
	}
}

// Stop halts the sampling loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	if m.logger != nil {
		m.logger.Info("performance monitoring stopped")
	}
}
