package monitoring

import (
	"sync"

	"github.com/paveg/hashagg/internal/join"
)

//nolint:gochecknoglobals // Required for singleton pattern in monitoring system
var (
	globalCollector *MetricsCollector
	globalMutex     sync.RWMutex
)

// SetGlobalCollector sets the global metrics collector.
func SetGlobalCollector(collector *MetricsCollector) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	globalCollector = collector
}

// GetGlobalCollector returns the global metrics collector.
// Returns nil if no global collector has been set.
func GetGlobalCollector() *MetricsCollector {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return globalCollector
}

// GlobalRecorder returns the global collector as a join.Recorder, or nil
// when no enabled collector is set.
func GlobalRecorder() join.Recorder {
	if !IsGlobalMonitoringEnabled() {
		return nil
	}
	return GetGlobalCollector()
}

// IsGlobalMonitoringEnabled returns true if global monitoring is enabled.
func IsGlobalMonitoringEnabled() bool {
	collector := GetGlobalCollector()
	return collector != nil && collector.IsEnabled()
}

// EnableGlobalMonitoring sets an enabled global collector unless one exists,
// and returns it.
func EnableGlobalMonitoring() *MetricsCollector {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if globalCollector == nil {
		globalCollector = NewMetricsCollector(true)
	}
	globalCollector.SetEnabled(true)
	return globalCollector
}

// DisableGlobalMonitoring disables the global metrics collector.
func DisableGlobalMonitoring() {
	collector := GetGlobalCollector()
	if collector != nil {
		collector.SetEnabled(false)
	}
}

// ClearGlobalMetrics clears all metrics from the global collector.
func ClearGlobalMetrics() {
	collector := GetGlobalCollector()
	if collector != nil {
		collector.Clear()
	}
}

// GetGlobalMetrics returns metrics from the global collector.
func GetGlobalMetrics() []OperationMetrics {
	collector := GetGlobalCollector()
	if collector == nil {
		return []OperationMetrics{}
	}
	return collector.GetMetrics()
}

// GetGlobalSummary returns a summary from the global collector.
func GetGlobalSummary() MetricsSummary {
	collector := GetGlobalCollector()
	if collector == nil {
		return MetricsSummary{}
	}
	return collector.GetSummary()
}
