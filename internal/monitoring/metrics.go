// Package monitoring collects join metrics and serves them over HTTP.
//
// A MetricsCollector implements join.Recorder. It keeps a bounded history of
// finished joins for the JSON endpoints and feeds prometheus collectors for
// /metrics.
package monitoring

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	jerrors "github.com/paveg/hashagg/internal/errors"
	"github.com/paveg/hashagg/internal/join"
)

const (
	namespace = "hashagg"
	// maxHistory bounds the retained join records.
	maxHistory = 1024
	outcomeOK  = "ok"
)

var _ join.Recorder = (*MetricsCollector)(nil)

// OperationMetrics represents the outcome of a single join.
type OperationMetrics struct {
	Operation   string        `json:"operation"`
	Duration    time.Duration `json:"duration"`
	Threads     int           `json:"threads"`
	InnerTuples int           `json:"inner_tuples"`
	OuterTuples int           `json:"outer_tuples"`
	Matched     uint64        `json:"matched"`
	Groups      uint64        `json:"groups"`
	Estimate    uint64        `json:"estimate"`
	PeakMemory  int64         `json:"peak_memory"`
	Result      uint64        `json:"result"`
	Outcome     string        `json:"outcome"`
	Error       string        `json:"error,omitempty"`
}

// Parallel reports whether the join used more than one worker.
func (m OperationMetrics) Parallel() bool {
	return m.Threads > 1
}

// PhaseSummary aggregates the timings of one phase of one operation.
type PhaseSummary struct {
	Operation string        `json:"operation"`
	Phase     string        `json:"phase"`
	Count     int           `json:"count"`
	Total     time.Duration `json:"total"`
	Average   time.Duration `json:"average"`
	Max       time.Duration `json:"max"`
}

type phaseKey struct {
	op, phase string
}

// MetricsCollector collects and stores metrics of join operations.
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics []OperationMetrics
	phases  map[phaseKey]*PhaseSummary
	enabled bool

	phaseDuration *prometheus.HistogramVec
	joinDuration  *prometheus.HistogramVec
	joins         *prometheus.CounterVec
	tuples        *prometheus.CounterVec
	groups        *prometheus.GaugeVec
	peakMemory    *prometheus.GaugeVec
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(enabled bool) *MetricsCollector {
	return &MetricsCollector{
		metrics: make([]OperationMetrics, 0),
		phases:  make(map[phaseKey]*PhaseSummary),
		enabled: enabled,
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "phase_duration_seconds",
			Help:      "Bucketed histogram of join phase duration.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2.0, 20),
		}, []string{"op", "phase"}),
		joinDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of join duration.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2.0, 20),
		}, []string{"op"}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "total",
			Help:      "Finished joins by outcome.",
		}, []string{"op", "outcome"}),
		tuples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "tuples_total",
			Help:      "Tuples consumed by successful joins.",
		}, []string{"op", "relation"}),
		groups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "groups",
			Help:      "Groups produced by the last successful join.",
		}, []string{"op"}),
		peakMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "join",
			Name:      "peak_memory_bytes",
			Help:      "Peak shared table memory of the last join.",
		}, []string{"op"}),
	}
}

// Register adds the prometheus collectors to reg.
func (mc *MetricsCollector) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		mc.phaseDuration, mc.joinDuration, mc.joins, mc.tuples, mc.groups, mc.peakMemory,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// IsEnabled returns whether metrics collection is enabled.
func (mc *MetricsCollector) IsEnabled() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.enabled
}

// SetEnabled enables or disables metrics collection.
func (mc *MetricsCollector) SetEnabled(enabled bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.enabled = enabled
}

// ObservePhase records the duration of one protocol phase.
func (mc *MetricsCollector) ObservePhase(op, phase string, d time.Duration) {
	if !mc.IsEnabled() {
		return
	}
	mc.phaseDuration.WithLabelValues(op, phase).Observe(d.Seconds())

	mc.mu.Lock()
	defer mc.mu.Unlock()
	key := phaseKey{op, phase}
	s, ok := mc.phases[key]
	if !ok {
		s = &PhaseSummary{Operation: op, Phase: phase}
		mc.phases[key] = s
	}
	s.Count++
	s.Total += d
	s.Average = s.Total / time.Duration(s.Count)
	s.Max = max(s.Max, d)
}

// ObserveJoin records a finished join.
func (mc *MetricsCollector) ObserveJoin(op string, stats join.Stats, err error) {
	if !mc.IsEnabled() {
		return
	}

	m := OperationMetrics{
		Operation:   op,
		Duration:    stats.Elapsed,
		Threads:     stats.Threads,
		InnerTuples: stats.InnerTuples,
		OuterTuples: stats.OuterTuples,
		Matched:     stats.Matched,
		Groups:      stats.Groups,
		Estimate:    stats.Estimate,
		PeakMemory:  stats.PeakMemory,
		Result:      stats.Result,
		Outcome:     Outcome(err),
	}
	if err != nil {
		m.Error = err.Error()
	}

	mc.joins.WithLabelValues(op, m.Outcome).Inc()
	mc.peakMemory.WithLabelValues(op).Set(float64(stats.PeakMemory))
	if err == nil {
		mc.joinDuration.WithLabelValues(op).Observe(stats.Elapsed.Seconds())
		mc.tuples.WithLabelValues(op, "inner").Add(float64(stats.InnerTuples))
		mc.tuples.WithLabelValues(op, "outer").Add(float64(stats.OuterTuples))
		mc.groups.WithLabelValues(op).Set(float64(stats.Groups))
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if len(mc.metrics) == maxHistory {
		mc.metrics = append(mc.metrics[:0], mc.metrics[1:]...)
	}
	mc.metrics = append(mc.metrics, m)
}

// Outcome returns the metric label for err: "ok" or the error kind.
func Outcome(err error) string {
	if err == nil {
		return outcomeOK
	}
	return strings.ReplaceAll(jerrors.KindOf(err).String(), " ", "_")
}

// RecordOperation executes fn and records its stats under operation.
func (mc *MetricsCollector) RecordOperation(operation string, fn func() (join.Stats, error)) (join.Stats, error) {
	start := time.Now()
	stats, err := fn()
	if stats.Elapsed == 0 {
		stats.Elapsed = time.Since(start)
	}
	mc.ObserveJoin(operation, stats, err)
	return stats, err
}

// GetMetrics returns a copy of all collected metrics.
func (mc *MetricsCollector) GetMetrics() []OperationMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	// Return a copy to avoid race conditions
	result := make([]OperationMetrics, len(mc.metrics))
	copy(result, mc.metrics)
	return result
}

// GetPhaseSummaries returns the phase aggregates ordered by operation and
// first appearance of the phase in the protocol.
func (mc *MetricsCollector) GetPhaseSummaries() []PhaseSummary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	result := make([]PhaseSummary, 0, len(mc.phases))
	for _, s := range mc.phases {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Operation != result[j].Operation {
			return result[i].Operation < result[j].Operation
		}
		return phaseOrder(result[i].Phase) < phaseOrder(result[j].Phase)
	})
	return result
}

func phaseOrder(phase string) int {
	switch phase {
	case join.PhaseValidate:
		return 0
	case join.PhaseBuild:
		return 1
	case join.PhaseSketch:
		return 2
	case join.PhaseSize:
		return 3
	case join.PhaseProbe:
		return 4
	case join.PhaseReduce:
		return 5
	default:
		return 6
	}
}

// Clear removes all collected metrics.
func (mc *MetricsCollector) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics = mc.metrics[:0]
	clear(mc.phases)
}

// GetSummary returns a summary of collected metrics.
func (mc *MetricsCollector) GetSummary() MetricsSummary {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if len(mc.metrics) == 0 {
		return MetricsSummary{}
	}

	var totalDuration time.Duration
	var totalTuples int64
	var failures int
	var peak int64
	operationCounts := make(map[string]int)

	for _, metric := range mc.metrics {
		totalDuration += metric.Duration
		totalTuples += int64(metric.InnerTuples) + int64(metric.OuterTuples)
		peak = max(peak, metric.PeakMemory)
		if metric.Outcome != outcomeOK {
			failures++
		}
		operationCounts[metric.Operation]++
	}

	return MetricsSummary{
		TotalOperations: len(mc.metrics),
		Failures:        failures,
		TotalDuration:   totalDuration,
		PeakMemory:      peak,
		TotalTuples:     totalTuples,
		OperationCounts: operationCounts,
		AverageDuration: totalDuration / time.Duration(len(mc.metrics)),
	}
}

// MetricsSummary provides aggregate statistics for collected metrics.
type MetricsSummary struct {
	TotalOperations int            `json:"total_operations"`
	Failures        int            `json:"failures"`
	TotalDuration   time.Duration  `json:"total_duration"`
	PeakMemory      int64          `json:"peak_memory"`
	TotalTuples     int64          `json:"total_tuples"`
	OperationCounts map[string]int `json:"operation_counts"`
	AverageDuration time.Duration  `json:"average_duration"`
}
