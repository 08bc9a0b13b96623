package monitoring

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/paveg/hashagg/internal/join"
)

const (
	defaultIterations = 5
	bytesToMB         = 1024 * 1024
	percentageBase    = 100
)

// BenchmarkScenario is one join configuration to time.
type BenchmarkScenario struct {
	Name        string
	Description string
	Threads     int
	Tuples      int // inner + outer tuples per iteration
	Operation   func() (join.Stats, error)
	Iterations  int
}

// BenchmarkResult contains the results of running a benchmark scenario.
type BenchmarkResult struct {
	Scenario          BenchmarkScenario `json:"scenario"`
	Duration          time.Duration     `json:"duration"`
	AverageDuration   time.Duration     `json:"average_duration"`
	MinDuration       time.Duration     `json:"min_duration"`
	MaxDuration       time.Duration     `json:"max_duration"`
	MemoryAllocated   int64             `json:"memory_allocated"`
	MemoryAllocations int64             `json:"memory_allocations"`
	TuplesPerSec      float64           `json:"tuples_per_sec"`
	Result            uint64            `json:"result"`
	Success           bool              `json:"success"`
	ErrorMessage      string            `json:"error_message,omitempty"`
}

// BenchmarkSuite manages and executes a collection of benchmark scenarios.
type BenchmarkSuite struct {
	scenarios []BenchmarkScenario
	results   []BenchmarkResult
	collector *MetricsCollector
}

// NewBenchmarkSuite creates a new benchmark suite. collector may be nil.
func NewBenchmarkSuite(collector *MetricsCollector) *BenchmarkSuite {
	return &BenchmarkSuite{
		scenarios: make([]BenchmarkScenario, 0),
		results:   make([]BenchmarkResult, 0),
		collector: collector,
	}
}

// AddScenario adds a benchmark scenario to the suite.
func (bs *BenchmarkSuite) AddScenario(scenario BenchmarkScenario) {
	bs.scenarios = append(bs.scenarios, scenario)
}

// AddThreadScaling adds one scenario per thread count, each running
// run(threads) over the same tuples.
func (bs *BenchmarkSuite) AddThreadScaling(name string, tuples int, threads []int,
	run func(threads int) (join.Stats, error),
) {
	for _, n := range threads {
		bs.AddScenario(BenchmarkScenario{
			Name:        fmt.Sprintf("%s/threads=%d", name, n),
			Description: fmt.Sprintf("%s with %d workers", name, n),
			Threads:     n,
			Tuples:      tuples,
			Operation:   func() (join.Stats, error) { return run(n) },
			Iterations:  defaultIterations,
		})
	}
}

// ScalingThreads returns 1, 2, 4, ... up to and including maxThreads.
func ScalingThreads(maxThreads int) []int {
	var threads []int
	for n := 1; n < maxThreads; n *= 2 {
		threads = append(threads, n)
	}
	if maxThreads >= 1 {
		threads = append(threads, maxThreads)
	}
	return threads
}

// Run executes all benchmark scenarios and returns the results.
func (bs *BenchmarkSuite) Run() []BenchmarkResult {
	bs.results = make([]BenchmarkResult, 0, len(bs.scenarios))

	for _, scenario := range bs.scenarios {
		result := bs.runScenario(scenario)
		bs.results = append(bs.results, result)
	}

	return bs.results
}

// runScenario executes a single benchmark scenario.
func (bs *BenchmarkSuite) runScenario(scenario BenchmarkScenario) BenchmarkResult {
	if scenario.Iterations <= 0 {
		scenario.Iterations = 1
	}

	durations := make([]time.Duration, 0, scenario.Iterations)
	var totalDuration time.Duration
	var memBefore, memAfter runtime.MemStats
	var result uint64
	success := true
	errorMessage := ""

	// Force GC before measuring memory
	runtime.GC()
	runtime.ReadMemStats(&memBefore)

	for i := range scenario.Iterations {
		start := time.Now()

		stats, err := scenario.Operation()
		if bs.collector != nil {
			bs.collector.ObserveJoin(scenario.Name, stats, err)
		}
		if err != nil {
			success = false
			errorMessage = fmt.Sprintf("Iteration %d failed: %v", i+1, err)
			break
		}
		result = stats.Result

		duration := time.Since(start)
		durations = append(durations, duration)
		totalDuration += duration
	}

	runtime.GC()
	runtime.ReadMemStats(&memAfter)

	var avgDuration, minDuration, maxDuration time.Duration
	if len(durations) > 0 {
		avgDuration = totalDuration / time.Duration(len(durations))
		minDuration = durations[0]
		maxDuration = durations[0]
		for _, d := range durations {
			minDuration = min(minDuration, d)
			maxDuration = max(maxDuration, d)
		}
	}

	tuplesPerSec := 0.0
	if avgDuration > 0 {
		tuplesPerSec = float64(scenario.Tuples) / avgDuration.Seconds()
	}

	return BenchmarkResult{
		Scenario:          scenario,
		Duration:          totalDuration,
		AverageDuration:   avgDuration,
		MinDuration:       minDuration,
		MaxDuration:       maxDuration,
		MemoryAllocated:   int64(memAfter.TotalAlloc - memBefore.TotalAlloc), //nolint:gosec // Safe memory calculation
		MemoryAllocations: int64(memAfter.Mallocs - memBefore.Mallocs),       //nolint:gosec // Safe memory calculation
		TuplesPerSec:      tuplesPerSec,
		Result:            result,
		Success:           success,
		ErrorMessage:      errorMessage,
	}
}

// GetResults returns the benchmark results.
func (bs *BenchmarkSuite) GetResults() []BenchmarkResult {
	return bs.results
}

// GenerateReport generates a markdown report of the benchmark results.
func (bs *BenchmarkSuite) GenerateReport() string {
	if len(bs.results) == 0 {
		return "# Benchmark Report\n\nNo benchmark results available.\n"
	}

	var report strings.Builder

	report.WriteString("# hashagg Benchmark Report\n\n")
	fmt.Fprintf(&report, "Generated: %s\n\n", time.Now().Format(time.RFC3339))

	bs.generateSummaryTable(&report)
	bs.generateDetailedResults(&report)
	bs.generatePerformanceInsights(&report)

	return report.String()
}

func (bs *BenchmarkSuite) generateSummaryTable(report *strings.Builder) {
	report.WriteString("## Summary\n\n")
	report.WriteString("| Scenario | Threads | Avg Duration | Tuples/Sec | Speedup | Memory (MB) | Status |\n")
	report.WriteString("|----------|---------|--------------|------------|---------|-------------|--------|\n")

	baseline := bs.baseline()
	for _, result := range bs.results {
		status := "ok"
		if !result.Success {
			status = "failed"
		}

		speedup := 0.0
		if baseline > 0 && result.AverageDuration > 0 {
			speedup = float64(baseline) / float64(result.AverageDuration)
		}

		fmt.Fprintf(report, "| %s | %d | %v | %.0f | %.2fx | %.2f | %s |\n",
			result.Scenario.Name,
			result.Scenario.Threads,
			result.AverageDuration,
			result.TuplesPerSec,
			speedup,
			float64(result.MemoryAllocated)/bytesToMB,
			status)
	}

	report.WriteString("\n")
}

// baseline returns the average duration of the first successful
// single-threaded scenario, or zero.
func (bs *BenchmarkSuite) baseline() time.Duration {
	for _, result := range bs.results {
		if result.Success && result.Scenario.Threads == 1 {
			return result.AverageDuration
		}
	}
	return 0
}

func (bs *BenchmarkSuite) generateDetailedResults(report *strings.Builder) {
	report.WriteString("## Detailed Results\n\n")

	for _, result := range bs.results {
		fmt.Fprintf(report, "### %s\n\n", result.Scenario.Name)

		if result.Scenario.Description != "" {
			fmt.Fprintf(report, "**Description:** %s\n\n", result.Scenario.Description)
		}

		fmt.Fprintf(report, "- **Tuples:** %d\n", result.Scenario.Tuples)
		fmt.Fprintf(report, "- **Iterations:** %d\n", result.Scenario.Iterations)
		fmt.Fprintf(report, "- **Result:** %d\n", result.Result)
		fmt.Fprintf(report, "- **Total Duration:** %v\n", result.Duration)
		fmt.Fprintf(report, "- **Average Duration:** %v\n", result.AverageDuration)
		fmt.Fprintf(report, "- **Min Duration:** %v\n", result.MinDuration)
		fmt.Fprintf(report, "- **Max Duration:** %v\n", result.MaxDuration)
		fmt.Fprintf(report, "- **Memory Allocated:** %d bytes (%.2f MB)\n",
			result.MemoryAllocated, float64(result.MemoryAllocated)/bytesToMB)
		fmt.Fprintf(report, "- **Memory Allocations:** %d\n", result.MemoryAllocations)

		if !result.Success {
			fmt.Fprintf(report, "- **Error:** %s\n", result.ErrorMessage)
		}

		report.WriteString("\n")
	}
}

func (bs *BenchmarkSuite) generatePerformanceInsights(report *strings.Builder) {
	report.WriteString("## Performance Insights\n\n")

	if len(bs.results) > 1 {
		fastest, slowest := bs.findFastestAndSlowest()

		fmt.Fprintf(report, "- **Fastest:** %s (%v average)\n",
			fastest.Scenario.Name, fastest.AverageDuration)
		fmt.Fprintf(report, "- **Slowest:** %s (%v average)\n",
			slowest.Scenario.Name, slowest.AverageDuration)
	}

	if !bs.consistentResults() {
		report.WriteString("- **Warning:** results differ between thread counts\n")
	}

	successful, _ := bs.countSuccessAndFailure()
	fmt.Fprintf(report, "- **Success Rate:** %d/%d (%.1f%%)\n",
		successful, len(bs.results), float64(successful)/float64(len(bs.results))*percentageBase)
}

func (bs *BenchmarkSuite) findFastestAndSlowest() (BenchmarkResult, BenchmarkResult) {
	fastest := bs.results[0]
	slowest := bs.results[0]

	for _, result := range bs.results[1:] {
		if result.Success && result.AverageDuration < fastest.AverageDuration {
			fastest = result
		}
		if result.Success && result.AverageDuration > slowest.AverageDuration {
			slowest = result
		}
	}

	return fastest, slowest
}

// consistentResults reports whether every successful scenario of the same
// name prefix produced the same join result.
func (bs *BenchmarkSuite) consistentResults() bool {
	seen := make(map[string]uint64)
	for _, result := range bs.results {
		if !result.Success {
			continue
		}
		name, _, _ := strings.Cut(result.Scenario.Name, "/")
		if prev, ok := seen[name]; ok && prev != result.Result {
			return false
		}
		seen[name] = result.Result
	}
	return true
}

func (bs *BenchmarkSuite) countSuccessAndFailure() (int, int) {
	var successful, failed int
	for _, result := range bs.results {
		if result.Success {
			successful++
		} else {
			failed++
		}
	}
	return successful, failed
}

// Clear removes all scenarios and results from the suite.
func (bs *BenchmarkSuite) Clear() {
	bs.scenarios = bs.scenarios[:0]
	bs.results = bs.results[:0]
}
