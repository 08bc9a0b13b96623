// Package join runs the parallel equi-join kernels.
//
// The grouped kernel joins an inner relation against an outer relation and
// averages, over all matched groups, each group's average contribution. Its
// workers move through five phases separated by four barriers:
//
//	build   every worker inserts its inner slice into the bucket table
//	        -> built
//	sketch  every worker summarizes the group keys of its outer slice
//	        -> sketched
//	size    worker 0 merges the summaries and allocates the aggregation table
//	        -> sized
//	probe   every worker probes its outer slice and accumulates matches
//	        -> aggregated
//	reduce  every worker folds its slice of aggregation slots
//
// The ungrouped kernel stops after build, one barrier and probe.
//
// All shared state of one call lives in a joinContext; nothing is kept
// between calls, so independent joins may run concurrently.
package join

import (
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/marusama/cyclicbarrier"
	"golang.org/x/sys/cpu"

	"github.com/paveg/hashagg/internal/aggtable"
	"github.com/paveg/hashagg/internal/buckettable"
	"github.com/paveg/hashagg/internal/config"
	"github.com/paveg/hashagg/internal/hashing"
	"github.com/paveg/hashagg/internal/parallel"
	"github.com/paveg/hashagg/internal/sketch"
)

// Operation names carried by errors and metrics.
const (
	OpGrouped   = "RunJoinAggregate"
	OpUngrouped = "RunJoinSum"
)

// Phase names.
const (
	PhaseValidate = "validate"
	PhaseBuild    = "build"
	PhaseSketch   = "sketch"
	PhaseSize     = "size"
	PhaseProbe    = "probe"
	PhaseReduce   = "reduce"
)

// Inner is the build relation: Keys[i] joins to Values[i].
type Inner struct {
	Keys   []uint32
	Values []uint32
}

// Len returns the tuple count.
func (r Inner) Len() int {
	return len(r.Keys)
}

// Outer is the probe relation: tuple i joins on JoinKeys[i], groups on
// GroupKeys[i] and multiplies the matched inner value by Values[i].
type Outer struct {
	JoinKeys  []uint32
	GroupKeys []uint32
	Values    []uint32
}

// Len returns the tuple count.
func (r Outer) Len() int {
	return len(r.JoinKeys)
}

// Recorder receives timings and outcomes of finished joins.
type Recorder interface {
	ObservePhase(op, phase string, d time.Duration)
	ObserveJoin(op string, stats Stats, err error)
}

// Options parameterizes one join call.
type Options struct {
	// Threads is the exact worker count.
	Threads int
	// Config supplies sizing, hashing and validation settings. Its
	// MaxThreads lowers the runtime.NumCPU() ceiling.
	Config config.Config
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Recorder is optional.
	Recorder Recorder
	// Allocator backs per-thread sketch scratch, memory.DefaultAllocator when nil.
	Allocator memory.Allocator
}

// PhaseTiming is the wall time from the previous barrier to the end of a phase.
type PhaseTiming struct {
	Phase    string        `json:"phase"`
	Duration time.Duration `json:"duration"`
}

// Stats describes a finished join.
type Stats struct {
	Result             uint64        `json:"result"`
	Threads            int           `json:"threads"`
	InnerTuples        int           `json:"inner_tuples"`
	OuterTuples        int           `json:"outer_tuples"`
	Matched            uint64        `json:"matched"`    // outer tuples that found an inner tuple
	Aggregated         uint64        `json:"aggregated"` // tuple count held by the aggregation table
	Groups             uint64        `json:"groups"`
	Estimate           uint64        `json:"estimate"`
	BuildBuckets       int           `json:"build_buckets"`
	AggregationBuckets int           `json:"aggregation_buckets"`
	PeakMemory         int64         `json:"peak_memory"`
	Phases             []PhaseTiming `json:"phases"`
	Elapsed            time.Duration `json:"elapsed"`
}

// partial is owned by one worker until the driver reduces it.
type partial struct {
	sum        uint64
	count      uint64
	matched    uint64
	violations int
	_          cpu.CacheLinePad
}

type joinContext struct {
	op      string
	threads int
	cfg     config.Config
	log     *slog.Logger
	hash    hashing.Func
	monitor *parallel.MemoryMonitor

	inner Inner
	outer Outer

	build       *buckettable.Table
	buildBytes  int64
	est         sketch.Estimator
	sketchBytes int64

	// Written by worker 0 between sketched and sized.
	aggr      *aggtable.Table
	aggrBytes int64
	estimate  uint64

	built, sketched, sized, aggregated cyclicbarrier.CyclicBarrier

	partials []partial

	// Written by worker 0 only.
	start   time.Time
	last    time.Time
	timings []PhaseTiming
}

func newJoinContext(op string, threads int, cfg config.Config, log *slog.Logger, hash hashing.Func,
	monitor *parallel.MemoryMonitor, inner Inner, outer Outer,
) *joinContext {
	return &joinContext{
		op:         op,
		threads:    threads,
		cfg:        cfg,
		log:        log,
		hash:       hash,
		monitor:    monitor,
		inner:      inner,
		outer:      outer,
		built:      cyclicbarrier.New(threads),
		sketched:   cyclicbarrier.New(threads),
		sized:      cyclicbarrier.New(threads),
		aggregated: cyclicbarrier.New(threads),
		partials:   make([]partial, threads),
	}
}

// mark closes the current phase; only worker 0 calls it.
func (jc *joinContext) mark(phase string) {
	now := time.Now()
	jc.timings = append(jc.timings, PhaseTiming{Phase: phase, Duration: now.Sub(jc.last)})
	jc.last = now
	jc.log.Debug("phase complete", "op", jc.op, "phase", phase)
}
