package join

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paveg/hashagg/internal/buckettable"
	"github.com/paveg/hashagg/internal/config"
	jerrors "github.com/paveg/hashagg/internal/errors"
	"github.com/paveg/hashagg/internal/hashing"
	"github.com/paveg/hashagg/internal/parallel"
	"github.com/paveg/hashagg/internal/sketch"
	"github.com/paveg/hashagg/internal/validation"
)

// hllBytesPerThread approximates one dense precision-14 HyperLogLog sketch.
const hllBytesPerThread = 1 << 14

// RunGrouped joins inner with outer, groups matches by outer group key and
// returns the average over groups of each group's average of
// inner value * outer value.
func RunGrouped(ctx context.Context, inner Inner, outer Outer, opts Options) (Stats, error) {
	return run(ctx, OpGrouped, inner, outer, opts)
}

// RunUngrouped joins inner with outer and returns the average of
// inner value * outer value over all matches.
func RunUngrouped(ctx context.Context, inner Inner, outer Outer, opts Options) (Stats, error) {
	return run(ctx, OpUngrouped, inner, outer, opts)
}

// Validate checks relations and the thread count without running the join.
func Validate(op string, inner Inner, outer Outer, threads int, cfg config.Config) error {
	grouped := op == OpGrouped
	ceiling := cfg.EffectiveMaxThreads(runtime.NumCPU())

	v := validation.NewCompoundValidator(
		validation.NewThreadCountValidator(threads, ceiling, op),
		validation.NewLengthValidator(len(inner.Keys), len(inner.Values), op, "inner values"),
		validation.NewLengthValidator(len(outer.JoinKeys), len(outer.Values), op, "outer values"),
	)
	if grouped {
		v.Add(validation.NewLengthValidator(len(outer.JoinKeys), len(outer.GroupKeys), op, "outer group keys"))
	}
	if cfg.ValidateInput {
		v.Add(
			validation.NewReservedKeyValidator(inner.Keys, op, "inner keys"),
			validation.NewReservedKeyValidator(outer.JoinKeys, op, "outer join keys"),
		)
		if grouped {
			v.Add(validation.NewReservedKeyValidator(outer.GroupKeys, op, "outer group keys"))
		}
	}
	return v.Validate()
}

func run(ctx context.Context, op string, inner Inner, outer Outer, opts Options) (stats Stats, err error) {
	start := time.Now()
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Recorder != nil {
		defer func() {
			opts.Recorder.ObserveJoin(op, stats, err)
		}()
	}

	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return stats, jerrors.NewConfigurationError(op, err.Error())
	}
	if err := Validate(op, inner, outer, opts.Threads, cfg); err != nil {
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, jerrors.NewCanceledError(op, PhaseValidate, err)
	}
	hash, err := hashing.ByName(cfg.HashFunction)
	if err != nil {
		return stats, jerrors.NewConfigurationError(op, err.Error())
	}

	threads := opts.Threads
	monitor := parallel.NewMemoryMonitorFromConfig(cfg)
	jc := newJoinContext(op, threads, cfg, log, hash, monitor, inner, outer)
	defer jc.release()

	jc.start = start
	if err := jc.execute(ctx, opts.Allocator); err != nil {
		return stats, err
	}

	stats = jc.stats()
	if opts.Recorder != nil {
		for _, t := range stats.Phases {
			opts.Recorder.ObservePhase(op, t.Phase, t.Duration)
		}
	}

	if stats.Result, err = jc.result(); err != nil {
		return stats, err
	}

	log.Debug("join finished", "op", op, "result", stats.Result,
		"matched", stats.Matched, "groups", stats.Groups, "elapsed", stats.Elapsed)
	return stats, nil
}

// execute allocates the shared tables and runs one worker per thread
// through the protocol of jc.op.
func (jc *joinContext) execute(ctx context.Context, alloc memory.Allocator) error {
	if err := jc.allocateBuild(); err != nil {
		return err
	}
	grouped := jc.op == OpGrouped
	if grouped {
		if err := jc.allocateEstimator(alloc); err != nil {
			return err
		}
	}

	jc.log.Debug("join starting", "op", jc.op, "threads", jc.threads,
		"inner_tuples", jc.inner.Len(), "outer_tuples", jc.outer.Len(), "build_buckets", jc.build.Len())

	phases := (*worker).runUngrouped
	final := PhaseProbe
	if grouped {
		phases = (*worker).runGrouped
		final = PhaseReduce
	}

	if jc.start.IsZero() {
		jc.start = time.Now()
	}
	jc.last = time.Now()
	err := parallel.NewPool(jc.threads).Execute(ctx, func(ctx context.Context, thread int) error {
		return phases(newWorker(jc, thread), ctx)
	})
	if err != nil {
		return normalize(jc.op, err)
	}
	jc.mark(final)
	return nil
}

// result divides the summed partials; grouped partials count groups,
// ungrouped ones count matches.
func (jc *joinContext) result() (uint64, error) {
	var totalSum, totalCount uint64
	for i := range jc.partials {
		totalSum += jc.partials[i].sum
		totalCount += jc.partials[i].count
	}
	if totalCount == 0 {
		return 0, jerrors.NewNoResultsError(jc.op)
	}
	return totalSum / totalCount, nil
}

func (jc *joinContext) allocateBuild() error {
	bytes := buckettable.Bytes(jc.inner.Len(), jc.cfg.LoadFactor)
	if err := jc.monitor.Reserve(bytes); err != nil {
		return jerrors.NewResourceExhaustedError(jc.op, PhaseBuild, "bucket table exceeds memory budget", err)
	}
	jc.buildBytes = bytes
	build, err := buckettable.New(jc.inner.Len(),
		buckettable.WithLoadFactor(jc.cfg.LoadFactor), buckettable.WithHash(jc.hash))
	if err != nil {
		return jerrors.NewResourceExhaustedError(jc.op, PhaseBuild, "bucket table allocation failed", err)
	}
	jc.build = build
	return nil
}

func (jc *joinContext) allocateEstimator(alloc memory.Allocator) error {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}

	var (
		est   sketch.Estimator
		bytes int64
		err   error
	)
	switch jc.cfg.Estimator {
	case config.EstimatorHyperLogLog:
		bytes = int64(jc.threads) * hllBytesPerThread
		est, err = sketch.NewHLL(jc.threads)
	default:
		bytes = sketch.Bytes(jc.threads, jc.cfg.LogPartitions)
		est, err = sketch.NewBitmap(jc.threads,
			sketch.WithLogPartitions(jc.cfg.LogPartitions),
			sketch.WithCalibration(jc.cfg.Calibration),
			sketch.WithHash(jc.hash),
			sketch.WithAllocator(parallel.NewMonitoredAllocator(alloc, jc.monitor)))
	}
	if err != nil {
		return jerrors.NewConfigurationError(jc.op, err.Error())
	}
	if err := jc.monitor.Reserve(bytes); err != nil {
		return jerrors.NewResourceExhaustedError(jc.op, PhaseSketch, "sketch exceeds memory budget", err)
	}
	jc.est, jc.sketchBytes = est, bytes
	return nil
}

// stats collects the figures of a finished join before release.
func (jc *joinContext) stats() Stats {
	s := Stats{
		Threads:      jc.threads,
		InnerTuples:  jc.inner.Len(),
		OuterTuples:  jc.outer.Len(),
		Estimate:     jc.estimate,
		BuildBuckets: jc.build.Len(),
		PeakMemory:   jc.monitor.PeakUsage(),
		Phases:       jc.timings,
		Elapsed:      time.Since(jc.start),
	}
	for i := range jc.partials {
		s.Matched += jc.partials[i].matched
	}
	if jc.aggr != nil {
		s.AggregationBuckets = jc.aggr.Len()
		s.Aggregated = jc.aggr.Matched()
		for i := range jc.partials {
			s.Groups += jc.partials[i].count
		}
	}
	return s
}

// release drops every shared structure and its memory reservation.
func (jc *joinContext) release() {
	if jc.est != nil {
		jc.est.Release()
		jc.monitor.RecordDeallocation(jc.sketchBytes)
		jc.est, jc.sketchBytes = nil, 0
	}
	if jc.aggr != nil {
		jc.monitor.RecordDeallocation(jc.aggrBytes)
		jc.aggr = nil
	}
	if jc.build != nil {
		jc.monitor.RecordDeallocation(jc.buildBytes)
		jc.build = nil
	}
}

// normalize turns worker errors into JoinErrors.
func normalize(op string, err error) error {
	var je *jerrors.JoinError
	if errors.As(err, &je) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return jerrors.NewCanceledError(op, "", err)
	}
	return jerrors.NewInternalError(op, fmt.Errorf("worker failed: %w", err))
}
