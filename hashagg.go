// Package hashagg runs a parallel inner equi-join followed by a group-by
// average.
//
// Given an inner relation (key, value) and an outer relation
// (join_key, group_key, value), RunJoinAggregate matches every outer tuple
// against the inner tuple with the same key, groups the products
// inner value * outer value by the outer group key and returns the average,
// over all groups with at least one match, of each group's own average:
//
//	inner := hashagg.Inner{Keys: []uint32{1, 2}, Values: []uint32{10, 20}}
//	outer := hashagg.Outer{
//		JoinKeys:  []uint32{1, 1, 2, 3},
//		GroupKeys: []uint32{100, 100, 200, 999},
//		Values:    []uint32{1, 1, 1, 1},
//	}
//	avg, err := hashagg.RunJoinAggregate(ctx, inner, outer, hashagg.WithThreads(1))
//	// avg == 15: group 100 averages 10, group 200 averages 20
//
// RunJoinSum skips the grouping and averages the products over all matches.
//
// Keys and group keys use 0 as the empty-slot sentinel, so 0 is rejected as
// input. Inner keys must be distinct. All arithmetic is integer: per-group
// and final averages truncate.
//
// Errors are *errors.JoinError values from internal/errors; match them with
// errors.Is against the exported sentinels ErrConfiguration, ErrInvalidInput,
// ErrConsistency, ErrNoResults, ErrResourceExhausted and ErrCanceled.
package hashagg

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paveg/hashagg/internal/config"
	jerrors "github.com/paveg/hashagg/internal/errors"
	"github.com/paveg/hashagg/internal/join"
	"github.com/paveg/hashagg/internal/monitoring"
	"github.com/paveg/hashagg/internal/validation"
)

// Inner is the build relation.
type Inner = join.Inner

// Outer is the probe relation.
type Outer = join.Outer

// Stats describes a finished join.
type Stats = join.Stats

// PhaseTiming is the duration of one protocol phase.
type PhaseTiming = join.PhaseTiming

// Config holds sizing, hashing and validation settings.
type Config = config.Config

// Recorder receives phase timings and join outcomes.
type Recorder = join.Recorder

// Error sentinels, matched by kind through errors.Is.
var (
	ErrConfiguration     = jerrors.ErrConfiguration
	ErrInvalidInput      = jerrors.ErrInvalidInput
	ErrConsistency       = jerrors.ErrConsistency
	ErrNoResults         = jerrors.ErrNoResults
	ErrResourceExhausted = jerrors.ErrResourceExhausted
	ErrCanceled          = jerrors.ErrCanceled
)

// Option configures one call.
type Option func(*settings)

type settings struct {
	threads    int
	threadsSet bool
	cfg        config.Config
	logger     *slog.Logger
	recorder   join.Recorder
	alloc      memory.Allocator
}

// WithThreads sets the exact worker count. It must lie in
// [1, runtime.NumCPU()]. Without it the configured Threads is used, and
// a configured 0 means every logical CPU.
func WithThreads(n int) Option {
	return func(s *settings) {
		s.threads, s.threadsSet = n, true
	}
}

// WithConfig replaces the global configuration for this call.
func WithConfig(cfg Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithLogger sets the logger, slog.Default() otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithMetrics sends phase timings and outcomes to rec. Without it, a
// configuration with MetricsCollection set reports to the global collector.
func WithMetrics(rec Recorder) Option {
	return func(s *settings) { s.recorder = rec }
}

// WithAllocator sets the allocator of sketch scratch buffers.
func WithAllocator(alloc memory.Allocator) Option {
	return func(s *settings) { s.alloc = alloc }
}

func resolve(opts []Option) join.Options {
	s := settings{cfg: config.GetGlobalConfig()}
	for _, opt := range opts {
		opt(&s)
	}

	threads := s.threads
	if !s.threadsSet {
		threads = s.cfg.Threads
		if threads == 0 {
			threads = s.cfg.EffectiveMaxThreads(runtime.NumCPU())
		}
	}
	if s.recorder == nil && s.cfg.MetricsCollection {
		s.recorder = monitoring.GlobalRecorder()
	}

	return join.Options{
		Threads:   threads,
		Config:    s.cfg,
		Logger:    s.logger,
		Recorder:  s.recorder,
		Allocator: s.alloc,
	}
}

// RunJoinAggregate joins inner with outer and returns the average over
// groups of each group's average inner value * outer value.
func RunJoinAggregate(ctx context.Context, inner Inner, outer Outer, opts ...Option) (uint64, error) {
	stats, err := join.RunGrouped(ctx, inner, outer, resolve(opts))
	return stats.Result, err
}

// RunJoinAggregateStats is RunJoinAggregate returning the full statistics.
func RunJoinAggregateStats(ctx context.Context, inner Inner, outer Outer, opts ...Option) (Stats, error) {
	return join.RunGrouped(ctx, inner, outer, resolve(opts))
}

// RunJoinSum joins inner with outer and returns the average of
// inner value * outer value over all matches. Outer group keys are ignored.
func RunJoinSum(ctx context.Context, inner Inner, outer Outer, opts ...Option) (uint64, error) {
	stats, err := join.RunUngrouped(ctx, inner, outer, resolve(opts))
	return stats.Result, err
}

// RunJoinSumStats is RunJoinSum returning the full statistics.
func RunJoinSumStats(ctx context.Context, inner Inner, outer Outer, opts ...Option) (Stats, error) {
	return join.RunUngrouped(ctx, inner, outer, resolve(opts))
}

// Run is the flat form of RunJoinAggregate: the first innerCount and
// outerCount elements of each slice form the relations.
func Run(
	innerKeys, innerValues []uint32, innerCount int,
	outerJoinKeys, outerGroupKeys, outerValues []uint32, outerCount int,
	threads int,
) (uint64, error) {
	const op = join.OpGrouped
	err := validation.NewCompoundValidator(
		validation.NewCountValidator(innerCount, len(innerKeys), op, "inner keys"),
		validation.NewCountValidator(innerCount, len(innerValues), op, "inner values"),
		validation.NewCountValidator(outerCount, len(outerJoinKeys), op, "outer join keys"),
		validation.NewCountValidator(outerCount, len(outerGroupKeys), op, "outer group keys"),
		validation.NewCountValidator(outerCount, len(outerValues), op, "outer values"),
	).Validate()
	if err != nil {
		return 0, err
	}

	inner := Inner{Keys: innerKeys[:innerCount], Values: innerValues[:innerCount]}
	outer := Outer{
		JoinKeys:  outerJoinKeys[:outerCount],
		GroupKeys: outerGroupKeys[:outerCount],
		Values:    outerValues[:outerCount],
	}
	return RunJoinAggregate(context.Background(), inner, outer, WithThreads(threads))
}

// NewInnerFromArrow wraps two arrow columns without copying. The arrays
// must stay alive, and unreleased, until the join returns.
func NewInnerFromArrow(keys, values *array.Uint32) (Inner, error) {
	const op = "NewInnerFromArrow"
	err := validation.NewCompoundValidator(
		validation.NewNullValidator(column(keys), op, "inner keys"),
		validation.NewNullValidator(column(values), op, "inner values"),
	).Validate()
	if err != nil {
		return Inner{}, err
	}
	return Inner{Keys: keys.Uint32Values(), Values: values.Uint32Values()}, nil
}

// NewOuterFromArrow wraps three arrow columns without copying. The arrays
// must stay alive, and unreleased, until the join returns.
func NewOuterFromArrow(joinKeys, groupKeys, values *array.Uint32) (Outer, error) {
	const op = "NewOuterFromArrow"
	err := validation.NewCompoundValidator(
		validation.NewNullValidator(column(joinKeys), op, "outer join keys"),
		validation.NewNullValidator(column(groupKeys), op, "outer group keys"),
		validation.NewNullValidator(column(values), op, "outer values"),
	).Validate()
	if err != nil {
		return Outer{}, err
	}
	return Outer{
		JoinKeys:  joinKeys.Uint32Values(),
		GroupKeys: groupKeys.Uint32Values(),
		Values:    values.Uint32Values(),
	}, nil
}

// column keeps a nil array a nil interface.
func column(a *array.Uint32) arrow.Array {
	if a == nil {
		return nil
	}
	return a
}
