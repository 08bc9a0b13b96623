// Package testutil provides common testing utilities shared by the join
// packages:
// - Memory allocator setup with leak checks
// - Synthetic join workloads
// - A single-goroutine reference implementation for cross-checks
package testutil

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/require"

	"github.com/paveg/hashagg/internal/io"
	"github.com/paveg/hashagg/internal/join"
)

// TestMemoryContext provides memory allocator with automatic cleanup.
type TestMemoryContext struct {
	Allocator *memory.CheckedAllocator
	tb        testing.TB
}

// Release asserts that every allocation made through the context was freed.
func (tmc *TestMemoryContext) Release() {
	tmc.Allocator.AssertSize(tmc.tb, 0)
}

// SetupMemoryTest creates a checked allocator for tests.
// Returns a TestMemoryContext that should be released with defer.
//
// Example usage:
//
//	mem := testutil.SetupMemoryTest(t)
//	defer mem.Release()
func SetupMemoryTest(tb testing.TB) *TestMemoryContext {
	tb.Helper()
	return &TestMemoryContext{
		Allocator: memory.NewCheckedAllocator(memory.NewGoAllocator()),
		tb:        tb,
	}
}

// Workload is a pair of in-memory relations.
type Workload struct {
	Inner join.Inner
	Outer join.Outer
}

// WorkloadOption configures GenerateWorkload.
type WorkloadOption func(*io.GenerateOptions)

// WithSeed sets the generator seed.
func WithSeed(seed uint64) WorkloadOption {
	return func(o *io.GenerateOptions) { o.Seed = seed }
}

// WithGroups sets the number of distinct group keys.
func WithGroups(groups int) WorkloadOption {
	return func(o *io.GenerateOptions) { o.Groups = groups }
}

// WithMatchRatio sets the fraction of outer tuples that find a partner.
func WithMatchRatio(ratio float64) WorkloadOption {
	return func(o *io.GenerateOptions) { o.MatchRatio = ratio }
}

// WithMaxValue bounds generated values.
func WithMaxValue(maxValue uint32) WorkloadOption {
	return func(o *io.GenerateOptions) { o.MaxValue = maxValue }
}

// GenerateWorkload builds a deterministic workload with the given sizes.
func GenerateWorkload(tb testing.TB, innerTuples, outerTuples int, opts ...WorkloadOption) Workload {
	tb.Helper()

	gen := io.DefaultGenerateOptions()
	gen.InnerTuples = innerTuples
	gen.OuterTuples = outerTuples
	if gen.Groups > outerTuples && outerTuples > 0 {
		gen.Groups = outerTuples
	}
	for _, opt := range opts {
		opt(&gen)
	}

	inner, outer, err := io.GenerateRelations(gen, memory.NewGoAllocator())
	require.NoError(tb, err)
	defer inner.Release()
	defer outer.Release()

	return Workload{
		Inner: join.Inner{
			Keys:   values(tb, inner, io.ColumnKey),
			Values: values(tb, inner, io.ColumnValue),
		},
		Outer: join.Outer{
			JoinKeys:  values(tb, outer, io.ColumnJoinKey),
			GroupKeys: values(tb, outer, io.ColumnGroupKey),
			Values:    values(tb, outer, io.ColumnValue),
		},
	}
}

func values(tb testing.TB, rel *io.Relation, name string) []uint32 {
	tb.Helper()
	col, ok := rel.Column(name)
	require.True(tb, ok, "missing column %s", name)
	return append([]uint32(nil), col.Uint32Values()...)
}

// LiteralScenario returns two inner tuples and four outer tuples whose
// grouped result is (10 + 20) / 2 = 15.
func LiteralScenario() Workload {
	return Workload{
		Inner: join.Inner{
			Keys:   []uint32{1, 2},
			Values: []uint32{10, 20},
		},
		Outer: join.Outer{
			JoinKeys:  []uint32{1, 1, 2, 3},
			GroupKeys: []uint32{100, 100, 200, 999},
			Values:    []uint32{1, 1, 1, 1},
		},
	}
}

// ReferenceGroup is the expected state of one group.
type ReferenceGroup struct {
	Sum   uint64
	Count uint32
}

// ReferenceGroups joins with a map and returns the per-group sums and counts.
func ReferenceGroups(w Workload) map[uint32]ReferenceGroup {
	build := make(map[uint32]uint32, w.Inner.Len())
	for i, k := range w.Inner.Keys {
		build[k] = w.Inner.Values[i]
	}
	groups := make(map[uint32]ReferenceGroup)
	for i, k := range w.Outer.JoinKeys {
		v, ok := build[k]
		if !ok {
			continue
		}
		g := groups[w.Outer.GroupKeys[i]]
		g.Sum += uint64(v) * uint64(w.Outer.Values[i])
		g.Count++
		groups[w.Outer.GroupKeys[i]] = g
	}
	return groups
}

// ReferenceGrouped returns the average of per-group averages, or false when
// nothing matched.
func ReferenceGrouped(w Workload) (uint64, bool) {
	groups := ReferenceGroups(w)
	if len(groups) == 0 {
		return 0, false
	}
	var sum uint64
	for _, g := range groups {
		sum += g.Sum / uint64(g.Count)
	}
	return sum / uint64(len(groups)), true
}

// ReferenceUngrouped returns the average contribution over all matches, or
// false when nothing matched.
func ReferenceUngrouped(w Workload) (uint64, bool) {
	build := make(map[uint32]uint32, w.Inner.Len())
	for i, k := range w.Inner.Keys {
		build[k] = w.Inner.Values[i]
	}
	var sum, count uint64
	for i, k := range w.Outer.JoinKeys {
		if v, ok := build[k]; ok {
			sum += uint64(v) * uint64(w.Outer.Values[i])
			count++
		}
	}
	if count == 0 {
		return 0, false
	}
	return sum / count, true
}

// ReferenceMatches counts outer tuples with a partner.
func ReferenceMatches(w Workload) uint64 {
	var matched uint64
	for _, g := range ReferenceGroups(w) {
		matched += uint64(g.Count)
	}
	return matched
}
