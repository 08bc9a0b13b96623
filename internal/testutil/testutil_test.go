package testutil_test

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/hashagg/internal/testutil"
)

func TestSetupMemoryTest(t *testing.T) {
	mem := testutil.SetupMemoryTest(t)
	defer mem.Release()

	require.NotNil(t, mem.Allocator)

	b := array.NewUint32Builder(mem.Allocator)
	b.AppendValues([]uint32{1, 2, 3}, nil)
	arr := b.NewUint32Array()
	b.Release()
	assert.Equal(t, 3, arr.Len())
	arr.Release()
}

func TestLiteralScenario(t *testing.T) {
	w := testutil.LiteralScenario()

	groups := testutil.ReferenceGroups(w)
	assert.Equal(t, map[uint32]testutil.ReferenceGroup{
		100: {Sum: 20, Count: 2},
		200: {Sum: 20, Count: 1},
	}, groups)

	got, ok := testutil.ReferenceGrouped(w)
	require.True(t, ok)
	assert.Equal(t, uint64(15), got)

	got, ok = testutil.ReferenceUngrouped(w)
	require.True(t, ok)
	assert.Equal(t, uint64(13), got) // (10 + 10 + 20) / 3

	assert.Equal(t, uint64(3), testutil.ReferenceMatches(w))
}

func TestReferenceNoMatches(t *testing.T) {
	w := testutil.LiteralScenario()
	w.Outer.JoinKeys = []uint32{7, 8, 9, 10}

	_, ok := testutil.ReferenceGrouped(w)
	assert.False(t, ok)
	_, ok = testutil.ReferenceUngrouped(w)
	assert.False(t, ok)
}

func TestGenerateWorkload(t *testing.T) {
	w := testutil.GenerateWorkload(t, 500, 2000, testutil.WithGroups(20), testutil.WithSeed(3))

	assert.Equal(t, 500, w.Inner.Len())
	assert.Len(t, w.Inner.Values, 500)
	assert.Equal(t, 2000, w.Outer.Len())
	assert.Len(t, w.Outer.GroupKeys, 2000)
	assert.Len(t, w.Outer.Values, 2000)

	assert.Len(t, testutil.ReferenceGroups(w), 20)
	assert.Equal(t, uint64(2000), testutil.ReferenceMatches(w))

	again := testutil.GenerateWorkload(t, 500, 2000, testutil.WithGroups(20), testutil.WithSeed(3))
	assert.Equal(t, w, again)
}

func TestGenerateWorkload_MatchRatio(t *testing.T) {
	w := testutil.GenerateWorkload(t, 100, 1000, testutil.WithMatchRatio(0))
	assert.Zero(t, testutil.ReferenceMatches(w))
}

func BenchmarkReferenceGrouped(b *testing.B) {
	w := testutil.GenerateWorkload(b, 10_000, 100_000)
	b.ResetTimer()
	for range b.N {
		testutil.ReferenceGrouped(w)
	}
}
