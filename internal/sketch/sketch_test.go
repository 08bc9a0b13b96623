package sketch_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/hashagg/internal/hashing"
	"github.com/paveg/hashagg/internal/sketch"
)

// distinctKeys returns g distinct non-zero keys, each repeated dup times in
// shuffled order.
func distinctKeys(rng *rand.Rand, g, dup int) []uint32 {
	seen := make(map[uint32]struct{}, g)
	keys := make([]uint32, 0, g*dup)
	for len(seen) < g {
		k := rng.Uint32()
		if k == 0 {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		for range dup {
			keys = append(keys, k)
		}
	}
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

func observeSplit(t *testing.T, est sketch.Estimator, threads int, keys []uint32) {
	t.Helper()
	n := len(keys)
	for th := range threads {
		beg := (n / threads) * th
		end := beg + n/threads
		if th == threads-1 {
			end = n
		}
		require.NoError(t, est.Observe(th, keys[beg:end]))
	}
	require.NoError(t, est.Merge())
}

func TestBitmapCardinalityWithinBand(t *testing.T) {
	for _, g := range []int{1000, 10000, 100000} {
		for trial := range 5 {
			rng := rand.New(rand.NewPCG(uint64(g), uint64(trial)))
			keys := distinctKeys(rng, g, 2)

			b, err := sketch.NewBitmap(4)
			require.NoError(t, err)
			observeSplit(t, b, 4, keys)

			got := b.Cardinality()
			relErr := math.Abs(got-float64(g)) / float64(g)
			assert.LessOrEqual(t, relErr, 0.30, "G=%d trial=%d estimate=%.0f", g, trial, got)

			// The sizing estimate may overshoot but never undershoot.
			assert.GreaterOrEqual(t, b.Estimate(), uint64(g), "G=%d trial=%d", g, trial)
		}
	}
}

func TestBitmapThreadCountDoesNotChangeEstimate(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 7))
	keys := distinctKeys(rng, 20000, 3)

	single, err := sketch.NewBitmap(1)
	require.NoError(t, err)
	observeSplit(t, single, 1, keys)

	multi, err := sketch.NewBitmap(8)
	require.NoError(t, err)
	observeSplit(t, multi, 8, keys)

	assert.Equal(t, single.Raw(), multi.Raw())
	assert.Equal(t, single.Estimate(), multi.Estimate())
	assert.InDelta(t, single.Cardinality(), multi.Cardinality(), 1e-9)
}

func TestBitmapEmptyInput(t *testing.T) {
	b, err := sketch.NewBitmap(2)
	require.NoError(t, err)
	observeSplit(t, b, 2, nil)

	// Every empty row contributes 2^0.
	assert.Equal(t, uint64(b.Partitions()), b.Raw())
	assert.Equal(t, 0.0, b.Cardinality())
	assert.True(t, b.Merged())

	log, err := sketch.TableLog(b.Estimate(), 0.67, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(13), log, "minimum aggregation table holds 8192 slots")
}

func TestBitmapRawDeterministic(t *testing.T) {
	// Key 1 hashes to 0x9E3779B1: partition 0x9B1, residual 0x9E377 whose
	// lowest set bit is 1.
	b, err := sketch.NewBitmap(1)
	require.NoError(t, err)
	require.NoError(t, b.Observe(0, []uint32{1, 1, 1}))
	require.NoError(t, b.Merge())

	// One row holds 0b1 (one trailing one), the rest are empty.
	assert.Equal(t, uint64(b.Partitions()-1+2), b.Raw())
}

func TestBitmapScratchReleased(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	b, err := sketch.NewBitmap(3, sketch.WithAllocator(mem))
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(3, 4))
	observeSplit(t, b, 3, distinctKeys(rng, 5000, 1))
	assert.Equal(t, 0, mem.CurrentAlloc())

	b.Release()
}

func TestBitmapAfterRelease(t *testing.T) {
	b, err := sketch.NewBitmap(2)
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(5, 6))
	observeSplit(t, b, 2, distinctKeys(rng, 1000, 1))
	b.Release()

	require.ErrorIs(t, b.Observe(0, []uint32{1}), sketch.ErrReleased)
	require.ErrorIs(t, b.Merge(), sketch.ErrReleased)
	assert.Zero(t, b.Raw())
	assert.Zero(t, b.Estimate())
	assert.Zero(t, b.Cardinality())
}

func TestBitmapOptions(t *testing.T) {
	b, err := sketch.NewBitmap(1, sketch.WithLogPartitions(8), sketch.WithHash(hashing.XXHash), sketch.WithCalibration(0.5))
	require.NoError(t, err)
	assert.Equal(t, 256, b.Partitions())
	assert.Equal(t, int64(256*4*2), sketch.Bytes(2, 8))

	_, err = sketch.NewBitmap(0)
	require.Error(t, err)
	_, err = sketch.NewBitmap(1, sketch.WithLogPartitions(30))
	require.Error(t, err)
	_, err = sketch.NewBitmap(1, sketch.WithCalibration(0))
	require.Error(t, err)

	require.Error(t, b.Observe(1, nil))
	require.Error(t, b.Observe(-1, nil))
}

func TestHLLWithinBand(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	keys := distinctKeys(rng, 50000, 2)

	h, err := sketch.NewHLL(4)
	require.NoError(t, err)
	observeSplit(t, h, 4, keys)

	got := float64(h.Estimate())
	assert.InEpsilon(t, 50000.0, got, 0.05)

	h.Release()
	assert.Equal(t, uint64(0), h.Estimate())
}

func TestHLLUnobservedThreads(t *testing.T) {
	h, err := sketch.NewHLL(3)
	require.NoError(t, err)
	require.NoError(t, h.Observe(1, []uint32{1, 2, 3}))
	require.NoError(t, h.Merge())
	assert.InDelta(t, 3, float64(h.Estimate()), 1)
}

func TestTableLog(t *testing.T) {
	tests := []struct {
		name     string
		estimate uint64
		headroom int
		want     uint8
		wantErr  bool
	}{
		{name: "zero estimate", estimate: 0, headroom: 1, want: 1},
		{name: "no headroom floor", estimate: 0, headroom: 0, want: 1},
		{name: "source minimum", estimate: 5295, headroom: 1, want: 13},
		{name: "target just under 1024", estimate: 670, headroom: 1, want: 10},
		{name: "extra headroom", estimate: 670, headroom: 3, want: 12},
		{name: "too large", estimate: 1 << 31, headroom: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sketch.TableLog(tt.estimate, 0.67, tt.headroom)
			if tt.wantErr {
				require.ErrorIs(t, err, sketch.ErrTableTooLarge)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := sketch.TableLog(10, 1.0, 1)
	require.Error(t, err)
}
