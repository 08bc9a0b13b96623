package buckettable_test

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/paveg/hashagg/internal/buckettable"
	"github.com/paveg/hashagg/internal/hashing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSize(t *testing.T) {
	tests := []struct {
		n       int
		buckets uint64
		log     uint8
	}{
		{n: 0, buckets: 2, log: 1},
		{n: 1, buckets: 2, log: 1},
		{n: 2, buckets: 4, log: 2},
		{n: 1000, buckets: 2048, log: 11},
		{n: 1 << 20, buckets: 1 << 21, log: 21},
	}

	for _, tt := range tests {
		buckets, log := buckettable.Size(tt.n, buckettable.DefaultLoadFactor)
		assert.Equal(t, tt.buckets, buckets, "n=%d", tt.n)
		assert.Equal(t, tt.log, log, "n=%d", tt.n)
		assert.GreaterOrEqual(t, float64(buckets)*buckettable.DefaultLoadFactor, float64(tt.n))
	}
}

func TestNew(t *testing.T) {
	table, err := buckettable.New(1000)
	require.NoError(t, err)
	assert.Equal(t, 2048, table.Len())
	assert.Equal(t, uint8(11), table.LogBuckets())
	assert.Equal(t, 0, table.Occupied())

	_, err = buckettable.New(-1)
	require.Error(t, err)

	_, err = buckettable.New(10, buckettable.WithLoadFactor(1.5))
	require.Error(t, err)

	assert.Equal(t, 2048*buckettable.EntrySize, buckettable.Bytes(1000, buckettable.DefaultLoadFactor))
}

func TestInsertLookupRoundTrip(t *testing.T) {
	for _, hashName := range []string{"fibonacci", "xxhash"} {
		t.Run(hashName, func(t *testing.T) {
			fn, err := hashing.ByName(hashName)
			require.NoError(t, err)

			const n = 5000
			table, err := buckettable.New(n, buckettable.WithHash(fn))
			require.NoError(t, err)

			for k := uint32(1); k <= n; k++ {
				require.NoError(t, table.Insert(k, k*3))
			}
			assert.Equal(t, n, table.Occupied())

			for k := uint32(1); k <= n; k++ {
				v, ok := table.Lookup(k)
				require.True(t, ok, "key %d", k)
				assert.Equal(t, k*3, v)
			}

			for k := uint32(n + 1); k <= n+100; k++ {
				_, ok := table.Lookup(k)
				assert.False(t, ok, "key %d was never inserted", k)
			}
		})
	}
}

func TestInsertReservedKey(t *testing.T) {
	table, err := buckettable.New(4)
	require.NoError(t, err)

	require.ErrorIs(t, table.Insert(0, 10), buckettable.ErrReservedKey)
	_, ok := table.Lookup(0)
	assert.False(t, ok)
}

func TestInsertDuplicateKey(t *testing.T) {
	table, err := buckettable.New(4)
	require.NoError(t, err)

	require.NoError(t, table.Insert(7, 1))
	err = table.Insert(7, 2)
	require.ErrorIs(t, err, buckettable.ErrDuplicateKey)

	v, ok := table.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, uint32(1), v)
}

func TestInsertTableFull(t *testing.T) {
	table, err := buckettable.New(1)
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())

	require.NoError(t, table.Insert(1, 1))
	require.NoError(t, table.Insert(2, 2))
	require.ErrorIs(t, table.Insert(3, 3), buckettable.ErrTableFull)

	// Lookups on a full table still terminate
	_, ok := table.Lookup(3)
	assert.False(t, ok)
}

func TestConcurrentInsert(t *testing.T) {
	const (
		n       = 100000
		workers = 8
	)
	rng := rand.New(rand.NewPCG(1, 2))
	keys := make([]uint32, 0, n)
	seen := make(map[uint32]bool, n)
	for len(keys) < n {
		k := rng.Uint32()
		if k == 0 || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}

	table, err := buckettable.New(n)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			beg := (n / workers) * w
			end := beg + n/workers
			if w == workers-1 {
				end = n
			}
			for i := beg; i < end; i++ {
				if err := table.Insert(keys[i], uint32(i)); err != nil {
					errs[w] = err
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, n, table.Occupied())
	for i, k := range keys {
		v, ok := table.Lookup(k)
		require.True(t, ok)
		require.Equal(t, uint32(i), v)
	}
}

func TestConcurrentDuplicateDetected(t *testing.T) {
	// Every goroutine inserts the same keys; exactly one insert per key may win.
	const (
		n       = 2000
		workers = 4
	)
	table, err := buckettable.New(n)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins = make(map[uint32]int)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := uint32(1); k <= n; k++ {
				err := table.Insert(k, k)
				if err == nil {
					mu.Lock()
					wins[k]++
					mu.Unlock()
					continue
				}
				if !errors.Is(err, buckettable.ErrDuplicateKey) {
					t.Errorf("unexpected error for key %d: %v", k, err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, wins, n)
	for k, c := range wins {
		assert.Equal(t, 1, c, "key %d inserted %d times", k, c)
	}
	assert.Equal(t, n, table.Occupied())
}
