package aggtable_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/hashagg/internal/aggtable"
	"github.com/paveg/hashagg/internal/hashing"
)

func TestNew(t *testing.T) {
	table, err := aggtable.New(4)
	require.NoError(t, err)
	assert.Equal(t, 16, table.Len())
	assert.Equal(t, uint8(4), table.LogBuckets())
	assert.Empty(t, table.Groups())
	assert.Equal(t, int64(16)*aggtable.EntrySize, aggtable.Bytes(4))

	_, err = aggtable.New(0)
	require.Error(t, err)
	_, err = aggtable.New(32)
	require.Error(t, err)
}

func TestFindOrCreateOutcomes(t *testing.T) {
	table, err := aggtable.New(8)
	require.NoError(t, err)

	slot, outcome, err := table.FindOrCreate(100)
	require.NoError(t, err)
	assert.Equal(t, aggtable.Inserted, outcome)

	again, outcome, err := table.FindOrCreate(100)
	require.NoError(t, err)
	assert.Equal(t, aggtable.Found, outcome)
	assert.Equal(t, slot, again)

	other, outcome, err := table.FindOrCreate(200)
	require.NoError(t, err)
	assert.Equal(t, aggtable.Inserted, outcome)
	assert.NotEqual(t, slot, other)

	_, _, err = table.FindOrCreate(0)
	require.ErrorIs(t, err, aggtable.ErrReservedKey)

	assert.Equal(t, "found", aggtable.Found.String())
	assert.Equal(t, "inserted", aggtable.Inserted.String())
	assert.Equal(t, "retry", aggtable.Retry.String())
}

func TestTableFull(t *testing.T) {
	table, err := aggtable.New(1)
	require.NoError(t, err)

	_, err = table.Add(1, 1)
	require.NoError(t, err)
	_, err = table.Add(2, 1)
	require.NoError(t, err)
	_, err = table.Add(3, 1)
	require.ErrorIs(t, err, aggtable.ErrTableFull)

	// Existing groups still resolve on a full table.
	outcome, err := table.Add(2, 5)
	require.NoError(t, err)
	assert.Equal(t, aggtable.Found, outcome)
}

func TestReduceAverages(t *testing.T) {
	table, err := aggtable.New(4)
	require.NoError(t, err)

	// Group 100 gets 10 twice, group 200 gets 20 once.
	for _, add := range []struct {
		key uint32
		val uint64
	}{{100, 10}, {100, 10}, {200, 20}} {
		_, err := table.Add(add.key, add.val)
		require.NoError(t, err)
	}

	p, violations := table.Reduce(0, table.Len())
	assert.Empty(t, violations)
	assert.Equal(t, uint64(30), p.Sum)
	assert.Equal(t, uint64(2), p.Groups)
	assert.Equal(t, uint64(3), table.Matched())

	groups := table.Groups()
	require.Len(t, groups, 2)
	byKey := map[uint32]aggtable.Group{}
	for _, g := range groups {
		byKey[g.Key] = g
	}
	assert.Equal(t, aggtable.Group{Key: 100, Sum: 20, Count: 2}, byKey[100])
	assert.Equal(t, uint64(10), byKey[100].Average())
	assert.Equal(t, uint64(20), byKey[200].Average())
	assert.Equal(t, uint64(0), aggtable.Group{}.Average())
}

func TestReduceSlicesPartitionTheTable(t *testing.T) {
	table, err := aggtable.New(10)
	require.NoError(t, err)
	for k := uint32(1); k <= 500; k++ {
		_, err := table.Add(k, uint64(k)*4)
		require.NoError(t, err)
		_, err = table.Add(k, uint64(k)*2)
		require.NoError(t, err)
	}

	whole, _ := table.Reduce(0, table.Len())

	var split aggtable.Partial
	const parts = 3
	n := table.Len()
	for i := range parts {
		beg := (n / parts) * i
		end := beg + n/parts
		if i == parts-1 {
			end = n
		}
		p, violations := table.Reduce(beg, end)
		require.Empty(t, violations)
		split.Sum += p.Sum
		split.Groups += p.Groups
	}
	assert.Equal(t, whole, split)
	assert.Equal(t, uint64(500), whole.Groups)
	// Average of k*3 over k = 1..500.
	assert.Equal(t, uint64(3*500*501/2), whole.Sum)
}

func TestConcurrentAdd(t *testing.T) {
	const (
		workers = 8
		groups  = 3000
		rounds  = 20
	)
	for _, name := range []string{"fibonacci", "xxhash"} {
		t.Run(name, func(t *testing.T) {
			fn, err := hashing.ByName(name)
			require.NoError(t, err)
			table, err := aggtable.New(13, aggtable.WithHash(fn))
			require.NoError(t, err)

			var (
				wg       sync.WaitGroup
				inserted [workers]int
			)
			for w := range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for r := range rounds {
						for g := uint32(1); g <= groups; g++ {
							key := (g+uint32(w*r))%groups + 1
							outcome, err := table.Add(key, uint64(key))
							if err != nil {
								t.Error(err)
								return
							}
							if outcome == aggtable.Inserted {
								inserted[w]++
							}
						}
					}
				}()
			}
			wg.Wait()

			total := 0
			for _, n := range inserted {
				total += n
			}
			assert.Equal(t, groups, total, "each group is claimed exactly once")

			got := table.Groups()
			require.Len(t, got, groups)
			for _, g := range got {
				assert.NotZero(t, g.Key)
				assert.Equal(t, uint64(g.Key)*uint64(g.Count), g.Sum)
			}
			assert.Equal(t, uint64(workers*rounds*groups), table.Matched())

			p, violations := table.Reduce(0, table.Len())
			assert.Empty(t, violations)
			assert.Equal(t, uint64(groups), p.Groups)
			assert.Equal(t, uint64(groups*(groups+1)/2), p.Sum)
		})
	}
}
