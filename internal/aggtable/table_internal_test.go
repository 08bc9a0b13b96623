//nolint:testpackage // reaches into slots to break the claim invariant
package aggtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReduceReportsOrphanCounts(t *testing.T) {
	table, err := New(3)
	require.NoError(t, err)

	_, err = table.Add(42, 8)
	require.NoError(t, err)

	orphan := -1
	for i := range table.entries {
		if table.entries[i].key.Load() == EmptyKey {
			orphan = i
			break
		}
	}
	require.NotEqual(t, -1, orphan)
	table.entries[orphan].count.Store(3)
	table.entries[orphan].sum.Store(99)

	p, violations := table.Reduce(0, table.Len())
	assert.Equal(t, []int{orphan}, violations)
	assert.Equal(t, Partial{Sum: 8, Groups: 1}, p)
}

func TestClaimSequence(t *testing.T) {
	table, err := New(2)
	require.NoError(t, err)

	assert.Equal(t, Inserted, table.claim(1, 7))
	assert.Equal(t, Found, table.claim(1, 7))
	assert.Equal(t, Retry, table.claim(1, 8))
}
