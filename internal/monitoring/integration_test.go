//nolint:testpackage // requires internal access to unexported types and functions
package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/hashagg/internal/join"
)

func resetGlobal(t *testing.T) {
	t.Helper()
	prev := GetGlobalCollector()
	SetGlobalCollector(nil)
	t.Cleanup(func() { SetGlobalCollector(prev) })
}

func TestGlobalCollector(t *testing.T) {
	resetGlobal(t)

	assert.Nil(t, GetGlobalCollector())
	assert.Nil(t, GlobalRecorder())
	assert.False(t, IsGlobalMonitoringEnabled())
	assert.Empty(t, GetGlobalMetrics())
	assert.Equal(t, MetricsSummary{}, GetGlobalSummary())
	ClearGlobalMetrics()
	DisableGlobalMonitoring()

	collector := EnableGlobalMonitoring()
	require.NotNil(t, collector)
	assert.Same(t, collector, EnableGlobalMonitoring())
	assert.True(t, IsGlobalMonitoringEnabled())

	rec := GlobalRecorder()
	require.NotNil(t, rec)
	rec.ObserveJoin(join.OpGrouped, sampleStats(), nil)
	assert.Len(t, GetGlobalMetrics(), 1)
	assert.Equal(t, 1, GetGlobalSummary().TotalOperations)

	ClearGlobalMetrics()
	assert.Empty(t, GetGlobalMetrics())

	DisableGlobalMonitoring()
	assert.False(t, IsGlobalMonitoringEnabled())
	assert.Nil(t, GlobalRecorder())
}
