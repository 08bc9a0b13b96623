package parallel

import (
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paveg/hashagg/internal/config"
)

// TestMemoryMonitor tests threshold checks and usage accounting
func TestMemoryMonitor(t *testing.T) {
	t.Run("memory pressure detection", func(t *testing.T) {
		monitor := NewMemoryMonitor(1024) // 1KB threshold

		// Simulate memory usage
		monitor.RecordAllocation(800)

		// Should still allow small reservation
		require.NoError(t, monitor.Reserve(200))

		// Should not allow reservation that exceeds threshold
		require.ErrorIs(t, monitor.Reserve(300), ErrBudgetExceeded)
		assert.Equal(t, int64(1000), monitor.CurrentUsage())
	})

	t.Run("reserve respects threshold", func(t *testing.T) {
		monitor := NewMemoryMonitor(1000)

		require.NoError(t, monitor.Reserve(600))
		err := monitor.Reserve(500)
		require.ErrorIs(t, err, ErrBudgetExceeded)
		assert.Equal(t, int64(600), monitor.CurrentUsage())

		monitor.RecordDeallocation(600)
		require.NoError(t, monitor.Reserve(1000))
		assert.Equal(t, int64(1000), monitor.PeakUsage())
	})

	t.Run("zero threshold is unlimited", func(t *testing.T) {
		monitor := NewMemoryMonitorFromConfig(config.NewConfig())
		assert.Equal(t, int64(0), monitor.Threshold())
		require.NoError(t, monitor.Reserve(1<<40))
		assert.Equal(t, int64(1<<40), monitor.CurrentUsage())
	})

	t.Run("peak survives deallocation", func(t *testing.T) {
		monitor := NewMemoryMonitor(0)
		monitor.RecordAllocation(300)
		monitor.RecordAllocation(200)
		monitor.RecordDeallocation(400)
		assert.Equal(t, int64(100), monitor.CurrentUsage())
		assert.Equal(t, int64(500), monitor.PeakUsage())
	})

	t.Run("concurrent reservations never overshoot", func(t *testing.T) {
		monitor := NewMemoryMonitor(100)
		var (
			wg sync.WaitGroup
			mu sync.Mutex
			ok int
		)
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if monitor.Reserve(10) == nil {
					mu.Lock()
					ok++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 10, ok)
		assert.Equal(t, int64(100), monitor.PeakUsage())
	})
}

func TestMonitoredAllocator(t *testing.T) {
	checked := memory.NewCheckedAllocator(memory.NewGoAllocator())
	monitor := NewMemoryMonitor(0)
	alloc := NewMonitoredAllocator(checked, monitor)

	buf := alloc.Allocate(256)
	require.Len(t, buf, 256)
	assert.Equal(t, int64(256), monitor.CurrentUsage())

	buf = alloc.Reallocate(512, buf)
	require.Len(t, buf, 512)
	assert.Equal(t, int64(512), monitor.CurrentUsage())

	alloc.Free(buf)
	alloc.Free(nil)
	assert.Equal(t, int64(0), monitor.CurrentUsage())
	assert.Equal(t, int64(512), monitor.PeakUsage())
	assert.Equal(t, 0, checked.CurrentAlloc())
}
