package parallel

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paveg/hashagg/internal/config"
)

// ErrBudgetExceeded is wrapped by Reserve when the threshold would be crossed.
var ErrBudgetExceeded = errors.New("memory budget exceeded")

// MemoryMonitor tracks the bytes held by shared join structures against a
// threshold. A zero threshold disables the limit but keeps the accounting.
type MemoryMonitor struct {
	threshold    int64 // Memory threshold in bytes
	currentUsage int64 // Current memory usage (atomic)
	peakUsage    int64 // Highest usage observed (atomic)
}

// NewMemoryMonitor creates a new memory monitor with the specified threshold
func NewMemoryMonitor(threshold int64) *MemoryMonitor {
	return &MemoryMonitor{threshold: threshold}
}

// NewMemoryMonitorFromConfig creates a new memory monitor using configuration values
func NewMemoryMonitorFromConfig(cfg config.Config) *MemoryMonitor {
	return NewMemoryMonitor(cfg.MemoryThreshold)
}

// Threshold returns the configured limit, 0 when unlimited.
func (m *MemoryMonitor) Threshold() int64 {
	return m.threshold
}

// Reserve records size bytes if they fit under the threshold.
func (m *MemoryMonitor) Reserve(size int64) error {
	for {
		current := atomic.LoadInt64(&m.currentUsage)
		next := current + size
		if m.threshold != 0 && next > m.threshold {
			return fmt.Errorf("%d bytes requested, %d of %d in use: %w",
				size, current, m.threshold, ErrBudgetExceeded)
		}
		if atomic.CompareAndSwapInt64(&m.currentUsage, current, next) {
			m.updatePeak(next)
			return nil
		}
	}
}

// RecordAllocation records a memory allocation
func (m *MemoryMonitor) RecordAllocation(size int64) {
	m.updatePeak(atomic.AddInt64(&m.currentUsage, size))
}

// RecordDeallocation records a memory deallocation
func (m *MemoryMonitor) RecordDeallocation(size int64) {
	atomic.AddInt64(&m.currentUsage, -size)
}

// CurrentUsage returns the current memory usage
func (m *MemoryMonitor) CurrentUsage() int64 {
	return atomic.LoadInt64(&m.currentUsage)
}

// PeakUsage returns the highest usage recorded
func (m *MemoryMonitor) PeakUsage() int64 {
	return atomic.LoadInt64(&m.peakUsage)
}

func (m *MemoryMonitor) updatePeak(usage int64) {
	for {
		peak := atomic.LoadInt64(&m.peakUsage)
		if usage <= peak || atomic.CompareAndSwapInt64(&m.peakUsage, peak, usage) {
			return
		}
	}
}

// MonitoredAllocator wraps a memory allocator and records its traffic in a
// MemoryMonitor
type MonitoredAllocator struct {
	underlying memory.Allocator
	monitor    *MemoryMonitor
}

// NewMonitoredAllocator creates a new monitored allocator
func NewMonitoredAllocator(underlying memory.Allocator, monitor *MemoryMonitor) *MonitoredAllocator {
	return &MonitoredAllocator{
		underlying: underlying,
		monitor:    monitor,
	}
}

// Allocate allocates memory and records the allocation
func (ma *MonitoredAllocator) Allocate(size int) []byte {
	buf := ma.underlying.Allocate(size)
	if buf != nil {
		ma.monitor.RecordAllocation(int64(size))
	}
	return buf
}

// Reallocate reallocates memory and updates allocation records
func (ma *MonitoredAllocator) Reallocate(size int, b []byte) []byte {
	oldSize := len(b)
	newBuf := ma.underlying.Reallocate(size, b)
	if newBuf != nil {
		ma.monitor.RecordDeallocation(int64(oldSize))
		ma.monitor.RecordAllocation(int64(size))
	}
	return newBuf
}

// Free frees memory and records the deallocation
func (ma *MonitoredAllocator) Free(b []byte) {
	if b != nil {
		ma.monitor.RecordDeallocation(int64(len(b)))
		ma.underlying.Free(b)
	}
}
