// Package sketch estimates the number of distinct group keys on the probe side
// before the aggregation table is allocated.
//
// Every estimator follows the same protocol: each worker calls Observe once
// with its own slice of group keys, a barrier separates the last Observe from
// Merge, and exactly one worker calls Merge followed by Estimate.
package sketch

import (
	"errors"
	"fmt"

	"github.com/paveg/hashagg/internal/hashing"
)

// MaxTableLog bounds the aggregation table exponent.
const MaxTableLog = 31

// ErrTableTooLarge is returned when an estimate asks for more than
// 1<<MaxTableLog aggregation slots.
var ErrTableTooLarge = errors.New("aggregation table exceeds 2^31 slots")

// Estimator is a mergeable distinct-count summary.
type Estimator interface {
	// Observe summarizes one worker's group keys. Calls for distinct
	// threads may run concurrently.
	Observe(thread int, keys []uint32) error
	// Merge folds the per-thread summaries together.
	Merge() error
	// Estimate returns the sizing estimate of the merged summary.
	Estimate() uint64
	// Release frees the shared summary.
	Release()
}

// TableLog converts a distinct-count estimate into the aggregation table
// exponent: floor(log2(estimate / loadFactor)) plus headroomBits, at least 1.
func TableLog(estimate uint64, loadFactor float64, headroomBits int) (uint8, error) {
	if loadFactor <= 0 || loadFactor >= 1 {
		return 0, fmt.Errorf("load factor %f outside (0, 1)", loadFactor)
	}
	target := uint64(float64(estimate) / loadFactor)
	log := int(hashing.Log2(target)) + headroomBits
	if log < 1 {
		log = 1
	}
	if log > MaxTableLog {
		return 0, fmt.Errorf("estimate %d needs 2^%d slots: %w", estimate, log, ErrTableTooLarge)
	}
	return uint8(log), nil
}

func checkThread(thread, threads int) error {
	if thread < 0 || thread >= threads {
		return fmt.Errorf("thread %d outside [0, %d)", thread, threads)
	}
	return nil
}
