package sketch

import (
	"encoding/binary"
	"fmt"

	"github.com/axiomhq/hyperloglog"
)

// HLL estimates with one HyperLogLog sketch per thread.
type HLL struct {
	sketches []*hyperloglog.Sketch
}

// NewHLL creates an estimator for threads workers.
func NewHLL(threads int) (*HLL, error) {
	if threads < 1 {
		return nil, fmt.Errorf("sketch needs at least one thread, got %d", threads)
	}
	return &HLL{sketches: make([]*hyperloglog.Sketch, threads)}, nil
}

// Observe inserts keys into the thread's own sketch.
func (h *HLL) Observe(thread int, keys []uint32) error {
	if err := checkThread(thread, len(h.sketches)); err != nil {
		return err
	}
	sk := hyperloglog.New14()
	var buf [4]byte
	for _, key := range keys {
		binary.LittleEndian.PutUint32(buf[:], key)
		sk.Insert(buf[:])
	}
	h.sketches[thread] = sk
	return nil
}

// Merge folds every thread's sketch into the first one.
func (h *HLL) Merge() error {
	if h.sketches[0] == nil {
		h.sketches[0] = hyperloglog.New14()
	}
	for t, sk := range h.sketches[1:] {
		if sk == nil {
			continue
		}
		if err := h.sketches[0].Merge(sk); err != nil {
			return fmt.Errorf("merging sketch of thread %d: %w", t+1, err)
		}
	}
	return nil
}

// Estimate returns the merged HyperLogLog estimate.
func (h *HLL) Estimate() uint64 {
	if h.sketches[0] == nil {
		return 0
	}
	return h.sketches[0].Estimate()
}

// Release drops every sketch.
func (h *HLL) Release() {
	clear(h.sketches)
}
