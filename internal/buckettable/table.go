// Package buckettable implements the build-side index of the hash join: an
// open-addressing table with linear probing over power-of-two storage.
//
// Inserts from many goroutines are safe: each claims a slot with a single
// compare-and-swap of the key from the empty sentinel 0. Lookups are only
// valid once every insert has returned and a happens-before edge (the build
// barrier) separates them from the readers.
package buckettable

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/paveg/hashagg/internal/hashing"
)

// EmptyKey marks an unclaimed slot, so 0 is not a valid join key.
const EmptyKey uint32 = 0

// DefaultLoadFactor caps the share of occupied slots.
const DefaultLoadFactor = 0.67

var (
	// ErrReservedKey is returned when inserting the empty sentinel.
	ErrReservedKey = errors.New("key 0 is reserved for empty slots")
	// ErrDuplicateKey is returned when the key is already present.
	ErrDuplicateKey = errors.New("duplicate build key")
	// ErrTableFull is returned after probing every slot without finding room.
	ErrTableFull = errors.New("bucket table full")
)

// Entry is one build tuple.
type Entry struct {
	key   atomic.Uint32
	value uint32
}

// EntrySize is the in-memory size of one slot in bytes.
const EntrySize = int64(unsafe.Sizeof(Entry{}))

// Table is the shared build-side hash table.
type Table struct {
	entries    []Entry
	logBuckets uint8
	mask       uint32
	hash       hashing.Func
}

// Option configures a Table.
type Option func(*options)

type options struct {
	loadFactor float64
	hash       hashing.Func
}

// WithLoadFactor overrides DefaultLoadFactor.
func WithLoadFactor(f float64) Option {
	return func(o *options) {
		o.loadFactor = f
	}
}

// WithHash overrides the Fibonacci hash.
func WithHash(fn hashing.Func) Option {
	return func(o *options) {
		o.hash = fn
	}
}

// Size returns the bucket count and its log2 for n build tuples: the smallest
// power of two, at least 2, whose load-factor share holds n.
func Size(n int, loadFactor float64) (buckets uint64, logBuckets uint8) {
	buckets, logBuckets = 2, 1
	for float64(buckets)*loadFactor < float64(n) {
		buckets += buckets
		logBuckets++
	}
	return buckets, logBuckets
}

// New allocates a zeroed table sized for n build tuples.
func New(n int, opts ...Option) (*Table, error) {
	o := options{loadFactor: DefaultLoadFactor, hash: hashing.Fibonacci}
	for _, opt := range opts {
		opt(&o)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative tuple count %d", n)
	}
	if o.loadFactor <= 0 || o.loadFactor >= 1 {
		return nil, fmt.Errorf("load factor %f outside (0, 1)", o.loadFactor)
	}

	buckets, logBuckets := Size(n, o.loadFactor)
	if logBuckets > 32 {
		return nil, fmt.Errorf("%d tuples need 2^%d buckets: %w", n, logBuckets, ErrTableFull)
	}

	return &Table{
		entries:    make([]Entry, buckets),
		logBuckets: logBuckets,
		mask:       uint32(buckets - 1),
		hash:       o.hash,
	}, nil
}

// Bytes returns the memory needed by a table for n build tuples.
func Bytes(n int, loadFactor float64) int64 {
	buckets, _ := Size(n, loadFactor)
	return int64(buckets) * EntrySize
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return len(t.entries)
}

// LogBuckets returns log2(Len()).
func (t *Table) LogBuckets() uint8 {
	return t.logBuckets
}

// Insert claims a slot for key and stores value in it. The value store is
// not atomic with the claim; readers must wait for the build barrier.
func (t *Table) Insert(key, value uint32) error {
	if key == EmptyKey {
		return ErrReservedKey
	}
	h := hashing.Slot(t.hash(key), t.logBuckets)
	for probes := 0; probes < len(t.entries); probes++ {
		e := &t.entries[h]
		if e.key.CompareAndSwap(EmptyKey, key) {
			e.value = value
			return nil
		}
		// Racing duplicates walk the same probe sequence, so the loser
		// always meets the winner's slot here.
		if e.key.Load() == key {
			return fmt.Errorf("key %d: %w", key, ErrDuplicateKey)
		}
		h = (h + 1) & t.mask
	}
	return ErrTableFull
}

// Lookup returns the value stored for key.
func (t *Table) Lookup(key uint32) (uint32, bool) {
	if key == EmptyKey {
		return 0, false
	}
	h := hashing.Slot(t.hash(key), t.logBuckets)
	for probes := 0; probes < len(t.entries); probes++ {
		e := &t.entries[h]
		switch e.key.Load() {
		case key:
			return e.value, true
		case EmptyKey:
			return 0, false
		}
		h = (h + 1) & t.mask
	}
	return 0, false
}

// Occupied counts claimed slots. Only meaningful once inserts are finished.
func (t *Table) Occupied() int {
	n := 0
	for i := range t.entries {
		if t.entries[i].key.Load() != EmptyKey {
			n++
		}
	}
	return n
}
