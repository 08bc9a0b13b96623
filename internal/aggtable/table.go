// Package aggtable implements the lock-free group-by table of the join:
// open addressing over power-of-two storage, with a compare-and-swap slot
// claim and independent atomic sum and count accumulators per group.
package aggtable

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/paveg/hashagg/internal/hashing"
)

// EmptyKey marks an unclaimed slot, so 0 is not a valid group key.
const EmptyKey uint32 = 0

var (
	// ErrReservedKey is returned for the empty sentinel.
	ErrReservedKey = errors.New("group key 0 is reserved for empty slots")
	// ErrTableFull is returned after probing every slot without finding room.
	ErrTableFull = errors.New("aggregation table full")
)

// Outcome is the result of claiming one slot for a group key.
type Outcome int

const (
	// Retry means the slot belongs to another group; probe the next one.
	Retry Outcome = iota
	// Found means the slot already held the group.
	Found
	// Inserted means this call claimed the slot for the group.
	Inserted
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Inserted:
		return "inserted"
	default:
		return "retry"
	}
}

// Entry is one group accumulator.
type Entry struct {
	sum   atomic.Uint64
	key   atomic.Uint32
	count atomic.Uint32
}

// EntrySize is the in-memory size of one slot in bytes.
const EntrySize = int64(unsafe.Sizeof(Entry{}))

// Group is a snapshot of a claimed slot.
type Group struct {
	Key   uint32
	Sum   uint64
	Count uint32
}

// Average returns the integer per-group average.
func (g Group) Average() uint64 {
	if g.Count == 0 {
		return 0
	}
	return g.Sum / uint64(g.Count)
}

// Partial is one reducer's share of the final answer.
type Partial struct {
	Sum    uint64 // sum of per-group averages
	Groups uint64 // live groups seen
}

// Table is the shared aggregation table.
type Table struct {
	entries    []Entry
	logBuckets uint8
	mask       uint32
	hash       hashing.Func
}

// Option configures a Table.
type Option func(*Table)

// WithHash overrides the Fibonacci hash.
func WithHash(fn hashing.Func) Option {
	return func(t *Table) {
		t.hash = fn
	}
}

// New allocates a zeroed table of 1<<logBuckets slots.
func New(logBuckets uint8, opts ...Option) (*Table, error) {
	if logBuckets < 1 || logBuckets > 31 {
		return nil, fmt.Errorf("aggregation table exponent %d outside [1, 31]", logBuckets)
	}
	t := &Table{
		entries:    make([]Entry, 1<<logBuckets),
		logBuckets: logBuckets,
		mask:       1<<logBuckets - 1,
		hash:       hashing.Fibonacci,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Bytes returns the memory needed by a table of 1<<logBuckets slots.
func Bytes(logBuckets uint8) int64 {
	return EntrySize << logBuckets
}

// Len returns the number of slots.
func (t *Table) Len() int {
	return len(t.entries)
}

// LogBuckets returns log2(Len()).
func (t *Table) LogBuckets() uint8 {
	return t.logBuckets
}

// claim decides slot h for key: equal key, then CAS from empty, then a
// re-check in case a racing goroutine claimed it for the same key.
func (t *Table) claim(h, key uint32) Outcome {
	e := &t.entries[h]
	if e.key.Load() == key {
		return Found
	}
	if e.key.CompareAndSwap(EmptyKey, key) {
		return Inserted
	}
	if e.key.Load() == key {
		return Found
	}
	return Retry
}

// FindOrCreate returns the slot holding key, claiming one if necessary.
func (t *Table) FindOrCreate(key uint32) (int, Outcome, error) {
	if key == EmptyKey {
		return 0, Retry, ErrReservedKey
	}
	h := hashing.Slot(t.hash(key), t.logBuckets)
	for probes := 0; probes < len(t.entries); probes++ {
		if outcome := t.claim(h, key); outcome != Retry {
			return int(h), outcome, nil
		}
		h = (h + 1) & t.mask
	}
	return 0, Retry, fmt.Errorf("group %d: %w", key, ErrTableFull)
}

// Accumulate adds one tuple's contribution to slot. The count and the sum
// are updated independently; readers wait for the aggregation barrier.
func (t *Table) Accumulate(slot int, contribution uint64) {
	e := &t.entries[slot]
	e.count.Add(1)
	e.sum.Add(contribution)
}

// Add finds or creates the group and accumulates contribution into it.
func (t *Table) Add(key uint32, contribution uint64) (Outcome, error) {
	slot, outcome, err := t.FindOrCreate(key)
	if err != nil {
		return outcome, err
	}
	t.Accumulate(slot, contribution)
	return outcome, nil
}

// Reduce sums the per-group averages of slots [beg, end). Slots counting
// tuples without a key break the claim protocol; their indexes are returned
// and they are left out of the partial.
func (t *Table) Reduce(beg, end int) (Partial, []int) {
	var (
		p          Partial
		violations []int
	)
	for i := beg; i < end; i++ {
		e := &t.entries[i]
		count := e.count.Load()
		if count == 0 {
			continue
		}
		if e.key.Load() == EmptyKey {
			violations = append(violations, i)
			continue
		}
		p.Sum += e.sum.Load() / uint64(count)
		p.Groups++
	}
	return p, violations
}

// Entry returns a snapshot of slot i.
func (t *Table) Entry(i int) Group {
	e := &t.entries[i]
	return Group{Key: e.key.Load(), Sum: e.sum.Load(), Count: e.count.Load()}
}

// Groups returns snapshots of every claimed slot in slot order.
func (t *Table) Groups() []Group {
	var groups []Group
	for i := range t.entries {
		if g := t.Entry(i); g.Key != EmptyKey {
			groups = append(groups, g)
		}
	}
	return groups
}

// Matched returns the total tuple count over all slots.
func (t *Table) Matched() uint64 {
	var n uint64
	for i := range t.entries {
		n += uint64(t.entries[i].count.Load())
	}
	return n
}
