package sketch

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/paveg/hashagg/internal/hashing"
)

// Defaults of the partitioned bitmap.
const (
	DefaultLogPartitions = 12
	DefaultCalibration   = 0.77351
)

// ErrReleased is returned by Observe and Merge once Release has run.
var ErrReleased = errors.New("bitmap sketch already released")

// Bitmap is a partitioned probabilistic counting sketch. The low bits of a
// key's hash select a partition; the lowest set bit of the remaining bits is
// OR-ed into that partition's row.
type Bitmap struct {
	threads       int
	logPartitions uint8
	partitions    int
	calibration   float64
	hash          hashing.Func
	alloc         memory.Allocator

	// rows holds one row set per thread; Merge folds them into rows[:partitions].
	rows   []uint32
	merged bool
}

// Option configures a Bitmap.
type Option func(*Bitmap)

// WithLogPartitions sets log2 of the partition count.
func WithLogPartitions(n int) Option {
	return func(b *Bitmap) {
		b.logPartitions = uint8(n)
	}
}

// WithCalibration sets the probabilistic counting correction factor.
func WithCalibration(c float64) Option {
	return func(b *Bitmap) {
		b.calibration = c
	}
}

// WithHash overrides the Fibonacci hash.
func WithHash(fn hashing.Func) Option {
	return func(b *Bitmap) {
		b.hash = fn
	}
}

// WithAllocator sets the allocator of per-thread scratch rows.
func WithAllocator(alloc memory.Allocator) Option {
	return func(b *Bitmap) {
		b.alloc = alloc
	}
}

// NewBitmap allocates the shared rows for threads workers.
func NewBitmap(threads int, opts ...Option) (*Bitmap, error) {
	b := &Bitmap{
		threads:       threads,
		logPartitions: DefaultLogPartitions,
		calibration:   DefaultCalibration,
		hash:          hashing.Fibonacci,
		alloc:         memory.DefaultAllocator,
	}
	for _, opt := range opts {
		opt(b)
	}
	if threads < 1 {
		return nil, fmt.Errorf("sketch needs at least one thread, got %d", threads)
	}
	if b.logPartitions < 1 || b.logPartitions > 24 {
		return nil, fmt.Errorf("log partitions %d outside [1, 24]", b.logPartitions)
	}
	if b.calibration <= 0 || b.calibration > 1 {
		return nil, fmt.Errorf("calibration %f outside (0, 1]", b.calibration)
	}
	b.partitions = 1 << b.logPartitions
	b.rows = make([]uint32, threads*b.partitions)
	return b, nil
}

// Bytes returns the size of the shared rows for threads workers.
func Bytes(threads, logPartitions int) int64 {
	return int64(threads) << logPartitions * int64(arrow.Uint32SizeBytes)
}

// Partitions returns the number of partitions.
func (b *Bitmap) Partitions() int {
	return b.partitions
}

// Observe builds the thread-local rows for keys in allocator-owned scratch,
// publishes them into the thread's shared row set and frees the scratch.
func (b *Bitmap) Observe(thread int, keys []uint32) error {
	if err := checkThread(thread, b.threads); err != nil {
		return err
	}
	if b.rows == nil {
		return ErrReleased
	}

	scratch := b.alloc.Allocate(b.partitions * arrow.Uint32SizeBytes)
	defer b.alloc.Free(scratch)
	local := arrow.Uint32Traits.CastFromBytes(scratch)
	clear(local)

	mask := uint32(b.partitions - 1)
	for _, key := range keys {
		h := b.hash(key)
		r := h >> b.logPartitions
		local[h&mask] |= r & -r
	}

	copy(b.rows[thread*b.partitions:(thread+1)*b.partitions], local)
	return nil
}

// Merge ORs every thread's rows into the first row set.
func (b *Bitmap) Merge() error {
	if b.rows == nil {
		return ErrReleased
	}
	global := b.rows[:b.partitions]
	for t := 1; t < b.threads; t++ {
		for p, row := range b.rows[t*b.partitions : (t+1)*b.partitions] {
			global[p] |= row
		}
	}
	b.merged = true
	return nil
}

// Raw returns the sum over partitions of 2 to the number of trailing one
// bits of the merged row, 0 after Release.
func (b *Bitmap) Raw() uint64 {
	if b.rows == nil {
		return 0
	}
	var raw uint64
	for _, row := range b.rows[:b.partitions] {
		raw += 1 << trailingOnes(row)
	}
	return raw
}

// Estimate returns Raw divided by the calibration factor. It deliberately
// overshoots the distinct count and is meant for table sizing.
func (b *Bitmap) Estimate() uint64 {
	return uint64(float64(b.Raw()) / b.calibration)
}

// Cardinality returns a distinct-count estimate of the merged rows: linear
// counting while at least 1/32 of the partitions are empty, stochastic
// averaging over the trailing-ones lengths otherwise. It is 0 after Release.
func (b *Bitmap) Cardinality() float64 {
	if b.rows == nil {
		return 0
	}
	p := float64(b.partitions)
	empty, total := 0, 0
	for _, row := range b.rows[:b.partitions] {
		if row == 0 {
			empty++
		}
		total += trailingOnes(row)
	}
	if empty*32 >= b.partitions {
		return p * math.Log(p/float64(empty))
	}
	return p / b.calibration * math.Exp2(float64(total)/p)
}

// Merged reports whether Merge has run.
func (b *Bitmap) Merged() bool {
	return b.merged
}

// Release drops the shared rows.
func (b *Bitmap) Release() {
	b.rows = nil
}

func trailingOnes(row uint32) int {
	inv := ^row
	if inv == 0 {
		return 0
	}
	return bits.TrailingZeros32(inv)
}
