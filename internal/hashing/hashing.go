// Package hashing provides the 32-bit key hash functions shared by the build
// table, the cardinality sketch and the aggregation table.
package hashing

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	xxhash "github.com/cespare/xxhash/v2"
	"golang.org/x/exp/constraints"
)

// FibonacciMultiplier is the odd 32-bit constant closest to 2^32 divided by
// the golden ratio.
const FibonacciMultiplier uint32 = 0x9E3779B1

// Func maps a 32-bit key to a 32-bit hash. Tables take the high bits of the
// result and the sketch takes the low bits, so both halves must be mixed.
type Func func(key uint32) uint32

// Fibonacci multiplies the key by FibonacciMultiplier modulo 2^32.
func Fibonacci(key uint32) uint32 {
	return key * FibonacciMultiplier
}

// XXHash hashes the little-endian key bytes with xxhash64 and folds the
// result to 32 bits.
func XXHash(key uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], key)
	h := xxhash.Sum64(buf[:])
	return uint32(h) ^ uint32(h>>32)
}

// ByName returns the hash function registered under name.
func ByName(name string) (Func, error) {
	switch name {
	case "", "fibonacci":
		return Fibonacci, nil
	case "xxhash":
		return XXHash, nil
	default:
		return nil, fmt.Errorf("unknown hash function %q", name)
	}
}

// Slot returns the top logBuckets bits of h, the home slot in a table of
// 1<<logBuckets entries.
func Slot(h uint32, logBuckets uint8) uint32 {
	if logBuckets == 0 {
		return 0
	}
	return h >> (32 - uint32(logBuckets))
}

// Log2 returns floor(log2(n)), and 0 for n <= 1.
func Log2[T constraints.Unsigned](n T) uint8 {
	if n <= 1 {
		return 0
	}
	return uint8(bits.Len64(uint64(n)) - 1)
}

// NextPowerOfTwo returns the smallest power of two >= n, and 1 for n == 0.
func NextPowerOfTwo[T constraints.Unsigned](n T) T {
	if n <= 1 {
		return 1
	}
	return T(1) << bits.Len64(uint64(n-1))
}
