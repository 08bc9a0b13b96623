package io

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// GenerateOptions describes a synthetic pair of relations.
type GenerateOptions struct {
	InnerTuples int     // distinct inner keys
	OuterTuples int     // outer rows
	Groups      int     // distinct group keys in the outer relation
	MatchRatio  float64 // fraction of outer rows whose join key exists in the inner relation
	MaxValue    uint32  // values are drawn from [0, MaxValue]
	Seed        uint64
}

// DefaultGenerateOptions returns a small, fully matching workload.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		InnerTuples: 100_000,
		OuterTuples: 1_000_000,
		Groups:      10_000,
		MatchRatio:  1.0,
		MaxValue:    1000,
		Seed:        1,
	}
}

func (o GenerateOptions) validate() error {
	if o.InnerTuples < 1 || o.OuterTuples < 0 {
		return fmt.Errorf("invalid tuple counts: inner %d, outer %d", o.InnerTuples, o.OuterTuples)
	}
	if o.Groups < 1 {
		return fmt.Errorf("groups must be positive, got %d", o.Groups)
	}
	if o.MatchRatio < 0 || o.MatchRatio > 1 {
		return fmt.Errorf("match ratio must be in [0, 1], got %f", o.MatchRatio)
	}
	if uint64(o.InnerTuples)*2 >= math.MaxUint32 {
		return errors.New("inner relation too large for uint32 keys")
	}
	return nil
}

// GenerateRelations builds an inner relation (key, value) with distinct
// non-zero keys in random order and an outer relation
// (join_key, group_key, value). Unmatched outer rows use keys absent from
// the inner relation. Group keys are never zero.
func GenerateRelations(opts GenerateOptions, mem memory.Allocator) (*Relation, *Relation, error) {
	if err := opts.validate(); err != nil {
		return nil, nil, err
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9E3779B97F4A7C15))
	value := func() uint32 {
		return uint32(rng.Uint64N(uint64(opts.MaxValue) + 1))
	}

	keys := make([]uint32, opts.InnerTuples)
	for i := range keys {
		keys[i] = uint32(i + 1)
	}
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	ik := array.NewUint32Builder(mem)
	defer ik.Release()
	iv := array.NewUint32Builder(mem)
	defer iv.Release()
	ik.AppendValues(keys, nil)
	for range keys {
		iv.Append(value())
	}
	inner, err := NewRelation(
		[]string{ColumnKey, ColumnValue},
		[]*array.Uint32{ik.NewUint32Array(), iv.NewUint32Array()})
	if err != nil {
		return nil, nil, err
	}

	ok := array.NewUint32Builder(mem)
	defer ok.Release()
	og := array.NewUint32Builder(mem)
	defer og.Release()
	ov := array.NewUint32Builder(mem)
	defer ov.Release()
	ok.Reserve(opts.OuterTuples)
	og.Reserve(opts.OuterTuples)
	ov.Reserve(opts.OuterTuples)

	missBase := uint64(opts.InnerTuples) + 1
	missSpan := uint64(math.MaxUint32) - missBase
	for range opts.OuterTuples {
		if rng.Float64() < opts.MatchRatio {
			ok.Append(keys[rng.IntN(len(keys))])
		} else {
			ok.Append(uint32(missBase + rng.Uint64N(missSpan)))
		}
		og.Append(uint32(rng.IntN(opts.Groups) + 1))
		ov.Append(value())
	}
	outer, err := NewRelation(
		[]string{ColumnJoinKey, ColumnGroupKey, ColumnValue},
		[]*array.Uint32{ok.NewUint32Array(), og.NewUint32Array(), ov.NewUint32Array()})
	if err != nil {
		inner.Release()
		return nil, nil, err
	}
	return inner, outer, nil
}
