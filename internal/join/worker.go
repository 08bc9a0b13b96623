package join

import (
	"context"
	"errors"
	"fmt"

	"github.com/marusama/cyclicbarrier"

	"github.com/paveg/hashagg/internal/aggtable"
	"github.com/paveg/hashagg/internal/buckettable"
	jerrors "github.com/paveg/hashagg/internal/errors"
	"github.com/paveg/hashagg/internal/parallel"
	"github.com/paveg/hashagg/internal/sketch"
)

// cancelCheckMask sets how often long scans look at the context.
const cancelCheckMask = 1<<16 - 1

// worker is the per-goroutine view of a join: fixed slice bounds into both
// relations plus the partial it alone writes.
type worker struct {
	jc       *joinContext
	thread   int
	innerBeg int
	innerEnd int
	outerBeg int
	outerEnd int
	out      *partial
}

func newWorker(jc *joinContext, thread int) *worker {
	w := &worker{jc: jc, thread: thread, out: &jc.partials[thread]}
	w.innerBeg, w.innerEnd = parallel.Span(jc.inner.Len(), jc.threads, thread)
	w.outerBeg, w.outerEnd = parallel.Span(jc.outer.Len(), jc.threads, thread)
	return w
}

// runGrouped drives the worker through all five phases.
func (w *worker) runGrouped(ctx context.Context) error {
	if err := w.buildPhase(ctx); err != nil {
		return err
	}
	if err := w.await(ctx, w.jc.built, PhaseBuild); err != nil {
		return err
	}

	if err := w.jc.est.Observe(w.thread, w.jc.outer.GroupKeys[w.outerBeg:w.outerEnd]); err != nil {
		return jerrors.NewInternalError(w.jc.op, err)
	}
	if err := w.await(ctx, w.jc.sketched, PhaseSketch); err != nil {
		return err
	}

	if w.thread == 0 {
		if err := w.sizePhase(); err != nil {
			return err
		}
	}
	if err := w.await(ctx, w.jc.sized, PhaseSize); err != nil {
		return err
	}

	if err := w.aggregatePhase(ctx); err != nil {
		return err
	}
	if err := w.await(ctx, w.jc.aggregated, PhaseProbe); err != nil {
		return err
	}

	return w.reducePhase()
}

// runUngrouped builds, waits once and sums build*probe over matches.
func (w *worker) runUngrouped(ctx context.Context) error {
	if err := w.buildPhase(ctx); err != nil {
		return err
	}
	if err := w.await(ctx, w.jc.built, PhaseBuild); err != nil {
		return err
	}

	outer := w.jc.outer
	var sum, count uint64
	for i := w.outerBeg; i < w.outerEnd; i++ {
		if i&cancelCheckMask == 0 && ctx.Err() != nil {
			return jerrors.NewCanceledError(w.jc.op, PhaseProbe, ctx.Err())
		}
		v, ok := w.jc.build.Lookup(outer.JoinKeys[i])
		if !ok {
			continue
		}
		sum += uint64(v) * uint64(outer.Values[i])
		count++
	}
	w.out.sum, w.out.count, w.out.matched = sum, count, count
	return nil
}

func (w *worker) buildPhase(ctx context.Context) error {
	inner := w.jc.inner
	for i := w.innerBeg; i < w.innerEnd; i++ {
		if i&cancelCheckMask == 0 && ctx.Err() != nil {
			return jerrors.NewCanceledError(w.jc.op, PhaseBuild, ctx.Err())
		}
		if err := w.jc.build.Insert(inner.Keys[i], inner.Values[i]); err != nil {
			return classify(w.jc.op, PhaseBuild, fmt.Errorf("inner row %d: %w", i, err))
		}
	}
	return nil
}

// sizePhase runs on worker 0 while the others wait at the sized barrier.
func (w *worker) sizePhase() error {
	jc := w.jc
	if err := jc.est.Merge(); err != nil {
		return jerrors.NewInternalError(jc.op, err)
	}
	jc.estimate = jc.est.Estimate()
	jc.est.Release()
	jc.monitor.RecordDeallocation(jc.sketchBytes)
	jc.sketchBytes = 0

	log, err := sketch.TableLog(jc.estimate, jc.cfg.LoadFactor, jc.cfg.HeadroomBits)
	if err != nil {
		return jerrors.NewResourceExhaustedError(jc.op, PhaseSize, "aggregation table too large", err)
	}
	bytes := aggtable.Bytes(log)
	if err := jc.monitor.Reserve(bytes); err != nil {
		return jerrors.NewResourceExhaustedError(jc.op, PhaseSize, "aggregation table exceeds memory budget", err)
	}
	aggr, err := aggtable.New(log, aggtable.WithHash(jc.hash))
	if err != nil {
		jc.monitor.RecordDeallocation(bytes)
		return jerrors.NewResourceExhaustedError(jc.op, PhaseSize, "aggregation table allocation failed", err)
	}
	jc.aggr, jc.aggrBytes = aggr, bytes

	attrs := []any{"op", jc.op, "estimate", jc.estimate, "log_buckets", log, "bytes", bytes}
	if jc.cfg.VerboseLogging {
		jc.log.Info("aggregation table sized", attrs...)
	} else {
		jc.log.Debug("aggregation table sized", attrs...)
	}
	return nil
}

func (w *worker) aggregatePhase(ctx context.Context) error {
	outer := w.jc.outer
	build, aggr := w.jc.build, w.jc.aggr
	var matched uint64
	for i := w.outerBeg; i < w.outerEnd; i++ {
		if i&cancelCheckMask == 0 && ctx.Err() != nil {
			return jerrors.NewCanceledError(w.jc.op, PhaseProbe, ctx.Err())
		}
		v, ok := build.Lookup(outer.JoinKeys[i])
		if !ok {
			continue
		}
		if _, err := aggr.Add(outer.GroupKeys[i], uint64(v)*uint64(outer.Values[i])); err != nil {
			return classify(w.jc.op, PhaseProbe, fmt.Errorf("outer row %d: %w", i, err))
		}
		matched++
	}
	w.out.matched = matched
	return nil
}

func (w *worker) reducePhase() error {
	jc := w.jc
	beg, end := parallel.Span(jc.aggr.Len(), jc.threads, w.thread)
	p, violations := jc.aggr.Reduce(beg, end)
	w.out.sum, w.out.count, w.out.violations = p.Sum, p.Groups, len(violations)

	for _, slot := range violations {
		g := jc.aggr.Entry(slot)
		jc.log.Error("aggregation slot counts tuples without a group key",
			"op", jc.op, "thread", w.thread, "slot", slot, "count", g.Count, "sum", g.Sum)
	}
	if len(violations) > 0 {
		return jerrors.NewConsistencyError(jc.op, PhaseReduce,
			fmt.Sprintf("%d slots in [%d, %d) count tuples without a group key", len(violations), beg, end))
	}
	return nil
}

// await blocks on b until every worker arrives. Worker 0 then closes phase.
func (w *worker) await(ctx context.Context, b cyclicbarrier.CyclicBarrier, phase string) error {
	if err := b.Await(ctx); err != nil {
		return jerrors.NewCanceledError(w.jc.op, phase, err)
	}
	if w.thread == 0 {
		w.jc.mark(phase)
	}
	return nil
}

// classify maps table errors onto the join error kinds.
func classify(op, phase string, err error) error {
	kind := jerrors.KindInternal
	msg := "internal error occurred"
	switch {
	case errors.Is(err, buckettable.ErrDuplicateKey):
		kind, msg = jerrors.KindInvalidInput, "duplicate inner key"
	case errors.Is(err, buckettable.ErrReservedKey), errors.Is(err, aggtable.ErrReservedKey):
		kind, msg = jerrors.KindInvalidInput, "reserved key 0"
	case errors.Is(err, buckettable.ErrTableFull), errors.Is(err, aggtable.ErrTableFull):
		kind, msg = jerrors.KindResourceExhausted, "hash table full"
	}
	return &jerrors.JoinError{Op: op, Phase: phase, Kind: kind, Message: msg, Cause: err}
}
