package engine

import (
	"fmt"

	"golang.org/x/exp/constraints"

	"github.com/samcharles93/treelike/internal/kernels"
	"github.com/samcharles93/treelike/internal/workerpool"
)

// resolvedOp is an Operation with every index turned into a slice, ready to
// run over any pattern range. rescaleTo selects the dynamic-rescaling path,
// fixedBy the fixed-scaling path; at most one is non-nil.
type resolvedOp[F constraints.Float] struct {
	destIndex int
	dest      []F

	states1   []int32
	partials1 []F
	m1        []F
	states2   []int32
	partials2 []F
	m2        []F

	rescaleTo  []F
	cumulative []F
	fixedBy    []F
	exponents  []int16
}

func (in *instance[F]) resolveOperation(op Operation, cumulative []F) (resolvedOp[F], error) {
	var r resolvedOp[F]
	if err := in.checkBuffer(op.Destination); err != nil {
		return r, err
	}
	if op.Destination < in.pool.Tips {
		return r, fmt.Errorf("destination %d is a tip: %w", op.Destination, ErrOutOfRange)
	}
	for _, child := range []int{op.Child1, op.Child2} {
		if err := in.checkBuffer(child); err != nil {
			return r, err
		}
		if !in.written[child] {
			return r, fmt.Errorf("child partials %d: %w", child, ErrUninitialisedBuffer)
		}
	}
	for _, m := range []int{op.Child1Matrix, op.Child2Matrix} {
		if err := in.checkMatrix(m); err != nil {
			return r, err
		}
	}

	r.destIndex = op.Destination
	r.dest = in.pool.Partials(op.Destination)
	r.states1 = in.pool.TipStates(op.Child1)
	r.partials1 = in.pool.Partials(op.Child1)
	r.m1 = in.pool.Matrix(op.Child1Matrix)
	r.states2 = in.pool.TipStates(op.Child2)
	r.partials2 = in.pool.Partials(op.Child2)
	r.m2 = in.pool.Matrix(op.Child2Matrix)

	// Compact children lead so the kernels only come in three shapes.
	if r.states1 == nil && r.states2 != nil {
		r.states1, r.partials1, r.m1, r.states2, r.partials2, r.m2 =
			r.states2, r.partials2, r.m2, r.states1, r.partials1, r.m1
	}

	switch in.caps.scaling {
	case scaleNone:
	case scaleAuto:
		r.exponents = in.pool.AutoScale(op.Destination)
	case scaleAlways:
		idx := op.DestinationScale
		if idx == ScaleNone {
			idx = op.Destination - in.pool.Tips
		}
		if err := in.checkScale(idx); err != nil {
			return r, err
		}
		r.rescaleTo = in.pool.Scale(idx)
		r.cumulative = cumulative
	default: // manual, dynamic
		if op.DestinationScale != ScaleNone {
			if err := in.checkScale(op.DestinationScale); err != nil {
				return r, err
			}
			r.rescaleTo = in.pool.Scale(op.DestinationScale)
			r.cumulative = cumulative
		} else if op.SourceScale != ScaleNone {
			if err := in.checkScale(op.SourceScale); err != nil {
				return r, err
			}
			r.fixedBy = in.pool.Scale(op.SourceScale)
		}
	}
	return r, nil
}

// exec runs one resolved operation over [start, end). The returned flag is
// only meaningful under auto-scaling and reports whether any pattern in the
// range was rescaled.
func (in *instance[F]) exec(r resolvedOp[F], start, end int) bool {
	l := in.layout
	switch {
	case r.fixedBy != nil && r.states1 != nil && r.states2 != nil:
		kernels.StatesStatesFixed(l, r.dest, r.states1, r.m1, r.states2, r.m2, r.fixedBy, in.caps.scalersLog, start, end)
	case r.fixedBy != nil && r.states1 != nil:
		kernels.StatesPartialsFixed(l, r.dest, r.states1, r.m1, r.partials2, r.m2, r.fixedBy, in.caps.scalersLog, start, end)
	case r.fixedBy != nil:
		kernels.PartialsPartialsFixed(l, r.dest, r.partials1, r.m1, r.partials2, r.m2, r.fixedBy, in.caps.scalersLog, start, end)
	case r.states1 != nil && r.states2 != nil:
		kernels.StatesStates(l, r.dest, r.states1, r.m1, r.states2, r.m2, start, end)
	case r.states1 != nil:
		kernels.StatesPartials(l, r.dest, r.states1, r.m1, r.partials2, r.m2, start, end)
	default:
		kernels.PartialsPartials(l, r.dest, r.partials1, r.m1, r.partials2, r.m2, start, end)
	}
	if r.rescaleTo != nil {
		kernels.Rescale(l, r.dest, r.rescaleTo, r.cumulative, in.caps.scalersLog, start, end)
	}
	if r.exponents != nil {
		return kernels.AutoRescale(l, r.dest, r.exponents, start, end)
	}
	return false
}

// UpdatePartials runs a batch of peeling operations in order. Operations are
// dependency-ordered by the client; each one completes before the next
// starts, with the pattern range fanned out across the worker pool when
// threading is on. cumulativeScale, when not ScaleNone, accumulates the log
// rescaling factor of every dynamically rescaled operation.
func (in *instance[F]) UpdatePartials(operations []Operation, cumulativeScale int) error {
	if err := in.Block(); err != nil {
		return err
	}
	var cumulative []F
	if cumulativeScale != ScaleNone && in.caps.scaling != scaleNone && in.caps.scaling != scaleAuto {
		if err := in.checkScale(cumulativeScale); err != nil {
			return err
		}
		cumulative = in.pool.Scale(cumulativeScale)
	}
	padded := in.pool.PaddedPatterns
	for _, op := range operations {
		r, err := in.resolveOperation(op, cumulative)
		if err != nil {
			return err
		}
		if in.threaded() && in.caps.autoPartition {
			n := in.threadCount
			chunk := (padded + n - 1) / n
			activated := make([]bool, n)
			in.workers.Barrier(func(w int) {
				start := w * chunk
				end := start + chunk
				if end > padded {
					end = padded
				}
				if start >= end {
					return
				}
				activated[w] = in.exec(r, start, end)
			})
			if r.exponents != nil {
				act := false
				for _, a := range activated {
					act = act || a
				}
				in.activeScale[op.Destination] = act
			}
		} else {
			act := in.exec(r, 0, padded)
			if r.exponents != nil {
				in.activeScale[op.Destination] = act
			}
		}
		in.written[op.Destination] = true
		in.invalidateReductions()
	}
	return nil
}

// UpdatePartialsByPartition runs peeling operations restricted to declared
// pattern partitions. Operations for the same partition keep their order by
// sharing a worker queue; operations for different partitions touch disjoint
// pattern ranges and run concurrently. Completion is observed through
// WaitForPartials or Block.
func (in *instance[F]) UpdatePartialsByPartition(operations []PartitionOperation) error {
	if in.partitionCount == 0 {
		return fmt.Errorf("no pattern partitions declared: %w", ErrGeneral)
	}
	for _, op := range operations {
		if err := in.checkPartition(op.Partition); err != nil {
			return err
		}
		var cumulative []F
		if op.CumulativeScale != ScaleNone && in.caps.scaling != scaleNone && in.caps.scaling != scaleAuto {
			if err := in.checkScale(op.CumulativeScale); err != nil {
				return err
			}
			cumulative = in.pool.Scale(op.CumulativeScale)
		}
		r, err := in.resolveOperation(op.Operation, cumulative)
		if err != nil {
			return err
		}
		start := in.partitionStarts[op.Partition]
		end := in.partitionStarts[op.Partition+1]
		if !in.threaded() {
			act := in.exec(r, start, end)
			if r.exponents != nil && act {
				in.activeScale[op.Destination] = true
			}
			in.written[op.Destination] = true
			in.invalidateReductions()
			continue
		}
		// Reads of a destination produced by an earlier submission must not
		// overtake it, so child buffers with pending work are joined first.
		for _, child := range []int{op.Child1, op.Child2} {
			if child != op.Destination {
				if err := in.waitFor(child); err != nil {
					return err
				}
			}
		}
		worker := op.Partition % in.threadCount
		dest := op.Destination
		fut := in.workers.Submit(worker, func() {
			if in.exec(r, start, end) {
				in.activeScale[dest] = true
			}
		})
		in.outstanding = append(in.outstanding, fut)
		in.destFutures[dest] = append(in.destFutures[dest], fut)
		in.written[dest] = true
		in.invalidateReductions()
	}
	return nil
}

// WaitForPartials joins the asynchronous work targeting the given destination
// buffers. Other submissions keep running.
func (in *instance[F]) WaitForPartials(destinations []int) error {
	for _, d := range destinations {
		if err := in.checkBuffer(d); err != nil {
			return err
		}
		if err := in.waitFor(d); err != nil {
			return err
		}
	}
	return nil
}

// Block joins every outstanding asynchronous operation.
func (in *instance[F]) Block() error {
	if len(in.outstanding) == 0 {
		return nil
	}
	workerpool.Wait(in.outstanding)
	in.outstanding = in.outstanding[:0]
	for d := range in.destFutures {
		delete(in.destFutures, d)
	}
	return nil
}

func (in *instance[F]) waitFor(buffer int) error {
	futs := in.destFutures[buffer]
	if len(futs) == 0 {
		return nil
	}
	workerpool.Wait(futs)
	delete(in.destFutures, buffer)
	return nil
}

func (in *instance[F]) invalidateReductions() {
	in.haveRoot = false
	in.haveEdge = false
}
