package engine

import (
	"fmt"
	"math"
)

// Per-operation scale buffers hold whatever Rescale recorded, linear factors
// or logs depending on the scalers flag. Cumulative buffers always hold log
// factors, which is what every accumulate call below adds and what the
// reducers and GetPartials consume.

func (in *instance[F]) accumulate(indices []int, cumulative int, start, end int, sign float64) error {
	if err := in.checkScale(cumulative); err != nil {
		return err
	}
	if err := in.Block(); err != nil {
		return err
	}
	cum := in.pool.Scale(cumulative)
	if in.caps.scaling == scaleAuto {
		for _, idx := range indices {
			if err := in.checkBuffer(idx); err != nil {
				return err
			}
			exps := in.pool.AutoScale(idx)
			for p := start; p < end; p++ {
				cum[p] += F(sign * float64(exps[p]) * math.Ln2)
			}
		}
		return nil
	}
	for _, idx := range indices {
		if err := in.checkScale(idx); err != nil {
			return err
		}
		src := in.pool.Scale(idx)
		if in.caps.scalersLog {
			for p := start; p < end; p++ {
				cum[p] += F(sign) * src[p]
			}
			continue
		}
		for p := start; p < end; p++ {
			cum[p] += F(sign * math.Log(float64(src[p])))
		}
	}
	return nil
}

// AccumulateScaleFactors folds the named scale buffers into a cumulative
// buffer. Under auto-scaling the indices name partials buffers and their
// extracted exponents are folded in instead.
func (in *instance[F]) AccumulateScaleFactors(indices []int, cumulative int) error {
	return in.accumulate(indices, cumulative, 0, in.pool.PaddedPatterns, 1)
}

// AccumulateScaleFactorsByPartition is AccumulateScaleFactors restricted to
// one pattern partition.
func (in *instance[F]) AccumulateScaleFactorsByPartition(indices []int, cumulative, partition int) error {
	if err := in.checkPartition(partition); err != nil {
		return err
	}
	return in.accumulate(indices, cumulative, in.partitionStarts[partition], in.partitionStarts[partition+1], 1)
}

// RemoveScaleFactors subtracts previously accumulated scale buffers from a
// cumulative buffer.
func (in *instance[F]) RemoveScaleFactors(indices []int, cumulative int) error {
	return in.accumulate(indices, cumulative, 0, in.pool.PaddedPatterns, -1)
}

// RemoveScaleFactorsByPartition is RemoveScaleFactors restricted to one
// pattern partition.
func (in *instance[F]) RemoveScaleFactorsByPartition(indices []int, cumulative, partition int) error {
	if err := in.checkPartition(partition); err != nil {
		return err
	}
	return in.accumulate(indices, cumulative, in.partitionStarts[partition], in.partitionStarts[partition+1], -1)
}

// ResetScaleFactors zeroes a cumulative buffer.
func (in *instance[F]) ResetScaleFactors(cumulative int) error {
	if err := in.checkScale(cumulative); err != nil {
		return err
	}
	if err := in.Block(); err != nil {
		return err
	}
	buf := in.pool.Scale(cumulative)
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

// ResetScaleFactorsByPartition zeroes the partition's range of a cumulative
// buffer.
func (in *instance[F]) ResetScaleFactorsByPartition(cumulative, partition int) error {
	if err := in.checkScale(cumulative); err != nil {
		return err
	}
	if err := in.checkPartition(partition); err != nil {
		return err
	}
	if err := in.Block(); err != nil {
		return err
	}
	buf := in.pool.Scale(cumulative)
	for p := in.partitionStarts[partition]; p < in.partitionStarts[partition+1]; p++ {
		buf[p] = 0
	}
	return nil
}

// CopyScaleFactors copies one scale buffer over another.
func (in *instance[F]) CopyScaleFactors(destination, source int) error {
	if err := in.checkScale(destination); err != nil {
		return err
	}
	if err := in.checkScale(source); err != nil {
		return err
	}
	if err := in.Block(); err != nil {
		return err
	}
	copy(in.pool.Scale(destination), in.pool.Scale(source))
	return nil
}

// GetScaleFactors copies a cumulative buffer's per-pattern log factors out in
// the client's original pattern order.
func (in *instance[F]) GetScaleFactors(source int, out []float64) error {
	if err := in.checkScale(source); err != nil {
		return err
	}
	if len(out) < in.pool.Patterns {
		return fmt.Errorf("scale factor output length %d, want %d: %w", len(out), in.pool.Patterns, ErrOutOfRange)
	}
	if err := in.Block(); err != nil {
		return err
	}
	logs := in.logScaleFactors(source)
	for i := 0; i < in.pool.Patterns; i++ {
		pos := i
		if in.newOrder != nil {
			pos = in.newOrder[i]
		}
		out[i] = logs[pos]
	}
	return nil
}

// logScaleFactors reads a cumulative buffer as per-pattern log factors in
// stored pattern order. Cumulative buffers are log-space regardless of the
// scalers flag.
func (in *instance[F]) logScaleFactors(idx int) []float64 {
	buf := in.pool.Scale(idx)
	logs := make([]float64, in.pool.PaddedPatterns)
	for p := range buf {
		logs[p] = float64(buf[p])
	}
	return logs
}
