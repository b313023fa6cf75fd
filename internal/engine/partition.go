package engine

import "fmt"

// SetPatternPartitions declares pattern partitions and regroups storage so
// every partition occupies a contiguous stored pattern range. Data already
// supplied is permuted in place; data supplied afterwards is permuted on the
// way in. Outputs keep the client's original pattern order throughout.
func (in *instance[F]) SetPatternPartitions(partitionCount int, assignments []int) error {
	if partitionCount < 1 {
		return fmt.Errorf("partition count %d: %w", partitionCount, ErrOutOfRange)
	}
	patterns := in.pool.Patterns
	if len(assignments) < patterns {
		return fmt.Errorf("partition assignment length %d, want %d: %w", len(assignments), patterns, ErrOutOfRange)
	}
	for i := 0; i < patterns; i++ {
		if assignments[i] < 0 || assignments[i] >= partitionCount {
			return fmt.Errorf("pattern %d assigned to partition %d: %w", i, assignments[i], ErrOutOfRange)
		}
	}
	if err := in.Block(); err != nil {
		return err
	}

	counts := make([]int, partitionCount)
	for i := 0; i < patterns; i++ {
		counts[assignments[i]]++
	}
	starts := make([]int, partitionCount+1)
	for k := 0; k < partitionCount; k++ {
		starts[k+1] = starts[k] + counts[k]
	}

	next := make([]int, partitionCount)
	copy(next, starts[:partitionCount])
	newOrder := make([]int, patterns)
	identity := true
	for i := 0; i < patterns; i++ {
		newOrder[i] = next[assignments[i]]
		next[assignments[i]]++
		if newOrder[i] != i {
			identity = false
		}
	}

	// perm maps current stored position to the new stored position, so data
	// already in the pool can be regrouped in place.
	perm := make([]int, patterns)
	for i := 0; i < patterns; i++ {
		cur := i
		if in.newOrder != nil {
			cur = in.newOrder[i]
		}
		perm[cur] = newOrder[i]
	}
	in.permuteStorage(perm)

	in.partitionCount = partitionCount
	in.partitionStarts = starts
	in.partitionOf = make([]int32, patterns)
	for i := 0; i < patterns; i++ {
		in.partitionOf[newOrder[i]] = int32(assignments[i])
	}
	if identity {
		in.newOrder = nil
	} else {
		in.newOrder = newOrder
	}
	in.invalidateReductions()
	in.log.Debug("pattern partitions declared",
		"partitions", partitionCount,
		"patterns", patterns,
		"reordered", !identity,
	)
	return nil
}

func permutePatterns[T any](buf []T, perm []int, tmp []T) {
	copy(tmp, buf[:len(perm)])
	for i, j := range perm {
		buf[j] = tmp[i]
	}
}

// permuteStorage moves every per-pattern datum from stored position i to
// perm[i]: pattern weights, compact tip states, partials rows per category,
// scale buffers and auto-scaling exponents.
func (in *instance[F]) permuteStorage(perm []int) {
	patterns := in.pool.Patterns
	identity := true
	for i, j := range perm {
		if i != j {
			identity = false
		}
	}
	if identity {
		return
	}

	ftmp := make([]F, patterns)
	permutePatterns(in.pool.PatternWeights(), perm, ftmp)
	for k := 0; k < in.pool.ScaleBuffers; k++ {
		permutePatterns(in.pool.Scale(k), perm, ftmp)
	}

	itmp := make([]int32, patterns)
	for t := 0; t < in.pool.Tips; t++ {
		if s := in.pool.TipStates(t); s != nil {
			permutePatterns(s, perm, itmp)
		}
	}

	etmp := make([]int16, patterns)
	sp := in.pool.PaddedStates()
	rows := make([]F, patterns*sp)
	for b := 0; b < in.pool.Buffers; b++ {
		if e := in.pool.AutoScale(b); e != nil {
			permutePatterns(e, perm, etmp)
		}
		part := in.pool.Partials(b)
		if part == nil || !in.written[b] {
			continue
		}
		for c := 0; c < in.pool.Categories; c++ {
			base := c * in.pool.PaddedPatterns * sp
			block := part[base : base+patterns*sp]
			copy(rows, block)
			for i, j := range perm[:patterns] {
				copy(block[j*sp:(j+1)*sp], rows[i*sp:(i+1)*sp])
			}
		}
	}
}
