package engine

import (
	"fmt"
	"math"
)

// reduceInputs are the validated slices behind one (buffer, weights,
// frequencies, cumulativeScale) reduction tuple.
type reduceInputs[F any] struct {
	states   []int32
	partials []F
	weights  []F
	freqs    []F
	cumLog   []float64
}

func (in *instance[F]) resolveReduction(buffer, weights, frequencies, cumulativeScale int) (reduceInputs[F], error) {
	var r reduceInputs[F]
	if err := in.checkBuffer(buffer); err != nil {
		return r, err
	}
	if !in.written[buffer] {
		return r, fmt.Errorf("partials %d: %w", buffer, ErrUninitialisedBuffer)
	}
	if err := in.checkEigen(weights); err != nil {
		return r, err
	}
	if err := in.checkEigen(frequencies); err != nil {
		return r, err
	}
	r.states = in.pool.TipStates(buffer)
	r.partials = in.pool.Partials(buffer)
	r.weights = in.pool.Weights(weights)
	r.freqs = in.pool.Frequencies(frequencies)
	if r.weights == nil {
		return r, fmt.Errorf("category weights %d: %w", weights, ErrUninitialisedBuffer)
	}
	if r.freqs == nil {
		return r, fmt.Errorf("state frequencies %d: %w", frequencies, ErrUninitialisedBuffer)
	}
	if cumulativeScale != ScaleNone && in.caps.scaling != scaleAuto {
		if err := in.checkScale(cumulativeScale); err != nil {
			return r, err
		}
		r.cumLog = in.logScaleFactors(cumulativeScale)
	}
	return r, nil
}

// integrateRoot writes per-pattern site likelihoods (linear space, before
// scale-factor restoration) for one root buffer over [start, end).
func (in *instance[F]) integrateRoot(r reduceInputs[F], site []float64, start, end int) {
	s := in.pool.States
	sp := in.pool.PaddedStates()
	stride := in.pool.PaddedPatterns * sp
	for p := start; p < end; p++ {
		site[p] = 0
	}
	for c := 0; c < in.pool.Categories; c++ {
		w := float64(r.weights[c])
		base := c * stride
		for p := start; p < end; p++ {
			row := r.partials[base+p*sp : base+p*sp+s]
			var sum float64
			for j := 0; j < s; j++ {
				sum += float64(r.freqs[j]) * float64(row[j])
			}
			site[p] += w * sum
		}
	}
}

// autoLogScale is the accumulated log scale of pattern p across every
// partials buffer flagged active by auto-scaling.
func (in *instance[F]) autoLogScale(p int) float64 {
	var exp int
	for b, active := range in.activeScale {
		if active {
			exp += int(in.pool.AutoScale(b)[p])
		}
	}
	return float64(exp) * math.Ln2
}

func (in *instance[F]) siteLogAt(site []float64, cumLog []float64, p int) float64 {
	v := math.Log(site[p])
	if cumLog != nil {
		v += cumLog[p]
	}
	if in.caps.scaling == scaleAuto {
		v += in.autoLogScale(p)
	}
	return v
}

// cacheRootSites stores the per-pattern log likelihoods in client pattern
// order and folds the weighted sum, reporting underflow if any site came out
// non-finite.
func (in *instance[F]) cacheRootSites(siteLog []float64) (float64, error) {
	pw := in.pool.PatternWeights()
	var sum float64
	finite := true
	for p := 0; p < in.pool.Patterns; p++ {
		sum += float64(pw[p]) * siteLog[p]
		if math.IsNaN(siteLog[p]) || math.IsInf(siteLog[p], 0) {
			finite = false
		}
	}
	for i := 0; i < in.pool.Patterns; i++ {
		pos := i
		if in.newOrder != nil {
			pos = in.newOrder[i]
		}
		in.siteLogL[i] = siteLog[pos]
	}
	in.sumLogL = sum
	in.haveRoot = true
	in.haveEdge = false
	if !finite {
		return sum, fmt.Errorf("site likelihood not finite: %w", ErrFloatingPointUnderflow)
	}
	return sum, nil
}

// CalculateRootLogLikelihoods reduces one or more root buffers into site and
// sum log likelihoods. With a single root the cumulative scale buffer (or the
// auto-scaling exponents) restores rescaled magnitudes in log space. Multiple
// roots describe alternative rootings whose site likelihoods are summed, with
// per-root scale factors aligned on the per-pattern maximum first.
func (in *instance[F]) CalculateRootLogLikelihoods(buffers, weights, frequencies, cumulativeScales []int) (float64, error) {
	if err := in.Block(); err != nil {
		return 0, err
	}
	n := len(buffers)
	if n == 0 || len(weights) < n || len(frequencies) < n || len(cumulativeScales) < n {
		return 0, fmt.Errorf("root reduction argument lengths disagree: %w", ErrOutOfRange)
	}
	patterns := in.pool.Patterns
	siteLog := in.siteTmp[:in.pool.PaddedPatterns]

	if n == 1 {
		r, err := in.resolveReduction(buffers[0], weights[0], frequencies[0], cumulativeScales[0])
		if err != nil {
			return 0, err
		}
		if r.states != nil {
			return 0, fmt.Errorf("root buffer %d holds compact states: %w", buffers[0], ErrGeneral)
		}
		in.integrateRoot(r, siteLog, 0, patterns)
		for p := 0; p < patterns; p++ {
			siteLog[p] = in.siteLogAt(siteLog, r.cumLog, p)
		}
		return in.cacheRootSites(siteLog)
	}

	if in.caps.scaling == scaleAuto {
		return 0, fmt.Errorf("auto-scaling supports a single root: %w", ErrGeneral)
	}
	// Per-pattern log-sum across rootings: align every root's site likelihood
	// on the maximum log scale before adding linear terms.
	perRoot := make([][]float64, n)
	scales := make([][]float64, n)
	for k := 0; k < n; k++ {
		r, err := in.resolveReduction(buffers[k], weights[k], frequencies[k], cumulativeScales[k])
		if err != nil {
			return 0, err
		}
		if r.states != nil {
			return 0, fmt.Errorf("root buffer %d holds compact states: %w", buffers[k], ErrGeneral)
		}
		perRoot[k] = make([]float64, patterns)
		in.integrateRoot(r, perRoot[k], 0, patterns)
		scales[k] = r.cumLog
	}
	scaleAt := func(k, p int) float64 {
		if scales[k] == nil {
			return 0
		}
		return scales[k][p]
	}
	for p := 0; p < patterns; p++ {
		maxScale := scaleAt(0, p)
		for k := 1; k < n; k++ {
			if s := scaleAt(k, p); s > maxScale {
				maxScale = s
			}
		}
		var sum float64
		for k := 0; k < n; k++ {
			sum += perRoot[k][p] * math.Exp(scaleAt(k, p)-maxScale)
		}
		siteLog[p] = math.Log(sum) + maxScale
	}
	return in.cacheRootSites(siteLog)
}

// CalculateRootLogLikelihoodsByPartition reduces one root buffer per declared
// partition, writing each partition's weighted sum into outByPartition and
// returning the total.
func (in *instance[F]) CalculateRootLogLikelihoodsByPartition(buffers, weights, frequencies, cumulativeScales, partitions []int, outByPartition []float64) (float64, error) {
	if err := in.Block(); err != nil {
		return 0, err
	}
	n := len(partitions)
	if n == 0 || len(buffers) < n || len(weights) < n || len(frequencies) < n || len(cumulativeScales) < n {
		return 0, fmt.Errorf("partition reduction argument lengths disagree: %w", ErrOutOfRange)
	}
	if len(outByPartition) < n {
		return 0, fmt.Errorf("partition output length %d, want %d: %w", len(outByPartition), n, ErrOutOfRange)
	}
	siteLog := in.siteTmp[:in.pool.PaddedPatterns]
	pw := in.pool.PatternWeights()
	var total float64
	finite := true
	for k := 0; k < n; k++ {
		if err := in.checkPartition(partitions[k]); err != nil {
			return 0, err
		}
		r, err := in.resolveReduction(buffers[k], weights[k], frequencies[k], cumulativeScales[k])
		if err != nil {
			return 0, err
		}
		if r.states != nil {
			return 0, fmt.Errorf("root buffer %d holds compact states: %w", buffers[k], ErrGeneral)
		}
		start := in.partitionStarts[partitions[k]]
		end := in.partitionStarts[partitions[k]+1]
		in.integrateRoot(r, siteLog, start, end)
		var sub float64
		for p := start; p < end; p++ {
			siteLog[p] = in.siteLogAt(siteLog, r.cumLog, p)
			sub += float64(pw[p]) * siteLog[p]
			if math.IsNaN(siteLog[p]) || math.IsInf(siteLog[p], 0) {
				finite = false
			}
		}
		outByPartition[k] = sub
		total += sub
	}
	for i := 0; i < in.pool.Patterns; i++ {
		pos := i
		if in.newOrder != nil {
			pos = in.newOrder[i]
		}
		in.siteLogL[i] = siteLog[pos]
	}
	in.sumLogL = total
	in.haveRoot = true
	in.haveEdge = false
	if !finite {
		return total, fmt.Errorf("site likelihood not finite: %w", ErrFloatingPointUnderflow)
	}
	return total, nil
}

// integrateEdge folds one edge into the (pattern, state) scratch planes:
// tmp accumulates category-weighted parent*P*child products, and the
// derivative planes do the same against the derivative matrices.
func (in *instance[F]) integrateEdge(parent reduceInputs[F], childStates []int32, childPartials []F, prob, d1, d2 []F, start, end int) {
	s := in.pool.States
	sp := in.pool.PaddedStates()
	ts := in.pool.TransStates()
	pStride := in.pool.PaddedPatterns * sp
	mStride := s * ts
	tmp := in.integrationTmp
	t1 := in.firstDerivTmp
	t2 := in.secondDerivTmp
	for p := start; p < end; p++ {
		for j := 0; j < s; j++ {
			tmp[p*s+j] = 0
			t1[p*s+j] = 0
			t2[p*s+j] = 0
		}
	}
	for c := 0; c < in.pool.Categories; c++ {
		w := float64(parent.weights[c])
		pb := c * pStride
		mb := c * mStride
		for p := start; p < end; p++ {
			prow := parent.partials[pb+p*sp : pb+p*sp+s]
			if childStates != nil {
				cs := int(childStates[p])
				for j := 0; j < s; j++ {
					pp := w * float64(prow[j])
					tmp[p*s+j] += pp * float64(prob[mb+j*ts+cs])
					if d1 != nil {
						t1[p*s+j] += pp * float64(d1[mb+j*ts+cs])
					}
					if d2 != nil {
						t2[p*s+j] += pp * float64(d2[mb+j*ts+cs])
					}
				}
				continue
			}
			crow := childPartials[pb+p*sp : pb+p*sp+s]
			for j := 0; j < s; j++ {
				var sum, sum1, sum2 float64
				for k := 0; k < s; k++ {
					cv := float64(crow[k])
					sum += float64(prob[mb+j*ts+k]) * cv
					if d1 != nil {
						sum1 += float64(d1[mb+j*ts+k]) * cv
					}
					if d2 != nil {
						sum2 += float64(d2[mb+j*ts+k]) * cv
					}
				}
				pp := w * float64(prow[j])
				tmp[p*s+j] += pp * sum
				if d1 != nil {
					t1[p*s+j] += pp * sum1
				}
				if d2 != nil {
					t2[p*s+j] += pp * sum2
				}
			}
		}
	}
}

// CalculateEdgeLogLikelihoods reduces parent and child partials across one
// edge, with optional first and second derivatives with respect to the edge
// length. Derivative matrix indices are only consulted when the slices are
// non-nil; derivatives require a single edge.
func (in *instance[F]) CalculateEdgeLogLikelihoods(parents, children, probabilities, firstDerivatives, secondDerivatives, weights, frequencies, cumulativeScales []int) (EdgeDerivatives, error) {
	var out EdgeDerivatives
	if err := in.Block(); err != nil {
		return out, err
	}
	n := len(parents)
	if n == 0 || len(children) < n || len(probabilities) < n || len(weights) < n || len(frequencies) < n || len(cumulativeScales) < n {
		return out, fmt.Errorf("edge reduction argument lengths disagree: %w", ErrOutOfRange)
	}
	wantDerivs := firstDerivatives != nil
	if wantDerivs && n > 1 {
		return out, fmt.Errorf("edge derivatives support a single edge: %w", ErrGeneral)
	}
	if n > 1 {
		return out, fmt.Errorf("multiple edges per reduction are not supported: %w", ErrGeneral)
	}

	parent, err := in.resolveReduction(parents[0], weights[0], frequencies[0], cumulativeScales[0])
	if err != nil {
		return out, err
	}
	if parent.states != nil {
		return out, fmt.Errorf("parent buffer %d holds compact states: %w", parents[0], ErrGeneral)
	}
	if err := in.checkBuffer(children[0]); err != nil {
		return out, err
	}
	if !in.written[children[0]] {
		return out, fmt.Errorf("child partials %d: %w", children[0], ErrUninitialisedBuffer)
	}
	if err := in.checkMatrix(probabilities[0]); err != nil {
		return out, err
	}
	childStates := in.pool.TipStates(children[0])
	childPartials := in.pool.Partials(children[0])
	prob := in.pool.Matrix(probabilities[0])
	var d1, d2 []F
	if wantDerivs {
		if err := in.checkMatrix(firstDerivatives[0]); err != nil {
			return out, err
		}
		d1 = in.pool.Matrix(firstDerivatives[0])
		if secondDerivatives != nil {
			if err := in.checkMatrix(secondDerivatives[0]); err != nil {
				return out, err
			}
			d2 = in.pool.Matrix(secondDerivatives[0])
		}
	}

	patterns := in.pool.Patterns
	in.integrateEdge(parent, childStates, childPartials, prob, d1, d2, 0, patterns)

	s := in.pool.States
	siteLog := in.siteTmp[:in.pool.PaddedPatterns]
	pw := in.pool.PatternWeights()
	finite := true
	for p := 0; p < patterns; p++ {
		var lik, lik1, lik2 float64
		for j := 0; j < s; j++ {
			f := float64(parent.freqs[j])
			lik += f * in.integrationTmp[p*s+j]
			if d1 != nil {
				lik1 += f * in.firstDerivTmp[p*s+j]
			}
			if d2 != nil {
				lik2 += f * in.secondDerivTmp[p*s+j]
			}
		}
		logL := math.Log(lik)
		if parent.cumLog != nil {
			logL += parent.cumLog[p]
		}
		if in.caps.scaling == scaleAuto {
			logL += in.autoLogScale(p)
		}
		siteLog[p] = logL
		if math.IsNaN(logL) || math.IsInf(logL, 0) {
			finite = false
		}
		w := float64(pw[p])
		out.SumLogLikelihood += w * logL
		if d1 != nil {
			ratio1 := lik1 / lik
			in.siteD1Tmp[p] = ratio1
			out.SumFirstDerivative += w * ratio1
			if d2 != nil {
				ratio2 := lik2/lik - ratio1*ratio1
				in.siteD2Tmp[p] = ratio2
				out.SumSecondDerivative += w * ratio2
			}
		}
	}

	for i := 0; i < patterns; i++ {
		pos := i
		if in.newOrder != nil {
			pos = in.newOrder[i]
		}
		in.siteLogL[i] = siteLog[pos]
		if d1 != nil {
			in.siteD1[i] = in.siteD1Tmp[pos]
		}
		if d2 != nil {
			in.siteD2[i] = in.siteD2Tmp[pos]
		}
	}
	in.sumLogL = out.SumLogLikelihood
	in.sumD1 = out.SumFirstDerivative
	in.sumD2 = out.SumSecondDerivative
	in.haveRoot = true
	in.haveEdge = d1 != nil
	if !finite {
		return out, fmt.Errorf("site likelihood not finite: %w", ErrFloatingPointUnderflow)
	}
	return out, nil
}

// CalculateEdgeLogLikelihoodsByPartition reduces one edge per declared
// partition, writing per-partition sums and derivative sums into the output
// slices and returning the totals.
func (in *instance[F]) CalculateEdgeLogLikelihoodsByPartition(parents, children, probabilities, firstDerivatives, secondDerivatives, weights, frequencies, cumulativeScales, partitions []int, outByPartition, outFirstByPartition, outSecondByPartition []float64) (EdgeDerivatives, error) {
	var out EdgeDerivatives
	if err := in.Block(); err != nil {
		return out, err
	}
	n := len(partitions)
	if n == 0 || len(parents) < n || len(children) < n || len(probabilities) < n || len(weights) < n || len(frequencies) < n || len(cumulativeScales) < n {
		return out, fmt.Errorf("partition edge reduction argument lengths disagree: %w", ErrOutOfRange)
	}
	if len(outByPartition) < n {
		return out, fmt.Errorf("partition output length %d, want %d: %w", len(outByPartition), n, ErrOutOfRange)
	}
	wantDerivs := firstDerivatives != nil
	siteLog := in.siteTmp[:in.pool.PaddedPatterns]
	pw := in.pool.PatternWeights()
	s := in.pool.States
	finite := true
	for k := 0; k < n; k++ {
		if err := in.checkPartition(partitions[k]); err != nil {
			return out, err
		}
		parent, err := in.resolveReduction(parents[k], weights[k], frequencies[k], cumulativeScales[k])
		if err != nil {
			return out, err
		}
		if parent.states != nil {
			return out, fmt.Errorf("parent buffer %d holds compact states: %w", parents[k], ErrGeneral)
		}
		if err := in.checkBuffer(children[k]); err != nil {
			return out, err
		}
		if !in.written[children[k]] {
			return out, fmt.Errorf("child partials %d: %w", children[k], ErrUninitialisedBuffer)
		}
		if err := in.checkMatrix(probabilities[k]); err != nil {
			return out, err
		}
		var d1, d2 []F
		if wantDerivs {
			if err := in.checkMatrix(firstDerivatives[k]); err != nil {
				return out, err
			}
			d1 = in.pool.Matrix(firstDerivatives[k])
			if secondDerivatives != nil {
				if err := in.checkMatrix(secondDerivatives[k]); err != nil {
					return out, err
				}
				d2 = in.pool.Matrix(secondDerivatives[k])
			}
		}
		start := in.partitionStarts[partitions[k]]
		end := in.partitionStarts[partitions[k]+1]
		in.integrateEdge(parent, in.pool.TipStates(children[k]), in.pool.Partials(children[k]), in.pool.Matrix(probabilities[k]), d1, d2, start, end)
		var sub, sub1, sub2 float64
		for p := start; p < end; p++ {
			var lik, lik1, lik2 float64
			for j := 0; j < s; j++ {
				f := float64(parent.freqs[j])
				lik += f * in.integrationTmp[p*s+j]
				if d1 != nil {
					lik1 += f * in.firstDerivTmp[p*s+j]
				}
				if d2 != nil {
					lik2 += f * in.secondDerivTmp[p*s+j]
				}
			}
			logL := math.Log(lik)
			if parent.cumLog != nil {
				logL += parent.cumLog[p]
			}
			if in.caps.scaling == scaleAuto {
				logL += in.autoLogScale(p)
			}
			siteLog[p] = logL
			if math.IsNaN(logL) || math.IsInf(logL, 0) {
				finite = false
			}
			w := float64(pw[p])
			sub += w * logL
			if d1 != nil {
				ratio1 := lik1 / lik
				in.siteD1Tmp[p] = ratio1
				sub1 += w * ratio1
				if d2 != nil {
					ratio2 := lik2/lik - ratio1*ratio1
					in.siteD2Tmp[p] = ratio2
					sub2 += w * ratio2
				}
			}
		}
		outByPartition[k] = sub
		if wantDerivs && len(outFirstByPartition) > k {
			outFirstByPartition[k] = sub1
		}
		if wantDerivs && secondDerivatives != nil && len(outSecondByPartition) > k {
			outSecondByPartition[k] = sub2
		}
		out.SumLogLikelihood += sub
		out.SumFirstDerivative += sub1
		out.SumSecondDerivative += sub2
	}
	for i := 0; i < in.pool.Patterns; i++ {
		pos := i
		if in.newOrder != nil {
			pos = in.newOrder[i]
		}
		in.siteLogL[i] = siteLog[pos]
		if wantDerivs {
			in.siteD1[i] = in.siteD1Tmp[pos]
			in.siteD2[i] = in.siteD2Tmp[pos]
		}
	}
	in.sumLogL = out.SumLogLikelihood
	in.sumD1 = out.SumFirstDerivative
	in.sumD2 = out.SumSecondDerivative
	in.haveRoot = true
	in.haveEdge = wantDerivs
	if !finite {
		return out, fmt.Errorf("site likelihood not finite: %w", ErrFloatingPointUnderflow)
	}
	return out, nil
}

// GetLogLikelihood returns the sum log likelihood of the most recent
// reduction.
func (in *instance[F]) GetLogLikelihood() (float64, error) {
	if !in.haveRoot {
		return 0, fmt.Errorf("no reduction has run: %w", ErrGeneral)
	}
	return in.sumLogL, nil
}

// GetDerivatives returns the summed first and second derivatives of the most
// recent edge reduction.
func (in *instance[F]) GetDerivatives() (float64, float64, error) {
	if !in.haveEdge {
		return 0, 0, fmt.Errorf("no edge reduction with derivatives has run: %w", ErrGeneral)
	}
	return in.sumD1, in.sumD2, nil
}

// GetSiteLogLikelihoods copies the per-pattern log likelihoods of the most
// recent reduction, in the client's original pattern order.
func (in *instance[F]) GetSiteLogLikelihoods(out []float64) error {
	if !in.haveRoot {
		return fmt.Errorf("no reduction has run: %w", ErrGeneral)
	}
	if len(out) < in.pool.Patterns {
		return fmt.Errorf("site output length %d, want %d: %w", len(out), in.pool.Patterns, ErrOutOfRange)
	}
	copy(out, in.siteLogL)
	return nil
}

// GetSiteDerivatives copies the per-pattern derivative ratios of the most
// recent edge reduction, in the client's original pattern order.
func (in *instance[F]) GetSiteDerivatives(outFirst, outSecond []float64) error {
	if !in.haveEdge {
		return fmt.Errorf("no edge reduction with derivatives has run: %w", ErrGeneral)
	}
	if len(outFirst) < in.pool.Patterns || len(outSecond) < in.pool.Patterns {
		return fmt.Errorf("site derivative output length: %w", ErrOutOfRange)
	}
	copy(outFirst, in.siteD1)
	copy(outSecond, in.siteD2)
	return nil
}
