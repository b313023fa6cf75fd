// Package kernels implements the peeling inner loops of the likelihood
// engine: combining two child partial-likelihood vectors (or compact tip
// states) with their edge transition matrices into a parent partials buffer,
// plus the rescaling passes that keep magnitudes representable in deep trees.
//
// Kernels are generic over the working precision and monomorphised per
// instantiation. Every kernel operates on a [startPattern, endPattern) range
// so the scheduler can slice work across partitions or worker threads;
// patterns outside the range are untouched. Kernels are total: finite inputs
// always produce finite output.
package kernels

import "golang.org/x/exp/constraints"

// Layout carries the stride constants every kernel needs to address the flat
// buffers. A partials buffer is Categories blocks of PaddedPatterns rows of
// PaddedStates values; a transition matrix is Categories blocks of States
// rows of TransStates values. Columns States through TransStates-1 of each
// row are the padding columns that serve the ambiguous state.
type Layout struct {
	States         int
	PaddedStates   int
	TransStates    int
	Categories     int
	PaddedPatterns int
}

// PartialsStride is the per-category stride of a partials buffer.
func (l Layout) PartialsStride() int { return l.PaddedPatterns * l.PaddedStates }

// MatrixStride is the per-category stride of a transition matrix.
func (l Layout) MatrixStride() int { return l.States * l.TransStates }

// StatesStates peels two compact-state children: each destination entry is a
// product of two direct matrix lookups. An ambiguous state (== States)
// selects the padding column.
func StatesStates[F constraints.Float](l Layout, dest []F, states1 []int32, m1 []F, states2 []int32, m2 []F, start, end int) {
	sp := l.PaddedStates
	ts := l.TransStates
	for c := 0; c < l.Categories; c++ {
		pb := c * l.PartialsStride()
		mb := c * l.MatrixStride()
		for p := start; p < end; p++ {
			s1 := int(states1[p])
			s2 := int(states2[p])
			drow := dest[pb+p*sp : pb+p*sp+sp]
			for s := 0; s < l.States; s++ {
				drow[s] = m1[mb+s*ts+s1] * m2[mb+s*ts+s2]
			}
			for s := l.States; s < sp; s++ {
				drow[s] = 0
			}
		}
	}
}

// StatesPartials peels a compact-state child against a partials child.
func StatesPartials[F constraints.Float](l Layout, dest []F, states1 []int32, m1 []F, partials2, m2 []F, start, end int) {
	sp := l.PaddedStates
	ts := l.TransStates
	n := l.States
	for c := 0; c < l.Categories; c++ {
		pb := c * l.PartialsStride()
		mb := c * l.MatrixStride()
		for p := start; p < end; p++ {
			s1 := int(states1[p])
			row2 := partials2[pb+p*sp : pb+p*sp+n]
			drow := dest[pb+p*sp : pb+p*sp+sp]
			for s := 0; s < n; s++ {
				mrow2 := m2[mb+s*ts : mb+s*ts+n]
				var sum F
				k := 0
				for ; k+3 < n; k += 4 {
					sum += mrow2[k]*row2[k] + mrow2[k+1]*row2[k+1] +
						mrow2[k+2]*row2[k+2] + mrow2[k+3]*row2[k+3]
				}
				for ; k < n; k++ {
					sum += mrow2[k] * row2[k]
				}
				drow[s] = m1[mb+s*ts+s1] * sum
			}
			for s := n; s < sp; s++ {
				drow[s] = 0
			}
		}
	}
}

// PartialsPartials peels two partials children: per destination state, the
// product of two matrix-vector inner products.
func PartialsPartials[F constraints.Float](l Layout, dest, partials1, m1, partials2, m2 []F, start, end int) {
	sp := l.PaddedStates
	ts := l.TransStates
	n := l.States
	for c := 0; c < l.Categories; c++ {
		pb := c * l.PartialsStride()
		mb := c * l.MatrixStride()
		for p := start; p < end; p++ {
			row1 := partials1[pb+p*sp : pb+p*sp+n]
			row2 := partials2[pb+p*sp : pb+p*sp+n]
			drow := dest[pb+p*sp : pb+p*sp+sp]
			for s := 0; s < n; s++ {
				mrow1 := m1[mb+s*ts : mb+s*ts+n]
				mrow2 := m2[mb+s*ts : mb+s*ts+n]
				var sum1, sum2 F
				k := 0
				for ; k+3 < n; k += 4 {
					sum1 += mrow1[k]*row1[k] + mrow1[k+1]*row1[k+1] +
						mrow1[k+2]*row1[k+2] + mrow1[k+3]*row1[k+3]
					sum2 += mrow2[k]*row2[k] + mrow2[k+1]*row2[k+1] +
						mrow2[k+2]*row2[k+2] + mrow2[k+3]*row2[k+3]
				}
				for ; k < n; k++ {
					sum1 += mrow1[k] * row1[k]
					sum2 += mrow2[k] * row2[k]
				}
				drow[s] = sum1 * sum2
			}
			for s := n; s < sp; s++ {
				drow[s] = 0
			}
		}
	}
}

// StatesStatesFixed is StatesStates followed by division with precomputed
// per-pattern scale factors. With logSpace set the stored factors are logs.
func StatesStatesFixed[F constraints.Float](l Layout, dest []F, states1 []int32, m1 []F, states2 []int32, m2 []F, scaleFactors []F, logSpace bool, start, end int) {
	StatesStates(l, dest, states1, m1, states2, m2, start, end)
	divideByScale(l, dest, scaleFactors, logSpace, start, end)
}

// StatesPartialsFixed is StatesPartials with fixed scaling applied.
func StatesPartialsFixed[F constraints.Float](l Layout, dest []F, states1 []int32, m1 []F, partials2, m2 []F, scaleFactors []F, logSpace bool, start, end int) {
	StatesPartials(l, dest, states1, m1, partials2, m2, start, end)
	divideByScale(l, dest, scaleFactors, logSpace, start, end)
}

// PartialsPartialsFixed is PartialsPartials with fixed scaling applied.
func PartialsPartialsFixed[F constraints.Float](l Layout, dest, partials1, m1, partials2, m2 []F, scaleFactors []F, logSpace bool, start, end int) {
	PartialsPartials(l, dest, partials1, m1, partials2, m2, start, end)
	divideByScale(l, dest, scaleFactors, logSpace, start, end)
}
