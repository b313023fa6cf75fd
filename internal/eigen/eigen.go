// Package eigen stores eigendecompositions of substitution rate matrices and
// reconstitutes transition probability matrices P(t) = V diag(exp(lambda t)) V^-1
// for arbitrary edge lengths, together with first and second derivatives in t.
package eigen

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// Store holds one decomposition per eigen index. Decomposition data is kept
// in double precision; reconstituted matrices are written out in the working
// precision F. Scratch space is allocated once at construction, so
// reconstitution never allocates.
type Store[F constraints.Float] struct {
	states      int
	transStates int
	categories  int
	complexEig  bool

	decomps []*decomposition

	// scratch, reused across calls; all calls arrive on the client thread
	tmp  []float64
	diag []float64
}

type decomposition struct {
	v, vinv []float64 // states x states, row-major
	real    []float64 // eigenvalue real parts
	imag    []float64 // imaginary parts, nil for a real decomposition
}

// NewStore creates storage for count decompositions of the given shape.
// transStates is the padded matrix row width; the padding column of a
// probability matrix is written as 1.0 (the ambiguity identity) and as 0.0
// for derivative matrices.
func NewStore[F constraints.Float](states, transStates, categories, count int, complexEigenvalues bool) *Store[F] {
	return &Store[F]{
		states:      states,
		transStates: transStates,
		categories:  categories,
		complexEig:  complexEigenvalues,
		decomps:     make([]*decomposition, count),
		tmp:         make([]float64, states*states),
		diag:        make([]float64, 2*states),
	}
}

// Count returns the number of decomposition slots.
func (st *Store[F]) Count() int { return len(st.decomps) }

// Has reports whether slot idx has been set.
func (st *Store[F]) Has(idx int) bool {
	return idx >= 0 && idx < len(st.decomps) && st.decomps[idx] != nil
}

// Set installs a decomposition. v and vinv are states*states row-major.
// values carries the eigenvalues: states entries for a real system, or
// 2*states entries (real parts then imaginary parts) when the store was
// created for complex eigenvalues.
func (st *Store[F]) Set(idx int, v, vinv, values []float64) error {
	n := st.states
	if len(v) < n*n || len(vinv) < n*n {
		return fmt.Errorf("eigenvector matrices need %d entries", n*n)
	}
	want := n
	if st.complexEig {
		want = 2 * n
	}
	if len(values) < want {
		return fmt.Errorf("eigenvalues length %d, want %d", len(values), want)
	}
	d := &decomposition{
		v:    append([]float64(nil), v[:n*n]...),
		vinv: append([]float64(nil), vinv[:n*n]...),
		real: append([]float64(nil), values[:n]...),
	}
	if st.complexEig {
		d.imag = append([]float64(nil), values[n:2*n]...)
	}
	st.decomps[idx] = d
	return nil
}

// Reconstitute writes P(t) for each category rate into out, and the first and
// second derivatives with respect to t into out1 and out2 when non-nil. Each
// output is categories*states*transStates long.
func (st *Store[F]) Reconstitute(idx int, rates []float64, t float64, out, out1, out2 []F) error {
	d := st.decomps[idx]
	if d == nil {
		return fmt.Errorf("eigen decomposition %d has not been set", idx)
	}
	n := st.states
	stride := n * st.transStates
	for c := 0; c < st.categories; c++ {
		r := rates[c]
		dist := r * t
		st.expand(d, r, dist, 0)
		st.writeMatrix(d, out[c*stride:(c+1)*stride], 1)
		if out1 != nil {
			st.expand(d, r, dist, 1)
			st.writeMatrix(d, out1[c*stride:(c+1)*stride], 0)
		}
		if out2 != nil {
			st.expand(d, r, dist, 2)
			st.writeMatrix(d, out2[c*stride:(c+1)*stride], 0)
		}
	}
	return nil
}

// expand fills st.tmp with diag-exp(lambda dist) * Vinv, differentiated
// deriv times with respect to the edge length (each derivative multiplies by
// r*lambda). Complex conjugate pairs are handled by 2x2 block rotation.
func (st *Store[F]) expand(d *decomposition, r, dist float64, deriv int) {
	n := st.states
	if d.imag == nil {
		for k := 0; k < n; k++ {
			e := math.Exp(d.real[k] * dist)
			for j := 0; j < deriv; j++ {
				e *= r * d.real[k]
			}
			row := st.tmp[k*n : (k+1)*n]
			src := d.vinv[k*n : (k+1)*n]
			for j := range row {
				row[j] = e * src[j]
			}
		}
		return
	}
	for k := 0; k < n; k++ {
		if d.imag[k] == 0 {
			e := math.Exp(d.real[k] * dist)
			for j := 0; j < deriv; j++ {
				e *= r * d.real[k]
			}
			row := st.tmp[k*n : (k+1)*n]
			src := d.vinv[k*n : (k+1)*n]
			for j := range row {
				row[j] = e * src[j]
			}
			continue
		}
		// conjugate pair at (k, k+1): exp of a+bi, rotated into the
		// real pair basis of V
		a, b := d.real[k], d.imag[k]
		ea := math.Exp(a * dist)
		cc := ea * math.Cos(b*dist)
		ss := ea * math.Sin(b*dist)
		for j := 0; j < deriv; j++ {
			cc, ss = r*(a*cc-b*ss), r*(a*ss+b*cc)
		}
		rowK := st.tmp[k*n : (k+1)*n]
		rowK1 := st.tmp[(k+1)*n : (k+2)*n]
		srcK := d.vinv[k*n : (k+1)*n]
		srcK1 := d.vinv[(k+1)*n : (k+2)*n]
		for j := 0; j < n; j++ {
			rowK[j] = cc*srcK[j] + ss*srcK1[j]
			rowK1[j] = cc*srcK1[j] - ss*srcK[j]
		}
		k++
	}
}

// writeMatrix computes V * tmp into dst, one padded row per state, with the
// padding columns set to pad.
func (st *Store[F]) writeMatrix(d *decomposition, dst []F, pad float64) {
	n := st.states
	ts := st.transStates
	for i := 0; i < n; i++ {
		vrow := d.v[i*n : (i+1)*n]
		drow := dst[i*ts : (i+1)*ts]
		for j := 0; j < n; j++ {
			var sum float64
			for k := 0; k < n; k++ {
				sum += vrow[k] * st.tmp[k*n+j]
			}
			drow[j] = F(sum)
		}
		for j := n; j < ts; j++ {
			drow[j] = F(pad)
		}
	}
}

// Convolve computes dst = a * b category-wise over the unpadded states,
// writing 1.0 into padding columns. Used for epoch models where an edge
// crosses a rate-regime boundary.
func Convolve[F constraints.Float](states, transStates, categories int, a, b, dst []F) {
	stride := states * transStates
	for c := 0; c < categories; c++ {
		am := a[c*stride : (c+1)*stride]
		bm := b[c*stride : (c+1)*stride]
		dm := dst[c*stride : (c+1)*stride]
		for i := 0; i < states; i++ {
			arow := am[i*transStates : i*transStates+states]
			drow := dm[i*transStates : (i+1)*transStates]
			for j := 0; j < states; j++ {
				var sum F
				for k := 0; k < states; k++ {
					sum += arow[k] * bm[k*transStates+j]
				}
				drow[j] = sum
			}
			for j := states; j < transStates; j++ {
				drow[j] = 1
			}
		}
	}
}
