// Package buffers owns all numeric storage for a likelihood instance:
// partial-likelihood buffers, compact tip states, transition matrices, scale
// buffers, category weights and rates, state frequencies and pattern weights.
//
// Everything is allocated once at construction from the instance dimensions;
// nothing on the hot path allocates. Buffers are flat slices addressed by
// stride arithmetic, aligned for vector loads.
package buffers

import (
	"fmt"
	"math"

	"golang.org/x/exp/constraints"
)

// Dims fixes the shape of every buffer in a pool. All counts are set at
// instance creation and never change.
type Dims struct {
	States         int // S: character states (4 nucleotides, 20 amino acids, ...)
	Patterns       int // P: site patterns in the data
	PaddedPatterns int // P': patterns rounded up to a vector-friendly modulus
	Categories     int // C: rate categories / mixture components

	Buffers int // B: partial buffers, tips first
	Tips    int // T: tip count; slots 0..T-1 carry tip data

	Matrices     int // M: transition matrix buffers
	Eigens       int // E: eigen decompositions (also weights/frequencies/rates slots)
	ScaleBuffers int // K: scale buffers

	PartialsPad int // extra state columns per partials row
	TransPad    int // extra matrix columns; column S serves the ambiguous state
}

// PaddedStates is the row width of a partials buffer.
func (d Dims) PaddedStates() int { return d.States + d.PartialsPad }

// TransStates is the row width of a transition matrix.
func (d Dims) TransStates() int { return d.States + d.TransPad }

// PartialsLen is the flat length of one partials buffer.
func (d Dims) PartialsLen() int { return d.Categories * d.PaddedPatterns * d.PaddedStates() }

// MatrixLen is the flat length of one transition-matrix buffer.
func (d Dims) MatrixLen() int { return d.Categories * d.States * d.TransStates() }

// Pool holds the storage for one instance. The type parameter selects the
// working precision; inputs and outputs cross the API boundary as float64.
type Pool[F constraints.Float] struct {
	Dims

	partials   [][]F
	tipStates  [][]int32
	matrices   [][]F
	scales     [][]F
	autoScales [][]int16

	weights       [][]F
	freqs         [][]F
	categoryRates [][]float64

	patternWeights []F
}

// New allocates a pool for the given dimensions. Internal partials buffers
// (slots >= Tips) and all matrix and scale storage are allocated eagerly; tip
// slots stay nil until the client provides states or partials for them, so a
// tip is never both compact and expanded. When autoScaling is set an int16
// exponent buffer is carried per partials buffer.
func New[F constraints.Float](d Dims, autoScaling bool) *Pool[F] {
	p := &Pool[F]{
		Dims:           d,
		partials:       make([][]F, d.Buffers),
		tipStates:      make([][]int32, d.Tips),
		matrices:       make([][]F, d.Matrices),
		scales:         make([][]F, d.ScaleBuffers),
		weights:        make([][]F, d.Eigens),
		freqs:          make([][]F, d.Eigens),
		categoryRates:  make([][]float64, d.Eigens),
		patternWeights: alignedSlice[F](d.PaddedPatterns),
	}
	for i := d.Tips; i < d.Buffers; i++ {
		p.partials[i] = alignedSlice[F](d.PartialsLen())
	}
	for i := range p.matrices {
		p.matrices[i] = alignedSlice[F](d.MatrixLen())
	}
	for i := range p.scales {
		p.scales[i] = alignedSlice[F](d.PaddedPatterns)
	}
	if autoScaling {
		p.autoScales = make([][]int16, d.Buffers)
		for i := range p.autoScales {
			p.autoScales[i] = make([]int16, d.PaddedPatterns)
		}
	}
	return p
}

// Partials returns the buffer at index i, or nil for a tip slot with no
// partials installed; internal slots are allocated at construction. Callers
// must range-check i.
func (p *Pool[F]) Partials(i int) []F { return p.partials[i] }

// EnsureTipPartials allocates the partials slot for a tip on first use.
func (p *Pool[F]) EnsureTipPartials(tip int) []F {
	if p.partials[tip] == nil {
		p.partials[tip] = alignedSlice[F](p.PartialsLen())
	}
	return p.partials[tip]
}

// TipStates returns the compact state buffer for a tip, or nil.
func (p *Pool[F]) TipStates(tip int) []int32 {
	if tip >= len(p.tipStates) {
		return nil
	}
	return p.tipStates[tip]
}

// Matrix returns the transition-matrix buffer at index i.
func (p *Pool[F]) Matrix(i int) []F { return p.matrices[i] }

// Scale returns the scale buffer at index i.
func (p *Pool[F]) Scale(i int) []F { return p.scales[i] }

// AutoScale returns the exponent buffer for partials buffer i. Only non-nil
// when the pool was built with auto-scaling.
func (p *Pool[F]) AutoScale(i int) []int16 {
	if p.autoScales == nil {
		return nil
	}
	return p.autoScales[i]
}

// Weights returns the category-weight buffer at index i, or nil if unset.
func (p *Pool[F]) Weights(i int) []F { return p.weights[i] }

// Frequencies returns the state-frequency buffer at index i, or nil if unset.
func (p *Pool[F]) Frequencies(i int) []F { return p.freqs[i] }

// CategoryRates returns the rate buffer at index i, or nil if unset.
// Rates are kept in double precision until multiplied by an edge length.
func (p *Pool[F]) CategoryRates(i int) []float64 { return p.categoryRates[i] }

// PatternWeights returns the padded pattern-weight buffer. Padding slots
// are zero and stay zero.
func (p *Pool[F]) PatternWeights() []F { return p.patternWeights }

// SetTipStates installs compact states for a tip. States means
// ambiguous/missing; values outside [0, States] are stored as States. Padded
// patterns are set to the ambiguous state so they stay finite and inert.
func (p *Pool[F]) SetTipStates(tip int, states []int) error {
	if len(states) < p.Patterns {
		return fmt.Errorf("tip states length %d, want %d", len(states), p.Patterns)
	}
	buf := make([]int32, p.PaddedPatterns)
	for i := 0; i < p.Patterns; i++ {
		s := states[i]
		if s < 0 || s > p.States {
			s = p.States
		}
		buf[i] = int32(s)
	}
	for i := p.Patterns; i < p.PaddedPatterns; i++ {
		buf[i] = int32(p.States)
	}
	p.tipStates[tip] = buf
	p.partials[tip] = nil
	return nil
}

// SetTipPartials expands pattern-major tip partials (Patterns x States) into
// the internal (category, pattern, state) layout, replicated across
// categories. Padded patterns are filled with ones.
func (p *Pool[F]) SetTipPartials(tip int, in []float64) error {
	if len(in) < p.Patterns*p.States {
		return fmt.Errorf("tip partials length %d, want %d", len(in), p.Patterns*p.States)
	}
	dst := p.EnsureTipPartials(tip)
	p.tipStates[tip] = nil
	sp := p.PaddedStates()
	for c := 0; c < p.Categories; c++ {
		base := c * p.PaddedPatterns * sp
		for pat := 0; pat < p.Patterns; pat++ {
			row := dst[base+pat*sp : base+pat*sp+sp]
			src := in[pat*p.States : (pat+1)*p.States]
			for s := 0; s < p.States; s++ {
				row[s] = F(src[s])
			}
			for s := p.States; s < sp; s++ {
				row[s] = 0
			}
		}
		for pat := p.Patterns; pat < p.PaddedPatterns; pat++ {
			row := dst[base+pat*sp : base+pat*sp+sp]
			for s := range row {
				row[s] = 1
			}
		}
	}
	return nil
}

// SetPartials installs a full partials buffer from category-major input of
// length Categories*Patterns*States.
func (p *Pool[F]) SetPartials(idx int, in []float64) error {
	if len(in) < p.Categories*p.Patterns*p.States {
		return fmt.Errorf("partials length %d, want %d", len(in), p.Categories*p.Patterns*p.States)
	}
	var dst []F
	if idx < p.Tips {
		dst = p.EnsureTipPartials(idx)
		p.tipStates[idx] = nil
	} else {
		dst = p.partials[idx]
	}
	sp := p.PaddedStates()
	k := 0
	for c := 0; c < p.Categories; c++ {
		base := c * p.PaddedPatterns * sp
		for pat := 0; pat < p.Patterns; pat++ {
			row := dst[base+pat*sp : base+pat*sp+sp]
			for s := 0; s < p.States; s++ {
				row[s] = F(in[k])
				k++
			}
		}
		for pat := p.Patterns; pat < p.PaddedPatterns; pat++ {
			row := dst[base+pat*sp : base+pat*sp+sp]
			for s := range row {
				row[s] = 1
			}
		}
	}
	return nil
}

// GetPartials copies a partials buffer out in category-major unpadded order.
// If unscale is non-nil it holds per-pattern log scale factors that are
// multiplied back in, undoing rescaling applied during peeling.
func (p *Pool[F]) GetPartials(idx int, unscale []float64, out []float64) error {
	src := p.partials[idx]
	if src == nil {
		return fmt.Errorf("partials buffer %d has not been written", idx)
	}
	if len(out) < p.Categories*p.Patterns*p.States {
		return fmt.Errorf("output length %d, want %d", len(out), p.Categories*p.Patterns*p.States)
	}
	sp := p.PaddedStates()
	k := 0
	for c := 0; c < p.Categories; c++ {
		base := c * p.PaddedPatterns * sp
		for pat := 0; pat < p.Patterns; pat++ {
			row := src[base+pat*sp:]
			scale := 1.0
			if unscale != nil {
				scale = math.Exp(unscale[pat])
			}
			for s := 0; s < p.States; s++ {
				out[k] = float64(row[s]) * scale
				k++
			}
		}
	}
	return nil
}

// SetTransitionMatrix copies a category-major matrix of Categories*States*States
// entries, filling the padding columns with paddedValue. The padding column at
// state index States serves ambiguous tip states; 1.0 makes an ambiguous
// observation contribute the identity.
func (p *Pool[F]) SetTransitionMatrix(idx int, in []float64, paddedValue float64) error {
	if len(in) < p.Categories*p.States*p.States {
		return fmt.Errorf("matrix length %d, want %d", len(in), p.Categories*p.States*p.States)
	}
	dst := p.matrices[idx]
	ts := p.TransStates()
	k := 0
	di := 0
	for c := 0; c < p.Categories; c++ {
		for row := 0; row < p.States; row++ {
			for col := 0; col < p.States; col++ {
				dst[di] = F(in[k])
				di++
				k++
			}
			for col := p.States; col < ts; col++ {
				dst[di] = F(paddedValue)
				di++
			}
		}
	}
	return nil
}

// GetTransitionMatrix copies a matrix buffer out with padding columns
// stripped.
func (p *Pool[F]) GetTransitionMatrix(idx int, out []float64) error {
	if len(out) < p.Categories*p.States*p.States {
		return fmt.Errorf("output length %d, want %d", len(out), p.Categories*p.States*p.States)
	}
	src := p.matrices[idx]
	ts := p.TransStates()
	k := 0
	for c := 0; c < p.Categories; c++ {
		for row := 0; row < p.States; row++ {
			base := (c*p.States + row) * ts
			for col := 0; col < p.States; col++ {
				out[k] = float64(src[base+col])
				k++
			}
		}
	}
	return nil
}

// SetCategoryWeights installs category weights at slot idx.
func (p *Pool[F]) SetCategoryWeights(idx int, w []float64) error {
	if len(w) < p.Categories {
		return fmt.Errorf("category weights length %d, want %d", len(w), p.Categories)
	}
	buf := alignedSlice[F](p.Categories)
	for i := range buf {
		buf[i] = F(w[i])
	}
	p.weights[idx] = buf
	return nil
}

// SetStateFrequencies installs state frequencies at slot idx.
func (p *Pool[F]) SetStateFrequencies(idx int, f []float64) error {
	if len(f) < p.States {
		return fmt.Errorf("state frequencies length %d, want %d", len(f), p.States)
	}
	buf := alignedSlice[F](p.States)
	for i := range buf {
		buf[i] = F(f[i])
	}
	p.freqs[idx] = buf
	return nil
}

// SetCategoryRates installs category rates at slot idx.
func (p *Pool[F]) SetCategoryRates(idx int, rates []float64) error {
	if len(rates) < p.Categories {
		return fmt.Errorf("category rates length %d, want %d", len(rates), p.Categories)
	}
	buf := make([]float64, p.Categories)
	copy(buf, rates[:p.Categories])
	p.categoryRates[idx] = buf
	return nil
}

// SetPatternWeights installs pattern weights; padding slots remain zero.
func (p *Pool[F]) SetPatternWeights(w []float64) error {
	if len(w) < p.Patterns {
		return fmt.Errorf("pattern weights length %d, want %d", len(w), p.Patterns)
	}
	for i := 0; i < p.Patterns; i++ {
		p.patternWeights[i] = F(w[i])
	}
	for i := p.Patterns; i < p.PaddedPatterns; i++ {
		p.patternWeights[i] = 0
	}
	return nil
}
