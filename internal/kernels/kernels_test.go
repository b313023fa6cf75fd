package kernels

import (
	"math"
	"math/rand"
	"testing"
)

func testLayout() Layout {
	return Layout{
		States:         4,
		PaddedStates:   4,
		TransStates:    5,
		Categories:     2,
		PaddedPatterns: 8,
	}
}

func randomPartials(rng *rand.Rand, l Layout) []float64 {
	buf := make([]float64, l.Categories*l.PartialsStride())
	for i := range buf {
		buf[i] = rng.Float64()
	}
	return buf
}

func randomMatrix(rng *rand.Rand, l Layout) []float64 {
	buf := make([]float64, l.Categories*l.MatrixStride())
	for i := range buf {
		buf[i] = rng.Float64()
	}
	return buf
}

func randomStates(rng *rand.Rand, l Layout) []int32 {
	buf := make([]int32, l.PaddedPatterns)
	for i := range buf {
		buf[i] = int32(rng.Intn(l.States))
	}
	return buf
}

// naivePeel is the obvious triple loop: for every category, pattern and
// destination state, the product over both children of the matrix row dotted
// with the child vector. A compact child contributes a single matrix column.
func naivePeel(l Layout, states1 []int32, partials1, m1 []float64, states2 []int32, partials2, m2 []float64) []float64 {
	dest := make([]float64, l.Categories*l.PartialsStride())
	child := func(states []int32, partials, m []float64, c, p, s int) float64 {
		mb := c*l.MatrixStride() + s*l.TransStates
		if states != nil {
			return m[mb+int(states[p])]
		}
		var sum float64
		for k := 0; k < l.States; k++ {
			sum += m[mb+k] * partials[c*l.PartialsStride()+p*l.PaddedStates+k]
		}
		return sum
	}
	for c := 0; c < l.Categories; c++ {
		for p := 0; p < l.PaddedPatterns; p++ {
			for s := 0; s < l.States; s++ {
				dest[c*l.PartialsStride()+p*l.PaddedStates+s] =
					child(states1, partials1, m1, c, p, s) * child(states2, partials2, m2, c, p, s)
			}
		}
	}
	return dest
}

func assertClose(t *testing.T, got, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length %d, want %d", len(got), len(want))
	}
	for i := range got {
		if math.Abs(got[i]-want[i]) > tol {
			t.Fatalf("entry %d = %g, want %g", i, got[i], want[i])
		}
	}
}

func TestStatesStatesMatchesNaive(t *testing.T) {
	t.Parallel()

	l := testLayout()
	rng := rand.New(rand.NewSource(1))
	s1 := randomStates(rng, l)
	s2 := randomStates(rng, l)
	m1 := randomMatrix(rng, l)
	m2 := randomMatrix(rng, l)

	dest := make([]float64, l.Categories*l.PartialsStride())
	StatesStates(l, dest, s1, m1, s2, m2, 0, l.PaddedPatterns)
	assertClose(t, dest, naivePeel(l, s1, nil, m1, s2, nil, m2), 1e-15)
}

func TestStatesPartialsMatchesNaive(t *testing.T) {
	t.Parallel()

	l := testLayout()
	rng := rand.New(rand.NewSource(2))
	s1 := randomStates(rng, l)
	p2 := randomPartials(rng, l)
	m1 := randomMatrix(rng, l)
	m2 := randomMatrix(rng, l)

	dest := make([]float64, l.Categories*l.PartialsStride())
	StatesPartials(l, dest, s1, m1, p2, m2, 0, l.PaddedPatterns)
	assertClose(t, dest, naivePeel(l, s1, nil, m1, nil, p2, m2), 1e-13)
}

func TestPartialsPartialsMatchesNaive(t *testing.T) {
	t.Parallel()

	l := testLayout()
	rng := rand.New(rand.NewSource(3))
	p1 := randomPartials(rng, l)
	p2 := randomPartials(rng, l)
	m1 := randomMatrix(rng, l)
	m2 := randomMatrix(rng, l)

	dest := make([]float64, l.Categories*l.PartialsStride())
	PartialsPartials(l, dest, p1, m1, p2, m2, 0, l.PaddedPatterns)
	assertClose(t, dest, naivePeel(l, nil, p1, m1, nil, p2, m2), 1e-13)
}

func TestKernelsRespectPatternRange(t *testing.T) {
	t.Parallel()

	l := testLayout()
	rng := rand.New(rand.NewSource(4))
	p1 := randomPartials(rng, l)
	p2 := randomPartials(rng, l)
	m1 := randomMatrix(rng, l)
	m2 := randomMatrix(rng, l)

	sentinel := -7.0
	dest := make([]float64, l.Categories*l.PartialsStride())
	for i := range dest {
		dest[i] = sentinel
	}
	PartialsPartials(l, dest, p1, m1, p2, m2, 2, 5)

	want := naivePeel(l, nil, p1, m1, nil, p2, m2)
	for c := 0; c < l.Categories; c++ {
		for p := 0; p < l.PaddedPatterns; p++ {
			for s := 0; s < l.PaddedStates; s++ {
				k := c*l.PartialsStride() + p*l.PaddedStates + s
				if p >= 2 && p < 5 {
					if math.Abs(dest[k]-want[k]) > 1e-13 {
						t.Fatalf("in-range entry %d = %g, want %g", k, dest[k], want[k])
					}
				} else if dest[k] != sentinel {
					t.Fatalf("out-of-range pattern %d touched", p)
				}
			}
		}
	}
}

func TestAmbiguousStateUsesPaddingColumn(t *testing.T) {
	t.Parallel()

	l := testLayout()
	rng := rand.New(rand.NewSource(5))
	m1 := randomMatrix(rng, l)
	m2 := randomMatrix(rng, l)
	// Padding column holds 1.0 as a probability matrix would.
	for c := 0; c < l.Categories; c++ {
		for s := 0; s < l.States; s++ {
			m1[c*l.MatrixStride()+s*l.TransStates+l.States] = 1
			m2[c*l.MatrixStride()+s*l.TransStates+l.States] = 1
		}
	}

	s1 := randomStates(rng, l)
	s2 := make([]int32, l.PaddedPatterns)
	for i := range s2 {
		s2[i] = int32(l.States) // every pattern ambiguous
	}
	dest := make([]float64, l.Categories*l.PartialsStride())
	StatesStates(l, dest, s1, m1, s2, m2, 0, l.PaddedPatterns)

	for c := 0; c < l.Categories; c++ {
		for p := 0; p < l.PaddedPatterns; p++ {
			for s := 0; s < l.States; s++ {
				want := m1[c*l.MatrixStride()+s*l.TransStates+int(s1[p])]
				got := dest[c*l.PartialsStride()+p*l.PaddedStates+s]
				if math.Abs(got-want) > 1e-15 {
					t.Fatalf("ambiguous child changed the likelihood: got %g, want %g", got, want)
				}
			}
		}
	}
}

func TestFixedScalingDivides(t *testing.T) {
	t.Parallel()

	l := testLayout()
	rng := rand.New(rand.NewSource(6))
	p1 := randomPartials(rng, l)
	p2 := randomPartials(rng, l)
	m1 := randomMatrix(rng, l)
	m2 := randomMatrix(rng, l)

	factors := make([]float64, l.PaddedPatterns)
	for i := range factors {
		factors[i] = 0.5 + rng.Float64()
	}

	plain := make([]float64, l.Categories*l.PartialsStride())
	PartialsPartials(l, plain, p1, m1, p2, m2, 0, l.PaddedPatterns)

	raw := make([]float64, l.Categories*l.PartialsStride())
	PartialsPartialsFixed(l, raw, p1, m1, p2, m2, factors, false, 0, l.PaddedPatterns)

	logFactors := make([]float64, l.PaddedPatterns)
	for i := range logFactors {
		logFactors[i] = math.Log(factors[i])
	}
	logged := make([]float64, l.Categories*l.PartialsStride())
	PartialsPartialsFixed(l, logged, p1, m1, p2, m2, logFactors, true, 0, l.PaddedPatterns)

	for c := 0; c < l.Categories; c++ {
		for p := 0; p < l.PaddedPatterns; p++ {
			for s := 0; s < l.States; s++ {
				k := c*l.PartialsStride() + p*l.PaddedStates + s
				want := plain[k] / factors[p]
				if math.Abs(raw[k]-want) > 1e-13 {
					t.Fatalf("raw fixed scaling entry %d = %g, want %g", k, raw[k], want)
				}
				if math.Abs(logged[k]-want) > 1e-12 {
					t.Fatalf("log fixed scaling entry %d = %g, want %g", k, logged[k], want)
				}
			}
		}
	}
}

func TestRescaleNormalisesAndAccumulates(t *testing.T) {
	t.Parallel()

	l := testLayout()
	rng := rand.New(rand.NewSource(7))
	dest := randomPartials(rng, l)
	for i := range dest {
		dest[i] *= 1e-30
	}
	orig := append([]float64(nil), dest...)

	factors := make([]float64, l.PaddedPatterns)
	cumulative := make([]float64, l.PaddedPatterns)
	for i := range cumulative {
		cumulative[i] = 1.5 // pre-existing accumulation must survive
	}
	Rescale(l, dest, factors, cumulative, false, 0, l.PaddedPatterns)

	for p := 0; p < l.PaddedPatterns; p++ {
		var max float64
		for c := 0; c < l.Categories; c++ {
			for s := 0; s < l.States; s++ {
				v := dest[c*l.PartialsStride()+p*l.PaddedStates+s]
				if v > max {
					max = v
				}
				want := orig[c*l.PartialsStride()+p*l.PaddedStates+s] / factors[p]
				if math.Abs(v-want) > 1e-13*want {
					t.Fatalf("pattern %d not divided by its factor", p)
				}
			}
		}
		if math.Abs(max-1) > 1e-12 {
			t.Fatalf("pattern %d max = %g after rescale, want 1", p, max)
		}
		if math.Abs(cumulative[p]-(1.5+math.Log(factors[p]))) > 1e-12 {
			t.Fatalf("pattern %d cumulative = %g, want %g", p, cumulative[p], 1.5+math.Log(factors[p]))
		}
	}
}

func TestRescaleLogSpaceStoresLogs(t *testing.T) {
	t.Parallel()

	l := testLayout()
	rng := rand.New(rand.NewSource(8))
	dest := randomPartials(rng, l)
	linear := append([]float64(nil), dest...)

	logFactors := make([]float64, l.PaddedPatterns)
	Rescale(l, dest, logFactors, nil, true, 0, l.PaddedPatterns)

	rawFactors := make([]float64, l.PaddedPatterns)
	Rescale(l, linear, rawFactors, nil, false, 0, l.PaddedPatterns)

	for p := range rawFactors {
		if math.Abs(logFactors[p]-math.Log(rawFactors[p])) > 1e-12 {
			t.Fatalf("pattern %d log factor %g, want log(%g)", p, logFactors[p], rawFactors[p])
		}
	}
}

func TestRescaleZeroPatternLeftAlone(t *testing.T) {
	t.Parallel()

	l := testLayout()
	dest := make([]float64, l.Categories*l.PartialsStride())
	factors := make([]float64, l.PaddedPatterns)
	cumulative := make([]float64, l.PaddedPatterns)
	Rescale(l, dest, factors, cumulative, false, 0, l.PaddedPatterns)
	for p := range factors {
		if factors[p] != 1 {
			t.Fatalf("zero pattern %d factor = %g, want 1", p, factors[p])
		}
		if cumulative[p] != 0 {
			t.Fatalf("zero pattern %d accumulated %g", p, cumulative[p])
		}
	}
}

func TestAutoRescale(t *testing.T) {
	t.Parallel()

	l := testLayout()
	rng := rand.New(rand.NewSource(9))
	dest := randomPartials(rng, l)
	// Push pattern 3 past the upper threshold.
	big := math.Ldexp(1, AutoScaleThreshold+12)
	for c := 0; c < l.Categories; c++ {
		for s := 0; s < l.States; s++ {
			dest[c*l.PartialsStride()+3*l.PaddedStates+s] *= big
		}
	}
	orig := append([]float64(nil), dest...)

	exponents := make([]int16, l.PaddedPatterns)
	if !AutoRescale(l, dest, exponents, 0, l.PaddedPatterns) {
		t.Fatal("no pattern activated")
	}
	for p := 0; p < l.PaddedPatterns; p++ {
		if p != 3 {
			if exponents[p] != 0 {
				t.Fatalf("in-range pattern %d got exponent %d", p, exponents[p])
			}
			continue
		}
		if exponents[p] == 0 {
			t.Fatal("oversized pattern kept exponent 0")
		}
		scale := math.Ldexp(1, int(exponents[p]))
		for c := 0; c < l.Categories; c++ {
			for s := 0; s < l.States; s++ {
				k := c*l.PartialsStride() + p*l.PaddedStates + s
				if math.Abs(dest[k]*scale-orig[k]) > 1e-12*orig[k] {
					t.Fatalf("pattern %d entry %d not recoverable from exponent", p, s)
				}
			}
		}
	}

	// A second pass over already-normalised data is a no-op.
	if AutoRescale(l, dest, exponents, 0, l.PaddedPatterns) {
		t.Fatal("normalised data activated again")
	}
	for p := range exponents {
		if exponents[p] != 0 {
			t.Fatalf("second pass left exponent %d at pattern %d", exponents[p], p)
		}
	}
}
