package kernels

import (
	"math"

	"golang.org/x/exp/constraints"
)

// AutoScaleThreshold is the base-2 exponent above which auto-scaling
// extracts a power of two from a freshly peeled pattern. Partials for a
// pattern stay well inside the representable range as long as every node
// contributes less than this many doublings.
const AutoScaleThreshold = 200

// divideByScale divides every destination entry in the pattern range by the
// per-pattern factor, uniform across categories and states.
func divideByScale[F constraints.Float](l Layout, dest []F, scaleFactors []F, logSpace bool, start, end int) {
	sp := l.PaddedStates
	for p := start; p < end; p++ {
		f := scaleFactors[p]
		if logSpace {
			f = F(math.Exp(float64(f)))
		}
		if f == 0 || f == 1 {
			continue
		}
		inv := 1 / f
		for c := 0; c < l.Categories; c++ {
			row := dest[c*l.PartialsStride()+p*sp : c*l.PartialsStride()+p*sp+l.States]
			for s := range row {
				row[s] *= inv
			}
		}
	}
}

// Rescale implements manual dynamic scaling: for each pattern it finds the
// maximum partial across categories and states, divides the pattern through
// by it, and records the factor in scaleFactors (its log when logSpace is
// set). When cumulative is non-nil the log factor is also added there, which
// is the per-op shortcut for building the cumulative buffer during peeling.
// A pattern whose maximum is zero records a factor of one and is left alone.
func Rescale[F constraints.Float](l Layout, dest, scaleFactors, cumulative []F, logSpace bool, start, end int) {
	sp := l.PaddedStates
	for p := start; p < end; p++ {
		var max F
		for c := 0; c < l.Categories; c++ {
			row := dest[c*l.PartialsStride()+p*sp : c*l.PartialsStride()+p*sp+l.States]
			for _, v := range row {
				if v > max {
					max = v
				}
			}
		}
		if max == 0 {
			max = 1
		}
		logMax := F(math.Log(float64(max)))
		if logSpace {
			scaleFactors[p] = logMax
		} else {
			scaleFactors[p] = max
		}
		if cumulative != nil {
			cumulative[p] += logMax
		}
		if max == 1 {
			continue
		}
		inv := 1 / max
		for c := 0; c < l.Categories; c++ {
			row := dest[c*l.PartialsStride()+p*sp : c*l.PartialsStride()+p*sp+l.States]
			for s := range row {
				row[s] *= inv
			}
		}
	}
}

// AutoRescale scans a freshly written destination buffer and, for any pattern
// whose magnitude has drifted past 2^AutoScaleThreshold (or below its
// negative), extracts the base-2 exponent of the pattern maximum into the
// int16 exponent buffer and normalises the pattern by it. Returns true if any
// pattern was rescaled, which tells the scheduler to flag the buffer active.
func AutoRescale[F constraints.Float](l Layout, dest []F, exponents []int16, start, end int) bool {
	sp := l.PaddedStates
	activated := false
	for p := start; p < end; p++ {
		var max F
		for c := 0; c < l.Categories; c++ {
			row := dest[c*l.PartialsStride()+p*sp : c*l.PartialsStride()+p*sp+l.States]
			for _, v := range row {
				if v > max {
					max = v
				}
			}
		}
		exponents[p] = 0
		if max == 0 {
			continue
		}
		_, exp := math.Frexp(float64(max))
		if exp <= AutoScaleThreshold && exp >= -AutoScaleThreshold {
			continue
		}
		exponents[p] = int16(exp)
		scale := F(math.Ldexp(1, -exp))
		for c := 0; c < l.Categories; c++ {
			row := dest[c*l.PartialsStride()+p*sp : c*l.PartialsStride()+p*sp+l.States]
			for s := range row {
				row[s] *= scale
			}
		}
		activated = true
	}
	return activated
}
