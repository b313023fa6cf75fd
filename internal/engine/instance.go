package engine

import (
	"fmt"
	"runtime"

	"github.com/google/uuid"
	"golang.org/x/exp/constraints"

	"github.com/samcharles93/treelike/internal/buffers"
	"github.com/samcharles93/treelike/internal/eigen"
	"github.com/samcharles93/treelike/internal/kernels"
	"github.com/samcharles93/treelike/internal/logger"
	"github.com/samcharles93/treelike/internal/workerpool"
)

// Fixed thresholds for the threading heuristic. Small pattern counts are not
// worth the fan-out cost; machines with few cores need more patterns per
// worker before threading pays off.
const (
	asyncHWThreadThreshold  = 16
	asyncMinPatternsLow     = 256
	asyncMinPatternsHigh    = 768
	asyncLimitPatternCount  = 262144
	defaultTransitionPad    = 1 // ambiguity column
	defaultPartialsPad      = 0
)

type instance[F constraints.Float] struct {
	cfg  Config
	caps capabilities
	id   uuid.UUID
	log  logger.Logger

	pool   *buffers.Pool[F]
	eig    *eigen.Store[F]
	layout kernels.Layout

	workers          *workerpool.Pool
	requestedThreads int
	threadCount      int

	written     []bool
	activeScale []bool

	partitionCount  int
	partitionOf     []int32
	partitionStarts []int
	newOrder        []int // original pattern index -> stored position; nil if identity

	outstanding []workerpool.Future
	destFutures map[int][]workerpool.Future

	// reduction scratch, sized once
	integrationTmp []float64
	firstDerivTmp  []float64
	secondDerivTmp []float64
	siteTmp        []float64
	siteD1Tmp      []float64
	siteD2Tmp      []float64
	convTmp        []F

	// cached reduction outputs in client pattern order
	siteLogL []float64
	siteD1   []float64
	siteD2   []float64
	sumLogL  float64
	sumD1    float64
	sumD2    float64
	haveRoot bool
	haveEdge bool
}

func newInstance[F constraints.Float](cfg Config, caps capabilities) (*instance[F], error) {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	modulus := buffers.PatternPadModulus()
	dims := buffers.Dims{
		States:         cfg.StateCount,
		Patterns:       cfg.PatternCount,
		PaddedPatterns: buffers.PadPatterns(cfg.PatternCount, modulus),
		Categories:     cfg.CategoryCount,
		Buffers:        cfg.PartialsBuffers + cfg.CompactBuffers,
		Tips:           cfg.TipCount,
		Matrices:       cfg.MatrixCount,
		Eigens:         cfg.EigenCount,
		ScaleBuffers:   cfg.ScaleBufferCount,
		PartialsPad:    defaultPartialsPad,
		TransPad:       defaultTransitionPad,
	}
	in := &instance[F]{
		cfg:  cfg,
		caps: caps,
		id:   uuid.New(),
		log:  cfg.Logger.With("component", "engine"),
		pool: buffers.New[F](dims, caps.scaling == scaleAuto),
		eig: eigen.NewStore[F](cfg.StateCount, dims.TransStates(),
			cfg.CategoryCount, cfg.EigenCount, caps.complexEigen),
		layout: kernels.Layout{
			States:         dims.States,
			PaddedStates:   dims.PaddedStates(),
			TransStates:    dims.TransStates(),
			Categories:     dims.Categories,
			PaddedPatterns: dims.PaddedPatterns,
		},
		written:        make([]bool, dims.Buffers),
		activeScale:    make([]bool, dims.Buffers),
		destFutures:    make(map[int][]workerpool.Future),
		integrationTmp: make([]float64, dims.PaddedPatterns*dims.States),
		firstDerivTmp:  make([]float64, dims.PaddedPatterns*dims.States),
		secondDerivTmp: make([]float64, dims.PaddedPatterns*dims.States),
		siteTmp:        make([]float64, dims.PaddedPatterns),
		siteD1Tmp:      make([]float64, dims.PaddedPatterns),
		siteD2Tmp:      make([]float64, dims.PaddedPatterns),
		convTmp:        make([]F, dims.MatrixLen()),
		siteLogL:       make([]float64, cfg.PatternCount),
		siteD1:         make([]float64, cfg.PatternCount),
		siteD2:         make([]float64, cfg.PatternCount),
	}
	if err := in.SetThreadCount(cfg.Threads); err != nil {
		return nil, err
	}
	in.log.Debug("instance created",
		"id", in.id,
		"states", dims.States,
		"patterns", dims.Patterns,
		"padded_patterns", dims.PaddedPatterns,
		"categories", dims.Categories,
		"buffers", dims.Buffers,
		"threads", in.threadCount,
	)
	return in, nil
}

// SetThreadCount resizes the worker pool. The effective count is subject to
// the pattern-count heuristic; serial execution keeps no pool at all.
func (in *instance[F]) SetThreadCount(n int) error {
	if n < 0 {
		return fmt.Errorf("thread count %d: %w", n, ErrOutOfRange)
	}
	if err := in.Block(); err != nil {
		return err
	}
	in.requestedThreads = n
	effective := in.resolveThreads(n)
	if effective == in.threadCount && (effective <= 1 || in.workers != nil) {
		return nil
	}
	if in.workers != nil {
		in.workers.Close()
		in.workers = nil
	}
	in.threadCount = effective
	if effective > 1 {
		in.workers = workerpool.New(effective)
		in.log.Debug("worker pool started", "requested", n, "effective", effective)
	}
	return nil
}

func (in *instance[F]) resolveThreads(requested int) int {
	if !in.caps.threading || requested <= 1 {
		return 1
	}
	hw := runtime.NumCPU()
	minPatterns := asyncMinPatternsHigh
	if hw >= asyncHWThreadThreshold {
		minPatterns = asyncMinPatternsLow
	}
	if in.pool.Patterns < minPatterns {
		return 1
	}
	n := requested
	if in.pool.Patterns < asyncLimitPatternCount {
		if cap := in.pool.Patterns / minPatterns; n > cap {
			n = cap
		}
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (in *instance[F]) threaded() bool { return in.threadCount > 1 && in.workers != nil }

// Close joins the worker pool. The instance must not be used afterwards.
func (in *instance[F]) Close() error {
	if err := in.Block(); err != nil {
		return err
	}
	if in.workers != nil {
		in.workers.Close()
		in.workers = nil
	}
	return nil
}

func (in *instance[F]) Name() string { return "CPU" }

func (in *instance[F]) Flags() Flags { return in.caps.flags }

func (in *instance[F]) Details() InstanceDetails {
	return InstanceDetails{
		ID:           in.id,
		ResourceName: in.Name(),
		Flags:        in.caps.flags,
		Threads:      in.threadCount,
	}
}

// --- index checks ---

func (in *instance[F]) checkBuffer(i int) error {
	if i < 0 || i >= in.pool.Buffers {
		return fmt.Errorf("partials buffer %d: %w", i, ErrOutOfRange)
	}
	return nil
}

func (in *instance[F]) checkTip(i int) error {
	if i < 0 || i >= in.pool.Tips {
		return fmt.Errorf("tip %d: %w", i, ErrOutOfRange)
	}
	return nil
}

func (in *instance[F]) checkMatrix(i int) error {
	if i < 0 || i >= in.pool.Matrices {
		return fmt.Errorf("transition matrix %d: %w", i, ErrOutOfRange)
	}
	return nil
}

func (in *instance[F]) checkEigen(i int) error {
	if i < 0 || i >= in.pool.Eigens {
		return fmt.Errorf("eigen index %d: %w", i, ErrOutOfRange)
	}
	return nil
}

func (in *instance[F]) checkScale(i int) error {
	if i < 0 || i >= in.pool.ScaleBuffers {
		return fmt.Errorf("scale buffer %d: %w", i, ErrOutOfRange)
	}
	return nil
}

func (in *instance[F]) checkPartition(i int) error {
	if i < 0 || i >= in.partitionCount {
		return fmt.Errorf("partition %d: %w", i, ErrOutOfRange)
	}
	return nil
}

// --- setters ---

func (in *instance[F]) SetTipStates(tip int, states []int) error {
	if err := in.checkTip(tip); err != nil {
		return err
	}
	ordered := states
	if in.newOrder != nil {
		ordered = make([]int, in.pool.Patterns)
		for i := 0; i < in.pool.Patterns; i++ {
			ordered[in.newOrder[i]] = states[i]
		}
	}
	if err := in.pool.SetTipStates(tip, ordered); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	in.written[tip] = true
	return nil
}

func (in *instance[F]) SetTipPartials(tip int, partials []float64) error {
	if err := in.checkTip(tip); err != nil {
		return err
	}
	ordered := partials
	if in.newOrder != nil {
		s := in.pool.States
		ordered = make([]float64, in.pool.Patterns*s)
		for i := 0; i < in.pool.Patterns; i++ {
			copy(ordered[in.newOrder[i]*s:(in.newOrder[i]+1)*s], partials[i*s:(i+1)*s])
		}
	}
	if err := in.pool.SetTipPartials(tip, ordered); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	in.written[tip] = true
	return nil
}

func (in *instance[F]) SetPartials(buffer int, partials []float64) error {
	if err := in.checkBuffer(buffer); err != nil {
		return err
	}
	ordered := partials
	if in.newOrder != nil && len(partials) >= in.pool.Categories*in.pool.Patterns*in.pool.States {
		s := in.pool.States
		n := in.pool.Patterns * s
		ordered = make([]float64, len(partials))
		for c := 0; c < in.pool.Categories; c++ {
			for i := 0; i < in.pool.Patterns; i++ {
				pos := in.newOrder[i]
				copy(ordered[c*n+pos*s:c*n+(pos+1)*s], partials[c*n+i*s:c*n+(i+1)*s])
			}
		}
	}
	if err := in.pool.SetPartials(buffer, ordered); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	in.written[buffer] = true
	return nil
}

func (in *instance[F]) GetPartials(buffer, scaleBuffer int, out []float64) error {
	if err := in.checkBuffer(buffer); err != nil {
		return err
	}
	if err := in.waitFor(buffer); err != nil {
		return err
	}
	if !in.written[buffer] {
		return fmt.Errorf("partials %d: %w", buffer, ErrUninitialisedBuffer)
	}
	var unscale []float64
	if scaleBuffer != ScaleNone {
		if err := in.checkScale(scaleBuffer); err != nil {
			return err
		}
		unscale = in.logScaleFactors(scaleBuffer)
	}
	if in.newOrder == nil {
		if err := in.pool.GetPartials(buffer, unscale, out); err != nil {
			return fmt.Errorf("%w: %s", ErrOutOfRange, err)
		}
		return nil
	}
	s := in.pool.States
	tmp := make([]float64, in.pool.Categories*in.pool.Patterns*s)
	if err := in.pool.GetPartials(buffer, unscale, tmp); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	if len(out) < len(tmp) {
		return fmt.Errorf("partials output too short: %w", ErrOutOfRange)
	}
	for c := 0; c < in.pool.Categories; c++ {
		base := c * in.pool.Patterns * s
		for i := 0; i < in.pool.Patterns; i++ {
			pos := in.newOrder[i]
			copy(out[base+i*s:base+(i+1)*s], tmp[base+pos*s:base+pos*s+s])
		}
	}
	return nil
}

func (in *instance[F]) SetEigenDecomposition(e int, vectors, inverseVectors, values []float64) error {
	if err := in.checkEigen(e); err != nil {
		return err
	}
	if err := in.eig.Set(e, vectors, inverseVectors, values); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	return nil
}

func (in *instance[F]) SetStateFrequencies(index int, frequencies []float64) error {
	if err := in.checkEigen(index); err != nil {
		return err
	}
	if err := in.pool.SetStateFrequencies(index, frequencies); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	return nil
}

func (in *instance[F]) SetCategoryWeights(index int, weights []float64) error {
	if err := in.checkEigen(index); err != nil {
		return err
	}
	if err := in.pool.SetCategoryWeights(index, weights); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	return nil
}

func (in *instance[F]) SetCategoryRates(rates []float64) error {
	return in.SetCategoryRatesWithIndex(0, rates)
}

func (in *instance[F]) SetCategoryRatesWithIndex(index int, rates []float64) error {
	if err := in.checkEigen(index); err != nil {
		return err
	}
	if err := in.pool.SetCategoryRates(index, rates); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	return nil
}

func (in *instance[F]) SetPatternWeights(weights []float64) error {
	ordered := weights
	if in.newOrder != nil {
		ordered = make([]float64, in.pool.Patterns)
		for i := 0; i < in.pool.Patterns; i++ {
			ordered[in.newOrder[i]] = weights[i]
		}
	}
	if err := in.pool.SetPatternWeights(ordered); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	return nil
}

func (in *instance[F]) SetTransitionMatrix(matrix int, values []float64, paddedValue float64) error {
	if err := in.checkMatrix(matrix); err != nil {
		return err
	}
	if err := in.pool.SetTransitionMatrix(matrix, values, paddedValue); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	return nil
}

func (in *instance[F]) SetTransitionMatrices(matrices []int, values []float64, paddedValues []float64) error {
	size := in.pool.Categories * in.pool.States * in.pool.States
	if len(values) < size*len(matrices) || len(paddedValues) < len(matrices) {
		return fmt.Errorf("bulk matrix input too short: %w", ErrOutOfRange)
	}
	for i, m := range matrices {
		if err := in.SetTransitionMatrix(m, values[i*size:(i+1)*size], paddedValues[i]); err != nil {
			return err
		}
	}
	return nil
}

func (in *instance[F]) GetTransitionMatrix(matrix int, out []float64) error {
	if err := in.checkMatrix(matrix); err != nil {
		return err
	}
	if err := in.pool.GetTransitionMatrix(matrix, out); err != nil {
		return fmt.Errorf("%w: %s", ErrOutOfRange, err)
	}
	return nil
}

// --- transition matrix updaters ---

func (in *instance[F]) UpdateTransitionMatrices(e int, probabilities, firstDerivatives, secondDerivatives []int, edgeLengths []float64) error {
	eigens := make([]int, len(probabilities))
	rateIdx := make([]int, len(probabilities))
	for i := range eigens {
		eigens[i] = e
	}
	return in.UpdateTransitionMatricesWithModels(eigens, rateIdx, probabilities, firstDerivatives, secondDerivatives, edgeLengths)
}

func (in *instance[F]) UpdateTransitionMatricesWithModels(eigens, categoryRates, probabilities, firstDerivatives, secondDerivatives []int, edgeLengths []float64) error {
	n := len(probabilities)
	if len(eigens) < n || len(categoryRates) < n || len(edgeLengths) < n {
		return fmt.Errorf("updater argument lengths disagree: %w", ErrOutOfRange)
	}
	for i := 0; i < n; i++ {
		if err := in.checkEigen(eigens[i]); err != nil {
			return err
		}
		if err := in.checkEigen(categoryRates[i]); err != nil {
			return err
		}
		if err := in.checkMatrix(probabilities[i]); err != nil {
			return err
		}
		if !in.eig.Has(eigens[i]) {
			return fmt.Errorf("eigen %d: %w", eigens[i], ErrUninitialisedBuffer)
		}
		rates := in.pool.CategoryRates(categoryRates[i])
		if rates == nil {
			return fmt.Errorf("category rates %d: %w", categoryRates[i], ErrUninitialisedBuffer)
		}
		var out1, out2 []F
		if firstDerivatives != nil {
			if err := in.checkMatrix(firstDerivatives[i]); err != nil {
				return err
			}
			out1 = in.pool.Matrix(firstDerivatives[i])
		}
		if secondDerivatives != nil {
			if err := in.checkMatrix(secondDerivatives[i]); err != nil {
				return err
			}
			out2 = in.pool.Matrix(secondDerivatives[i])
		}
		err := in.eig.Reconstitute(eigens[i], rates, edgeLengths[i],
			in.pool.Matrix(probabilities[i]), out1, out2)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrGeneral, err)
		}
	}
	return nil
}

func (in *instance[F]) ConvolveTransitionMatrices(first, second, result []int) error {
	n := len(result)
	if len(first) < n || len(second) < n {
		return fmt.Errorf("convolve argument lengths disagree: %w", ErrOutOfRange)
	}
	for i := 0; i < n; i++ {
		if err := in.checkMatrix(first[i]); err != nil {
			return err
		}
		if err := in.checkMatrix(second[i]); err != nil {
			return err
		}
		if err := in.checkMatrix(result[i]); err != nil {
			return err
		}
		a := in.pool.Matrix(first[i])
		b := in.pool.Matrix(second[i])
		dst := in.pool.Matrix(result[i])
		if result[i] == first[i] || result[i] == second[i] {
			eigen.Convolve(in.pool.States, in.pool.TransStates(), in.pool.Categories, a, b, in.convTmp)
			copy(dst, in.convTmp)
			continue
		}
		eigen.Convolve(in.pool.States, in.pool.TransStates(), in.pool.Categories, a, b, dst)
	}
	return nil
}
