// Package engine implements the CPU likelihood engine: an instance owns all
// numeric storage for a dataset of site patterns, executes batches of peeling
// operations over a tree supplied incrementally by the client, and reduces
// root or edge partials into site and sum log-likelihoods with optional
// derivatives with respect to an edge length.
//
// All exported calls must come from a single client goroutine; the engine
// fans work out to an internal worker pool and joins before returning or via
// WaitForPartials/Block.
package engine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/samcharles93/treelike/internal/logger"
)

// Config fixes the dimensions and behaviour of an instance. Every buffer is
// allocated at New from these counts; nothing on the hot path allocates.
type Config struct {
	TipCount         int // T: tips, buffer slots 0..T-1
	PartialsBuffers  int // partial buffers, including tips carrying partials
	CompactBuffers   int // tips carrying integer states
	StateCount       int // S
	PatternCount     int // P
	EigenCount       int // E, also the number of weight/frequency/rate slots
	MatrixCount      int // M
	CategoryCount    int // C
	ScaleBufferCount int // K

	Preferences  Flags
	Requirements Flags

	// Threads is the initial worker count; SetThreadCount can change it.
	// Zero or one means serial.
	Threads int

	// Logger receives instance lifecycle and scheduling decisions. Kernels
	// never log. Defaults to logger.Default().
	Logger logger.Logger
}

// InstanceDetails identifies a created instance.
type InstanceDetails struct {
	ID           uuid.UUID
	ResourceName string
	Flags        Flags
	Threads      int
}

// EdgeDerivatives carries the outputs of an edge reduction.
type EdgeDerivatives struct {
	SumLogLikelihood    float64
	SumFirstDerivative  float64
	SumSecondDerivative float64
}

// Engine is the procedural surface of one likelihood instance.
type Engine interface {
	// Setters. Inputs cross the boundary in double precision and are
	// converted to the working precision of the instance.
	SetTipStates(tip int, states []int) error
	SetTipPartials(tip int, partials []float64) error
	SetPartials(buffer int, partials []float64) error
	GetPartials(buffer, scaleBuffer int, out []float64) error
	SetEigenDecomposition(eigen int, vectors, inverseVectors, values []float64) error
	SetStateFrequencies(index int, frequencies []float64) error
	SetCategoryWeights(index int, weights []float64) error
	SetCategoryRates(rates []float64) error
	SetCategoryRatesWithIndex(index int, rates []float64) error
	SetPatternWeights(weights []float64) error
	SetPatternPartitions(partitionCount int, assignments []int) error
	SetTransitionMatrix(matrix int, values []float64, paddedValue float64) error
	SetTransitionMatrices(matrices []int, values []float64, paddedValues []float64) error
	GetTransitionMatrix(matrix int, out []float64) error

	// Updaters.
	UpdateTransitionMatrices(eigen int, probabilities, firstDerivatives, secondDerivatives []int, edgeLengths []float64) error
	UpdateTransitionMatricesWithModels(eigens, categoryRates, probabilities, firstDerivatives, secondDerivatives []int, edgeLengths []float64) error
	ConvolveTransitionMatrices(first, second, result []int) error

	// Compute.
	UpdatePartials(operations []Operation, cumulativeScale int) error
	UpdatePartialsByPartition(operations []PartitionOperation) error
	WaitForPartials(destinations []int) error
	Block() error

	// Scaling.
	AccumulateScaleFactors(indices []int, cumulative int) error
	AccumulateScaleFactorsByPartition(indices []int, cumulative, partition int) error
	RemoveScaleFactors(indices []int, cumulative int) error
	RemoveScaleFactorsByPartition(indices []int, cumulative, partition int) error
	ResetScaleFactors(cumulative int) error
	ResetScaleFactorsByPartition(cumulative, partition int) error
	CopyScaleFactors(destination, source int) error
	GetScaleFactors(source int, out []float64) error

	// Reducers.
	CalculateRootLogLikelihoods(buffers, weights, frequencies, cumulativeScales []int) (float64, error)
	CalculateRootLogLikelihoodsByPartition(buffers, weights, frequencies, cumulativeScales, partitions []int, outByPartition []float64) (float64, error)
	CalculateEdgeLogLikelihoods(parents, children, probabilities, firstDerivatives, secondDerivatives, weights, frequencies, cumulativeScales []int) (EdgeDerivatives, error)
	CalculateEdgeLogLikelihoodsByPartition(parents, children, probabilities, firstDerivatives, secondDerivatives, weights, frequencies, cumulativeScales, partitions []int, outByPartition, outFirstByPartition, outSecondByPartition []float64) (EdgeDerivatives, error)

	// Introspection. Site outputs are in the client's original pattern
	// order even after partition reordering.
	GetLogLikelihood() (float64, error)
	GetDerivatives() (first, second float64, err error)
	GetSiteLogLikelihoods(out []float64) error
	GetSiteDerivatives(outFirst, outSecond []float64) error

	// Identity and lifecycle.
	SetThreadCount(n int) error
	Name() string
	Flags() Flags
	Details() InstanceDetails
	Close() error
}

// New creates an instance. The precision flag selects the working float type;
// everything else about the two instantiations is identical.
func New(cfg Config) (Engine, error) {
	caps, err := parseFlags(cfg.Preferences, cfg.Requirements)
	if err != nil {
		return nil, fmt.Errorf("conflicting flags: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if caps.single {
		return newInstance[float32](cfg, caps)
	}
	return newInstance[float64](cfg, caps)
}

func validateConfig(cfg Config) error {
	for _, d := range []struct {
		name string
		v    int
	}{
		{"state count", cfg.StateCount},
		{"pattern count", cfg.PatternCount},
		{"category count", cfg.CategoryCount},
		{"eigen count", cfg.EigenCount},
		{"matrix count", cfg.MatrixCount},
	} {
		if d.v < 1 {
			return fmt.Errorf("%s must be positive: %w", d.name, ErrOutOfRange)
		}
	}
	if cfg.TipCount < 2 {
		return fmt.Errorf("tip count must be at least 2: %w", ErrOutOfRange)
	}
	if cfg.PartialsBuffers+cfg.CompactBuffers < cfg.TipCount {
		return fmt.Errorf("buffer counts do not cover the tips: %w", ErrOutOfRange)
	}
	if cfg.CompactBuffers > cfg.TipCount {
		return fmt.Errorf("compact buffers exceed tip count: %w", ErrOutOfRange)
	}
	if cfg.ScaleBufferCount < 0 {
		return fmt.Errorf("scale buffer count negative: %w", ErrOutOfRange)
	}
	return nil
}
