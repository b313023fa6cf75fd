package api

import (
	"context"
	"fmt"
	"time"

	"github.com/samcharles93/treelike/internal/engine"
	"github.com/samcharles93/treelike/internal/logger"
)

// Evaluator turns a self-contained likelihood request into one engine
// instance, runs the tree bottom-up and reduces at the root. Instances are
// per-request; the evaluator itself is safe for concurrent use.
type Evaluator struct {
	Threads int
	Log     logger.Logger
}

func NewEvaluator(threads int, log logger.Logger) *Evaluator {
	if log == nil {
		log = logger.Default()
	}
	return &Evaluator{Threads: threads, Log: log}
}

// treeShape is the validated request topology: tips occupy node indices
// 0..tipCount-1, the root is the unique node no other node references.
type treeShape struct {
	tipCount int
	root     int
	postIdx  []int // internal nodes in post order
}

func (ev *Evaluator) shape(req *LikelihoodRequest) (treeShape, error) {
	var ts treeShape
	n := len(req.Nodes)
	if n < 3 {
		return ts, invalidRequestf("tree needs at least two tips and a root")
	}
	referenced := make([]int, n)
	for i, node := range req.Nodes {
		switch len(node.Children) {
		case 0:
			ts.tipCount++
		case 2:
			for _, c := range node.Children {
				if c < 0 || c >= n || c == i {
					return ts, invalidRequestf("node %d references child %d", i, c)
				}
				referenced[c]++
			}
		default:
			return ts, invalidRequestf("node %d has %d children, want 0 or 2", i, len(node.Children))
		}
	}
	ts.root = -1
	for i, refs := range referenced {
		if refs > 1 {
			return ts, invalidRequestf("node %d has multiple parents", i)
		}
		if refs == 0 {
			if ts.root >= 0 {
				return ts, invalidRequestf("tree has multiple roots")
			}
			ts.root = i
		}
	}
	if ts.root < 0 || len(req.Nodes[ts.root].Children) == 0 {
		return ts, invalidRequestf("tree root must be an internal node")
	}
	for i := 0; i < ts.tipCount; i++ {
		if len(req.Nodes[i].Children) != 0 {
			return ts, invalidRequestf("tips must occupy the leading node indices")
		}
	}
	if len(req.TipStates)+len(req.TipPartials) != ts.tipCount {
		return ts, invalidRequestf("tree has %d tips but %d tip rows were supplied",
			ts.tipCount, len(req.TipStates)+len(req.TipPartials))
	}

	// Iterative post order from the root.
	type frame struct {
		node    int
		visited bool
	}
	stack := []frame{{node: ts.root}}
	seen := make([]bool, n)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.visited {
			ts.postIdx = append(ts.postIdx, f.node)
			continue
		}
		if seen[f.node] {
			return ts, invalidRequestf("tree contains a cycle")
		}
		seen[f.node] = true
		if len(req.Nodes[f.node].Children) == 0 {
			continue
		}
		stack = append(stack, frame{node: f.node, visited: true})
		for _, c := range req.Nodes[f.node].Children {
			stack = append(stack, frame{node: c})
		}
	}
	return ts, nil
}

func (ev *Evaluator) validateModel(req *LikelihoodRequest) error {
	s := req.StateCount
	if s < 2 {
		return invalidRequestf("state_count must be at least 2")
	}
	if req.PatternCount < 1 {
		return invalidRequestf("pattern_count must be positive")
	}
	if len(req.EigenVectors) < s*s || len(req.InverseEigenVectors) < s*s {
		return invalidRequestf("eigen vector matrices must hold state_count^2 values")
	}
	if len(req.EigenValues) < s {
		return invalidRequestf("eigen_values must hold state_count values")
	}
	if len(req.StateFrequencies) < s {
		return invalidRequestf("state_frequencies must hold state_count values")
	}
	c := req.CategoryCount
	if c > 1 {
		if len(req.CategoryWeights) < c || len(req.CategoryRates) < c {
			return invalidRequestf("category_weights and category_rates must hold category_count values")
		}
	}
	return nil
}

// Evaluate runs one request to completion and returns the reduced result.
func (ev *Evaluator) Evaluate(ctx context.Context, req *LikelihoodRequest) (LikelihoodResult, error) {
	var res LikelihoodResult
	start := time.Now()
	if err := ev.validateModel(req); err != nil {
		return res, err
	}
	ts, err := ev.shape(req)
	if err != nil {
		return res, err
	}
	categories := req.CategoryCount
	if categories < 1 {
		categories = 1
	}
	internal := len(req.Nodes) - ts.tipCount

	prefs := engine.ThreadingEnabled
	if req.Rescale {
		prefs |= engine.ScalingAlways
	}
	eng, err := engine.New(engine.Config{
		TipCount:         ts.tipCount,
		PartialsBuffers:  len(req.Nodes) - len(req.TipStates),
		CompactBuffers:   len(req.TipStates),
		StateCount:       req.StateCount,
		PatternCount:     req.PatternCount,
		EigenCount:       1,
		MatrixCount:      len(req.Nodes),
		CategoryCount:    categories,
		ScaleBufferCount: internal + 1,
		Preferences:      prefs,
		Threads:          ev.Threads,
		Logger:           ev.Log,
	})
	if err != nil {
		return res, fmt.Errorf("create instance: %w", err)
	}
	defer func() { _ = eng.Close() }()

	if err := ev.loadData(eng, req, categories); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	nonRoot := make([]int, 0, len(req.Nodes)-1)
	lengths := make([]float64, 0, len(req.Nodes)-1)
	for i, node := range req.Nodes {
		if i == ts.root {
			continue
		}
		if node.Length < 0 {
			return res, invalidRequestf("node %d has negative branch length", i)
		}
		nonRoot = append(nonRoot, i)
		lengths = append(lengths, node.Length)
	}
	if err := eng.UpdateTransitionMatrices(0, nonRoot, nil, nil, lengths); err != nil {
		return res, fmt.Errorf("transition matrices: %w", err)
	}

	cumulative := engine.ScaleNone
	if req.Rescale {
		cumulative = internal
		if err := eng.ResetScaleFactors(cumulative); err != nil {
			return res, fmt.Errorf("reset scale factors: %w", err)
		}
	}
	ops := make([]engine.Operation, 0, internal)
	for _, node := range ts.postIdx {
		ch := req.Nodes[node].Children
		ops = append(ops, engine.Operation{
			Destination:      node,
			DestinationScale: engine.ScaleNone,
			SourceScale:      engine.ScaleNone,
			Child1:           ch[0],
			Child1Matrix:     ch[0],
			Child2:           ch[1],
			Child2Matrix:     ch[1],
		})
	}
	if err := eng.UpdatePartials(ops, cumulative); err != nil {
		return res, fmt.Errorf("peeling: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	sum, err := eng.CalculateRootLogLikelihoods(
		[]int{ts.root}, []int{0}, []int{0}, []int{cumulative})
	if err != nil {
		return res, fmt.Errorf("root reduction: %w", err)
	}
	res.LogLikelihood = sum
	if req.Sites {
		res.SiteLogLikelihoods = make([]float64, req.PatternCount)
		if err := eng.GetSiteLogLikelihoods(res.SiteLogLikelihoods); err != nil {
			return res, fmt.Errorf("site likelihoods: %w", err)
		}
	}
	res.ElapsedMillis = time.Since(start).Milliseconds()
	res.Threads = eng.Details().Threads
	return res, nil
}

func (ev *Evaluator) loadData(eng engine.Engine, req *LikelihoodRequest, categories int) error {
	s := req.StateCount
	for i, states := range req.TipStates {
		if len(states) < req.PatternCount {
			return invalidRequestf("tip_states row %d holds %d patterns, want %d", i, len(states), req.PatternCount)
		}
		if err := eng.SetTipStates(i, states); err != nil {
			return fmt.Errorf("tip %d: %w", i, err)
		}
	}
	base := len(req.TipStates)
	for i, partials := range req.TipPartials {
		if len(partials) < req.PatternCount*s {
			return invalidRequestf("tip_partials row %d holds %d values, want %d", i, len(partials), req.PatternCount*s)
		}
		if err := eng.SetTipPartials(base+i, partials); err != nil {
			return fmt.Errorf("tip %d: %w", base+i, err)
		}
	}
	if err := eng.SetEigenDecomposition(0, req.EigenVectors, req.InverseEigenVectors, req.EigenValues); err != nil {
		return fmt.Errorf("eigen decomposition: %w", err)
	}
	if err := eng.SetStateFrequencies(0, req.StateFrequencies); err != nil {
		return fmt.Errorf("state frequencies: %w", err)
	}
	weights := req.CategoryWeights
	rates := req.CategoryRates
	if categories == 1 && len(weights) == 0 {
		weights = []float64{1}
	}
	if categories == 1 && len(rates) == 0 {
		rates = []float64{1}
	}
	if err := eng.SetCategoryWeights(0, weights); err != nil {
		return fmt.Errorf("category weights: %w", err)
	}
	if err := eng.SetCategoryRates(rates); err != nil {
		return fmt.Errorf("category rates: %w", err)
	}
	patternWeights := req.PatternWeights
	if len(patternWeights) == 0 {
		patternWeights = make([]float64, req.PatternCount)
		for i := range patternWeights {
			patternWeights[i] = 1
		}
	}
	if err := eng.SetPatternWeights(patternWeights); err != nil {
		return fmt.Errorf("pattern weights: %w", err)
	}
	return nil
}
