package main

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/treelike/internal/engine"
)

// Jukes-Cantor eigen decomposition for four states.
var (
	jcEigenVectors = []float64{
		1.0, 2.0, 0.0, 0.5,
		1.0, -2.0, 0.5, 0.0,
		1.0, 2.0, 0.0, -0.5,
		1.0, -2.0, -0.5, 0.0,
	}
	jcInverseEigenVectors = []float64{
		0.25, 0.25, 0.25, 0.25,
		0.125, -0.125, 0.125, -0.125,
		0.0, 1.0, 0.0, -1.0,
		1.0, 0.0, -1.0, 0.0,
	}
	jcEigenValues = []float64{0.0, -4.0 / 3.0, -4.0 / 3.0, -4.0 / 3.0}
)

func benchmarkCmd() *cli.Command {
	var (
		tips       int64
		patterns   int64
		categories int64
		warmupRuns int64
		benchRuns  int64
		seed       int64
		rescale    bool
	)

	flags := append([]cli.Flag{}, commonFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "tips",
			Usage:       "number of tips in the synthetic tree",
			Value:       128,
			Destination: &tips,
		},
		&cli.Int64Flag{
			Name:        "patterns",
			Usage:       "number of site patterns",
			Value:       10000,
			Destination: &patterns,
		},
		&cli.Int64Flag{
			Name:        "categories",
			Usage:       "number of rate categories",
			Value:       4,
			Destination: &categories,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for tip data",
			Value:       42,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "rescale",
			Usage:       "rescale every peeling operation",
			Destination: &rescale,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Run a standardized full-traversal benchmark on synthetic data",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := buildLogger()

			t := int(tips)
			p := int(patterns)
			c := int(categories)
			internal := t - 1
			buffers := 2*t - 1

			prefs := engine.ThreadingEnabled
			if rescale {
				prefs |= engine.ScalingAlways
			}
			eng, err := engine.New(engine.Config{
				TipCount:         t,
				PartialsBuffers:  internal,
				CompactBuffers:   t,
				StateCount:       4,
				PatternCount:     p,
				EigenCount:       1,
				MatrixCount:      buffers,
				CategoryCount:    c,
				ScaleBufferCount: internal + 1,
				Preferences:      prefs,
				Threads:          int(threads),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: create instance: %v", err), 1)
			}
			defer func() { _ = eng.Close() }()

			rng := rand.New(rand.NewSource(seed))
			states := make([]int, p)
			for tip := 0; tip < t; tip++ {
				for i := range states {
					states[i] = rng.Intn(4)
				}
				if err := eng.SetTipStates(tip, states); err != nil {
					return cli.Exit(fmt.Sprintf("error: tip %d: %v", tip, err), 1)
				}
			}
			if err := loadJCModel(eng, c, p); err != nil {
				return cli.Exit(fmt.Sprintf("error: model: %v", err), 1)
			}

			nodes := make([]int, 0, buffers-1)
			lengths := make([]float64, 0, buffers-1)
			for i := 0; i < buffers-1; i++ {
				nodes = append(nodes, i)
				lengths = append(lengths, 0.05+0.1*rng.Float64())
			}
			ops := caterpillarOps(t)

			fmt.Println("=== treelike Benchmark ===")
			fmt.Printf("Tips:       %d\n", t)
			fmt.Printf("Patterns:   %d\n", p)
			fmt.Printf("Categories: %d\n", c)
			fmt.Printf("Rescale:    %v\n", rescale)
			fmt.Printf("Threads:    %d (requested %d)\n", eng.Details().Threads, threads)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Println()

			run := func() (float64, time.Duration, error) {
				start := time.Now()
				if err := eng.UpdateTransitionMatrices(0, nodes, nil, nil, lengths); err != nil {
					return 0, 0, err
				}
				cumulative := engine.ScaleNone
				if rescale {
					cumulative = internal
					if err := eng.ResetScaleFactors(cumulative); err != nil {
						return 0, 0, err
					}
				}
				if err := eng.UpdatePartials(ops, cumulative); err != nil {
					return 0, 0, err
				}
				sum, err := eng.CalculateRootLogLikelihoods(
					[]int{buffers - 1}, []int{0}, []int{0}, []int{cumulative})
				if err != nil {
					return 0, 0, err
				}
				return sum, time.Since(start), nil
			}

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, _, err := run(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			type runResult struct {
				LogL     float64
				Duration time.Duration
				PeelsPS  float64
			}
			results := make([]runResult, 0, benchRuns)
			peels := float64(internal) * float64(p) * float64(c)
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				sum, dur, err := run()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, runResult{
					LogL:     sum,
					Duration: dur,
					PeelsPS:  peels / dur.Seconds(),
				})
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %16s %12s %14s\n", "Run", "LogL", "Duration", "Peels/s")
			var sumPeels float64
			for i, r := range results {
				fmt.Printf("%-6d %16.4f %12s %14.0f\n",
					i+1, r.LogL, r.Duration.Round(time.Millisecond), r.PeelsPS)
				sumPeels += r.PeelsPS
			}
			fmt.Printf("\n%-6s %43.0f\n", "Avg", sumPeels/float64(len(results)))

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			return nil
		},
	}
}

func loadJCModel(eng engine.Engine, categories, patterns int) error {
	if err := eng.SetEigenDecomposition(0, jcEigenVectors, jcInverseEigenVectors, jcEigenValues); err != nil {
		return err
	}
	if err := eng.SetStateFrequencies(0, []float64{0.25, 0.25, 0.25, 0.25}); err != nil {
		return err
	}
	weights := make([]float64, categories)
	rates := make([]float64, categories)
	for i := range weights {
		weights[i] = 1 / float64(categories)
		rates[i] = float64(i+1) * 2 / float64(categories+1)
	}
	if err := eng.SetCategoryWeights(0, weights); err != nil {
		return err
	}
	if err := eng.SetCategoryRates(rates); err != nil {
		return err
	}
	pw := make([]float64, patterns)
	for i := range pw {
		pw[i] = 1
	}
	return eng.SetPatternWeights(pw)
}

// caterpillarOps builds the peeling schedule of a ladder tree over t tips:
// the first internal node joins tips 0 and 1, each later one joins the
// previous internal node and the next tip.
func caterpillarOps(t int) []engine.Operation {
	ops := make([]engine.Operation, 0, t-1)
	ops = append(ops, engine.Operation{
		Destination:      t,
		DestinationScale: engine.ScaleNone,
		SourceScale:      engine.ScaleNone,
		Child1:           0,
		Child1Matrix:     0,
		Child2:           1,
		Child2Matrix:     1,
	})
	for i := 1; i < t-1; i++ {
		ops = append(ops, engine.Operation{
			Destination:      t + i,
			DestinationScale: engine.ScaleNone,
			SourceScale:      engine.ScaleNone,
			Child1:           t + i - 1,
			Child1Matrix:     t + i - 1,
			Child2:           i + 1,
			Child2Matrix:     i + 1,
		})
	}
	return ops
}
