package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hive/internal/logger"
	"github.com/samcharles93/hive/internal/moe"
	"github.com/samcharles93/hive/internal/tensor"
)

type benchRun struct {
	Duration  time.Duration `json:"duration_ns"`
	TokensSec float64       `json:"tokens_per_sec"`
}

type benchReport struct {
	Experts int          `json:"experts"`
	TopK    int          `json:"top_k"`
	Hidden  int          `json:"hidden"`
	Backend string       `json:"backend"`
	Quant   string       `json:"quant"`
	Tokens  int          `json:"tokens_per_run"`
	Runs    []benchRun   `json:"runs"`
	Load    moe.Snapshot `json:"load"`
}

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		tokens     int64
		seed       int64
		jsonOut    bool
	)

	flags := append([]cli.Flag{}, commonLayerFlags()...)
	flags = append(flags,
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
			Name:        "tokens",
			Aliases:     []string{"n"},
			Usage:       "tokens per forward pass",
			Value:       1024,
			Destination: &tokens,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "routing seed",
			Value:       1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "emit the report as JSON",
			Destination: &jsonOut,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark the MoE feed-forward block on synthetic routing",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyLayerConfig(cmd, LoadConfig())

			l, err := buildLayer(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build layer: %v", err), 1)
			}

			rng := rand.New(rand.NewSource(seed))
			hidden := tensor.NewMat(int(tokens), int(hiddenSize))
			tensor.FillRand(hidden, seed)
			rt := randomRouting(rng, int(tokens), int(numExperts), int(topK))

			if !jsonOut {
				fmt.Println("=== Hive Benchmark ===")
				fmt.Printf("Experts:  %d (top-%d)\n", numExperts, topK)
				fmt.Printf("Hidden:   %d -> %d\n", hiddenSize, intermediate)
				fmt.Printf("Backend:  %s / %s\n", backendKind, quantScheme)
				fmt.Printf("CPUs:     %d (GOMAXPROCS %d)\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
				fmt.Printf("Tokens:   %d per run\n", tokens)
				fmt.Printf("Warmup:   %d runs\n", warmupRuns)
				fmt.Printf("Runs:     %d\n", benchRuns)
				fmt.Println()
			}

			for i := int64(0); i < warmupRuns; i++ {
				if _, err := l.Forward(hidden, rt); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup pass: %v", err), 1)
				}
			}

			report := benchReport{
				Experts: int(numExperts),
				TopK:    int(topK),
				Hidden:  int(hiddenSize),
				Backend: backendKind,
				Quant:   quantScheme,
				Tokens:  int(tokens),
			}
			for i := int64(0); i < benchRuns; i++ {
				start := time.Now()
				if _, err := l.Forward(hidden, rt); err != nil {
					return cli.Exit(fmt.Sprintf("error: bench pass: %v", err), 1)
				}
				d := time.Since(start)
				run := benchRun{
					Duration:  d,
					TokensSec: float64(tokens) / d.Seconds(),
				}
				report.Runs = append(report.Runs, run)
				if !jsonOut {
					fmt.Printf("run %d: %s (%.0f tok/s)\n", i+1, d.Round(time.Microsecond), run.TokensSec)
				}
			}
			report.Load = l.LoadStats()

			if jsonOut {
				enc, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(append(enc, '\n'))
				return err
			}

			var best float64
			for _, r := range report.Runs {
				if r.TokensSec > best {
					best = r.TokensSec
				}
			}
			fmt.Printf("\nbest: %.0f tok/s\n", best)
			return nil
		},
	}
}
