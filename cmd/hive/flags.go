package main

import "github.com/urfave/cli/v3"

var (
	numExperts   int64
	topK         int64
	hiddenSize   int64
	intermediate int64
	backendKind  string
	quantScheme  string
	activation   string
	capacityMax  int64
	workers      int64
	logLevel     string
	logFormat    string
)

func commonLayerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "experts",
			Aliases:     []string{"e"},
			Usage:       "total expert count",
			Value:       16,
			Destination: &numExperts,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"k"},
			Usage:       "experts selected per token",
			Value:       2,
			Destination: &topK,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "hidden size",
			Value:       256,
			Destination: &hiddenSize,
		},
		&cli.Int64Flag{
			Name:        "intermediate",
			Usage:       "intermediate (feed-forward) size",
			Value:       512,
			Destination: &intermediate,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "matmul backend (standard, grouped)",
			Value:       "standard",
			Destination: &backendKind,
		},
		&cli.StringFlag{
			Name:        "quant",
			Usage:       "quantization scheme (none, per-tensor, per-token, block, w4a8)",
			Value:       "none",
			Destination: &quantScheme,
		},
		&cli.StringFlag{
			Name:        "activation",
			Usage:       "gated activation (silu, gelu)",
			Value:       "silu",
			Destination: &activation,
		},
		&cli.Int64Flag{
			Name:        "capacity",
			Usage:       "per-expert token capacity for masked delivery (0 = unbounded modes only)",
			Destination: &capacityMax,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "gemm worker count (0 = GOMAXPROCS)",
			Destination: &workers,
		},
	}
}
