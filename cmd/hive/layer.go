package main

import (
	"fmt"
	"math/rand"

	"github.com/samcharles93/hive/internal/logger"
	"github.com/samcharles93/hive/internal/moe"
	"github.com/samcharles93/hive/internal/tensor"
)

// buildLayer constructs a layer from the CLI flags and fills it with
// reproducible synthetic expert weights.
func buildLayer(log logger.Logger) (*moe.Layer, error) {
	backend, err := moe.ParseBackendKind(backendKind)
	if err != nil {
		return nil, err
	}
	quant, err := moe.ParseQuantScheme(quantScheme)
	if err != nil {
		return nil, err
	}
	act, err := moe.ParseActivation(activation)
	if err != nil {
		return nil, err
	}

	cfg := moe.ExecutionConfig{
		NumExperts:       int(numExperts),
		TopK:             int(topK),
		HiddenSize:       int(hiddenSize),
		IntermediateSize: int(intermediate),
		ShardCount:       1,
		ShardRank:        0,
		Backend:          backend,
		Quant:            quant,
		Activation:       act,
		CapacityMax:      int(capacityMax),
		Workers:          int(workers),
	}
	l, err := moe.NewLayer(cfg, log)
	if err != nil {
		return nil, err
	}

	for g := 0; g < cfg.NumExperts; g++ {
		gate := tensor.NewMat(cfg.IntermediateSize, cfg.HiddenSize)
		up := tensor.NewMat(cfg.IntermediateSize, cfg.HiddenSize)
		down := tensor.NewMat(cfg.HiddenSize, cfg.IntermediateSize)
		tensor.FillRand(gate, int64(3*g))
		tensor.FillRand(up, int64(3*g+1))
		tensor.FillRand(down, int64(3*g+2))
		for _, s := range []struct {
			id  moe.ShardID
			mat *tensor.Mat
		}{{moe.ShardGate, gate}, {moe.ShardUp, up}, {moe.ShardDown, down}} {
			if err := l.LoadExpertWeight(g, s.id, s.mat); err != nil {
				return nil, fmt.Errorf("load %s weight for expert %d: %w", s.id, g, err)
			}
		}
	}
	if err := l.FinalizeWeights(); err != nil {
		return nil, err
	}
	return l, nil
}

// randomRouting draws top-k expert selections per token with normalized
// weights from a seeded generator.
func randomRouting(rng *rand.Rand, nTokens, experts, k int) moe.Routing {
	rt := moe.Routing{
		Experts: make([][]int32, nTokens),
		Weights: make([][]float32, nTokens),
	}
	for t := 0; t < nTokens; t++ {
		picked := rng.Perm(experts)[:k]
		ids := make([]int32, k)
		ws := make([]float32, k)
		var sum float32
		for i, e := range picked {
			ids[i] = int32(e)
			ws[i] = rng.Float32() + 0.05
			sum += ws[i]
		}
		for i := range ws {
			ws[i] /= sum
		}
		rt.Experts[t] = ids
		rt.Weights[t] = ws
	}
	return rt
}
