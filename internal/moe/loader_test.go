package moe

import (
	"errors"
	"testing"

	"github.com/samcharles93/hive/internal/logger"
	"github.com/samcharles93/hive/internal/tensor"
)

// Loads addressed to experts owned by other shards are silent no-ops, so a
// driver can stream the full checkpoint past every shard.
func TestLoaderIgnoresRemoteExperts(t *testing.T) {
	cfg := testConfig()
	cfg.ShardCount = 2
	cfg.ShardRank = 1 // owns experts 2 and 3
	l, err := NewLayer(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}

	gate := tensor.NewMat(cfg.IntermediateSize, cfg.HiddenSize)
	fillTestData(gate.Data, 0.5)
	if err := l.LoadExpertWeight(0, ShardGate, gate); err != nil {
		t.Fatalf("remote load should be a no-op, got %v", err)
	}
	for _, v := range l.weights.GateUp[0].Data {
		if v != 0 {
			t.Fatalf("remote load wrote into local storage")
		}
	}

	if err := l.LoadExpertWeight(2, ShardGate, gate); err != nil {
		t.Fatalf("local load: %v", err)
	}
	compareSlices(t, l.weights.GateUp[0].Row(0), gate.Row(0), 0)
}

// An invalid shard id errors even when the target expert lives elsewhere.
func TestLoaderRejectsBadShardRegardlessOfOwnership(t *testing.T) {
	cfg := testConfig()
	cfg.ShardCount = 2
	cfg.ShardRank = 1
	l, err := NewLayer(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}

	mat := tensor.NewMat(cfg.IntermediateSize, cfg.HiddenSize)
	if err := l.LoadExpertWeight(0, "sideways", mat); !errors.Is(err, ErrConfig) {
		t.Fatalf("want ErrConfig, got %v", err)
	}
	if err := l.LoadExpertInputScale(0, "sideways", 1); !errors.Is(err, ErrConfig) {
		t.Fatalf("want ErrConfig, got %v", err)
	}
	if err := l.LoadExpertWeightScale(0, "sideways", []float32{1}); !errors.Is(err, ErrConfig) {
		t.Fatalf("want ErrConfig, got %v", err)
	}
}

func TestLoaderRejectsAfterFinalize(t *testing.T) {
	l := newTestLayer(t, testConfig())
	mat := tensor.NewMat(testInter, testHidden)
	if err := l.LoadExpertWeight(0, ShardGate, mat); !errors.Is(err, ErrConfig) {
		t.Fatalf("want ErrConfig after finalize, got %v", err)
	}
	if err := l.FinalizeWeights(); !errors.Is(err, ErrConfig) {
		t.Fatalf("double finalize: want ErrConfig, got %v", err)
	}
}

// With a replica table, one logical expert fans out to all of its physical
// slots that land on this shard.
func TestLoaderReplicaFanOut(t *testing.T) {
	cfg := testConfig()
	cfg.NumExperts = 4 // physical slots
	cfg.Replicas = [][]int{
		{0, 2}, // logical 0 lives in physical 0 and 2
		{1},
		{3},
	}
	l, err := NewLayer(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}

	gate := tensor.NewMat(cfg.IntermediateSize, cfg.HiddenSize)
	fillTestData(gate.Data, 0.2)
	if err := l.LoadExpertWeight(0, ShardGate, gate); err != nil {
		t.Fatalf("replicated load: %v", err)
	}
	compareSlices(t, l.weights.GateUp[0].Row(0), gate.Row(0), 0)
	compareSlices(t, l.weights.GateUp[2].Row(0), gate.Row(0), 0)
	for _, v := range l.weights.GateUp[1].Data {
		if v != 0 {
			t.Fatalf("unreplicated slot was written")
		}
	}

	// Logical ids outside the table load nowhere.
	if err := l.LoadExpertWeight(9, ShardGate, gate); err != nil {
		t.Fatalf("out-of-table logical id should be a no-op, got %v", err)
	}
}

func TestLoadInputScaleRoutesToMergedProjection(t *testing.T) {
	cfg := testConfig()
	cfg.Quant = QuantPerTensor
	l, err := NewLayer(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("NewLayer: %v", err)
	}
	if err := l.LoadExpertInputScale(1, ShardGate, 0.25); err != nil {
		t.Fatalf("gate input scale: %v", err)
	}
	if err := l.LoadExpertInputScale(1, ShardUp, 0.25); err != nil {
		t.Fatalf("up input scale: %v", err)
	}
	if got := l.weights.GateUpInputScale[1]; got != 0.25 {
		t.Fatalf("merged input scale = %v, want 0.25", got)
	}
	if err := l.LoadExpertInputScale(1, ShardDown, 0.75); err != nil {
		t.Fatalf("down input scale: %v", err)
	}
	if got := l.weights.DownInputScale[1]; got != 0.75 {
		t.Fatalf("down input scale = %v, want 0.75", got)
	}
}
