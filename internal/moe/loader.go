package moe

import (
	"fmt"

	"github.com/samcharles93/hive/internal/tensor"
)

// Weight loading addresses experts by GLOBAL id. Loads for experts outside
// this shard's owned range are silent no-ops, which lets a driver stream the
// whole checkpoint past every shard without pre-filtering. Invalid shard ids
// still error regardless of ownership; a typo in the checkpoint mapping must
// not pass just because the expert happened to live elsewhere.

// LoadExpertWeight installs one shard of one global expert's weights.
func (l *Layer) LoadExpertWeight(globalID int, shard ShardID, src *tensor.Mat) error {
	if !shard.valid() {
		return newConfigError(fmt.Sprintf("shard_id must be gate, up or down, got %q", shard))
	}
	if l.weights.finalized {
		return newConfigError("weights already finalized")
	}
	for _, phys := range l.physicalIDs(globalID) {
		if !l.part.Owns(phys) {
			continue
		}
		if err := l.weights.setWeight(shard, l.part.LocalID(phys), src); err != nil {
			return err
		}
	}
	return nil
}

// LoadExpertInputScale installs an activation input scale for one shard of
// one global expert. Gate and up scales collapse into the merged projection's
// single scale and must agree within tolerance.
func (l *Layer) LoadExpertInputScale(globalID int, shard ShardID, scale float32) error {
	if !shard.valid() {
		return newConfigError(fmt.Sprintf("shard_id must be gate, up or down, got %q", shard))
	}
	if l.weights.finalized {
		return newConfigError("weights already finalized")
	}
	for _, phys := range l.physicalIDs(globalID) {
		if !l.part.Owns(phys) {
			continue
		}
		if err := l.weights.setInputScale(shard, l.part.LocalID(phys), scale); err != nil {
			return err
		}
	}
	return nil
}

// LoadExpertWeightScale installs weight scales for one shard of one global
// expert: a single value for per-tensor style schemes, or the full block
// grid for the static block scheme.
func (l *Layer) LoadExpertWeightScale(globalID int, shard ShardID, values []float32) error {
	if !shard.valid() {
		return newConfigError(fmt.Sprintf("shard_id must be gate, up or down, got %q", shard))
	}
	if l.weights.finalized {
		return newConfigError("weights already finalized")
	}
	for _, phys := range l.physicalIDs(globalID) {
		if !l.part.Owns(phys) {
			continue
		}
		if err := l.weights.setWeightScale(shard, l.part.LocalID(phys), values); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeWeights freezes loaded weights and derives the quantized storage
// for the active scheme. Must be called exactly once before the first
// forward call.
func (l *Layer) FinalizeWeights() error {
	if err := l.weights.Finalize(); err != nil {
		return err
	}
	l.log.Info("expert weights finalized", "local_experts", l.part.LocalCount, "quant", l.cfg.Quant.String())
	return nil
}

// physicalIDs expands a logical expert id through the load-balancing replica
// table. Without a table the mapping is the identity.
func (l *Layer) physicalIDs(logical int) []int {
	if l.cfg.Replicas == nil {
		return []int{logical}
	}
	if logical < 0 || logical >= len(l.cfg.Replicas) {
		return nil
	}
	return l.cfg.Replicas[logical]
}
