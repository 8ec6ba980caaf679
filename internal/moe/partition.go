package moe

import "fmt"

// Partition assigns a contiguous range of global expert ids to one shard
// under expert parallelism. Experts are distributed evenly across shards, so
// the total must divide by the shard count. Built once at layer construction
// and immutable afterwards.
type Partition struct {
	TotalExperts int
	ShardCount   int
	ShardRank    int
	LocalCount   int
	StartID      int
	EndID        int // inclusive

	// globalToLocal maps global expert id to local slot, with TotalExperts as
	// the sentinel for ids this shard does not own. Nil when ShardCount == 1:
	// every id maps to itself and no remap is needed.
	globalToLocal []int32
}

// NewPartition computes the expert range owned by shardRank.
func NewPartition(totalExperts, shardCount, shardRank int) (*Partition, error) {
	if totalExperts <= 0 {
		return nil, newConfigError(fmt.Sprintf("total experts must be positive, got %d", totalExperts))
	}
	if shardCount <= 0 {
		return nil, newConfigError(fmt.Sprintf("shard count must be positive, got %d", shardCount))
	}
	if shardRank < 0 || shardRank >= shardCount {
		return nil, newConfigError(fmt.Sprintf("shard rank %d outside [0, %d)", shardRank, shardCount))
	}
	if totalExperts%shardCount != 0 {
		return nil, newConfigError(fmt.Sprintf("total experts %d not divisible by shard count %d", totalExperts, shardCount))
	}

	p := &Partition{
		TotalExperts: totalExperts,
		ShardCount:   shardCount,
		ShardRank:    shardRank,
	}

	if shardCount == 1 {
		p.LocalCount = totalExperts
		p.StartID = 0
		p.EndID = totalExperts - 1
		return p, nil
	}

	local := totalExperts / shardCount
	p.StartID = shardRank * local
	p.LocalCount = local
	p.EndID = p.StartID + local - 1

	p.globalToLocal = make([]int32, totalExperts)
	for g := range p.globalToLocal {
		p.globalToLocal[g] = int32(totalExperts)
	}
	for i := 0; i < local; i++ {
		p.globalToLocal[p.StartID+i] = int32(i)
	}
	return p, nil
}

// LocalID maps a global expert id to its local slot, returning TotalExperts
// when the expert is not owned by this shard.
func (p *Partition) LocalID(global int) int {
	if global < 0 || global >= p.TotalExperts {
		return p.TotalExperts
	}
	if p.globalToLocal == nil {
		return global
	}
	return int(p.globalToLocal[global])
}

// Owns reports whether this shard holds the given global expert id.
func (p *Partition) Owns(global int) bool {
	return global >= p.StartID && global <= p.EndID
}
