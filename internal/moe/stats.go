package moe

import "sync/atomic"

// Stats tracks per-expert token load for one layer. Counters are atomic so
// concurrent forward calls can record without coordination.
type Stats struct {
	expertTokens []atomic.Int64
	passes       atomic.Int64
	dropped      atomic.Int64
}

func newStats(localCount int) *Stats {
	return &Stats{expertTokens: make([]atomic.Int64, localCount)}
}

func (s *Stats) recordBounds(bounds []int32) {
	s.passes.Add(1)
	for e := 0; e < len(bounds)-1; e++ {
		if n := bounds[e+1] - bounds[e]; n > 0 {
			s.expertTokens[e].Add(int64(n))
		}
	}
}

func (s *Stats) recordMasked(ml *MaskedLayout, counts []int32) {
	s.passes.Add(1)
	for e, live := range ml.Masked {
		if live > 0 {
			s.expertTokens[e].Add(int64(live))
		}
		if over := counts[e] - live; over > 0 {
			s.dropped.Add(int64(over))
		}
	}
}

func (s *Stats) recordExpert(local int, tokens int64) {
	s.expertTokens[local].Add(tokens)
}

func (s *Stats) recordPass() {
	s.passes.Add(1)
}

// Snapshot is a point-in-time copy of a layer's load counters.
type Snapshot struct {
	Passes       int64   `json:"passes"`
	Dropped      int64   `json:"dropped"`
	ExpertTokens []int64 `json:"expert_tokens"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	out := Snapshot{
		Passes:       s.passes.Load(),
		Dropped:      s.dropped.Load(),
		ExpertTokens: make([]int64, len(s.expertTokens)),
	}
	for i := range s.expertTokens {
		out.ExpertTokens[i] = s.expertTokens[i].Load()
	}
	return out
}
