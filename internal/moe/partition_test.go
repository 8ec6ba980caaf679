package moe

import (
	"errors"
	"testing"
)

func TestPartitionKnownSplit(t *testing.T) {
	p, err := NewPartition(8, 2, 1)
	if err != nil {
		t.Fatalf("NewPartition: %v", err)
	}
	if p.StartID != 4 || p.EndID != 7 || p.LocalCount != 4 {
		t.Fatalf("shard 1/2 of 8: got start=%d end=%d count=%d", p.StartID, p.EndID, p.LocalCount)
	}
	if got := p.LocalID(4); got != 0 {
		t.Fatalf("LocalID(4) = %d, want 0", got)
	}
	if got := p.LocalID(3); got != 8 {
		t.Fatalf("LocalID(3) = %d, want sentinel 8", got)
	}
}

func TestPartitionDisjointCover(t *testing.T) {
	cases := []struct {
		total, shards int
	}{
		{8, 1}, {8, 2}, {8, 4}, {8, 8}, {64, 4}, {60, 6},
	}
	for _, tc := range cases {
		seen := make([]int, tc.total)
		for rank := 0; rank < tc.shards; rank++ {
			p, err := NewPartition(tc.total, tc.shards, rank)
			if err != nil {
				t.Fatalf("NewPartition(%d,%d,%d): %v", tc.total, tc.shards, rank, err)
			}
			if p.EndID-p.StartID+1 != p.LocalCount {
				t.Fatalf("rank %d: range [%d,%d] disagrees with count %d", rank, p.StartID, p.EndID, p.LocalCount)
			}
			for g := p.StartID; g <= p.EndID; g++ {
				seen[g]++
				if !p.Owns(g) {
					t.Fatalf("rank %d should own %d", rank, g)
				}
				if local := p.LocalID(g); local != g-p.StartID {
					t.Fatalf("rank %d: LocalID(%d) = %d, want %d", rank, g, local, g-p.StartID)
				}
			}
		}
		for g, n := range seen {
			if n != 1 {
				t.Fatalf("%d/%d: expert %d covered %d times", tc.total, tc.shards, g, n)
			}
		}
	}
}

func TestPartitionSingleShardIdentity(t *testing.T) {
	p, err := NewPartition(16, 1, 0)
	if err != nil {
		t.Fatalf("NewPartition: %v", err)
	}
	if p.globalToLocal != nil {
		t.Fatalf("single shard should not allocate a remap table")
	}
	for g := 0; g < 16; g++ {
		if p.LocalID(g) != g {
			t.Fatalf("LocalID(%d) = %d, want identity", g, p.LocalID(g))
		}
	}
}

func TestPartitionErrors(t *testing.T) {
	cases := []struct {
		name                string
		total, shards, rank int
	}{
		{"not divisible", 10, 3, 0},
		{"zero experts", 0, 1, 0},
		{"zero shards", 8, 0, 0},
		{"rank out of range", 8, 2, 2},
		{"negative rank", 8, 2, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPartition(tc.total, tc.shards, tc.rank)
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("want ErrConfig, got %v", err)
			}
		})
	}
}

func TestPartitionOutOfRangeSentinel(t *testing.T) {
	p, err := NewPartition(8, 2, 0)
	if err != nil {
		t.Fatalf("NewPartition: %v", err)
	}
	if got := p.LocalID(-1); got != 8 {
		t.Fatalf("LocalID(-1) = %d, want sentinel", got)
	}
	if got := p.LocalID(8); got != 8 {
		t.Fatalf("LocalID(8) = %d, want sentinel", got)
	}
}
