package moe

import "fmt"

// Routing is the router output consumed by one forward pass: for each token,
// the selected expert ids and their routing weights. Rows may hold fewer than
// top-k pairs when the router emitted fewer selections for a token; slots are
// enumerated token-major in the order given.
type Routing struct {
	Experts [][]int32
	Weights [][]float32
}

// Slots returns the total number of (token, expert) pairs.
func (r Routing) Slots() int {
	n := 0
	for _, row := range r.Experts {
		n += len(row)
	}
	return n
}

// Validate checks structural agreement with the hidden-state batch.
func (r Routing) Validate(nTokens int) error {
	if len(r.Experts) != nTokens || len(r.Weights) != nTokens {
		return newConfigError(fmt.Sprintf("routing rows %d/%d do not match %d tokens",
			len(r.Experts), len(r.Weights), nTokens))
	}
	for t := range r.Experts {
		if len(r.Experts[t]) != len(r.Weights[t]) {
			return newConfigError(fmt.Sprintf("token %d has %d expert ids but %d weights",
				t, len(r.Experts[t]), len(r.Weights[t])))
		}
	}
	return nil
}
