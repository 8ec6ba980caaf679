package moe

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/samcharles93/hive/internal/logger"
	"github.com/samcharles93/hive/internal/tensor"
)

// BackendKind selects the compute backend for the grouped matmuls.
type BackendKind int

const (
	// BackendStandard runs float32 segment gemms.
	BackendStandard BackendKind = iota
	// BackendGrouped is the high-throughput grouped-GEMM path; it requires a
	// quantized scheme and block-shaped weight scales.
	BackendGrouped
)

func (b BackendKind) String() string {
	switch b {
	case BackendStandard:
		return "standard"
	case BackendGrouped:
		return "grouped"
	default:
		return "unknown"
	}
}

// ParseBackendKind converts a config string to a BackendKind.
func ParseBackendKind(s string) (BackendKind, error) {
	switch s {
	case "", "standard":
		return BackendStandard, nil
	case "grouped":
		return BackendGrouped, nil
	default:
		return BackendStandard, newConfigError(fmt.Sprintf("unknown backend kind %q", s))
	}
}

// DeliveryMode describes how tokens arrive at the layer.
type DeliveryMode int

const (
	// DeliverDense: tokens are resident locally with raw router output; the
	// layer derives the permutation itself.
	DeliverDense DeliveryMode = iota
	// DeliverContiguous: the exchange collaborator already grouped tokens by
	// expert and supplies per-expert receive counts.
	DeliverContiguous
	// DeliverMasked: capacity-bounded low-latency delivery into fixed-size
	// per-expert buffers.
	DeliverMasked
)

func (d DeliveryMode) String() string {
	switch d {
	case DeliverDense:
		return "dense"
	case DeliverContiguous:
		return "contiguous"
	case DeliverMasked:
		return "masked"
	default:
		return "unknown"
	}
}

// Activation selects the gated nonlinearity between the two projections.
type Activation int

const (
	ActSilu Activation = iota
	ActGelu
)

func (a Activation) String() string {
	switch a {
	case ActSilu:
		return "silu"
	case ActGelu:
		return "gelu"
	default:
		return "unknown"
	}
}

// ParseActivation converts a config string to an Activation.
func ParseActivation(s string) (Activation, error) {
	switch s {
	case "", "silu":
		return ActSilu, nil
	case "gelu":
		return ActGelu, nil
	default:
		return ActSilu, newConfigError(fmt.Sprintf("unknown activation %q", s))
	}
}

// ExecutionConfig is built once at layer setup and passed down explicitly.
// Mode selection is a pure function of this value and the per-call delivery;
// nothing is read from ambient global state.
type ExecutionConfig struct {
	NumExperts       int
	TopK             int
	HiddenSize       int
	IntermediateSize int
	ShardCount       int
	ShardRank        int

	Backend    BackendKind
	Quant      QuantScheme
	Activation Activation

	// FusedVendorPath bypasses permutation entirely and delegates the whole
	// block to the fused per-token path.
	FusedVendorPath bool

	// CapacityMax is the fixed per-expert token capacity (mMax) for masked
	// delivery. Tokens beyond it are dropped from compute.
	CapacityMax int

	// RoutedScalingFactor multiplies routing weights at unpermutation.
	// Zero means 1.
	RoutedScalingFactor float32

	// Workers bounds gemm parallelism; zero means GOMAXPROCS.
	Workers int

	// Replicas maps logical expert ids to physical slots under load-balancing
	// remap. Nil means identity.
	Replicas [][]int
}

// Layer is the expert-parallel MoE feed-forward block for one shard.
// Weights are loaded during a non-concurrent setup phase; after
// FinalizeWeights the layer is safe for concurrent Forward calls.
type Layer struct {
	cfg     ExecutionConfig
	id      string
	log     logger.Logger
	part    *Partition
	weights *ExpertWeights
	backend GroupedBackend
	stats   *Stats
	bufs    bufPool
}

// NewLayer validates the configuration and allocates weight storage.
func NewLayer(cfg ExecutionConfig, log logger.Logger) (*Layer, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.HiddenSize <= 0 || cfg.IntermediateSize <= 0 {
		return nil, newConfigError(fmt.Sprintf("hidden %d / intermediate %d must be positive",
			cfg.HiddenSize, cfg.IntermediateSize))
	}
	if cfg.TopK <= 0 {
		return nil, newConfigError(fmt.Sprintf("top-k must be positive, got %d", cfg.TopK))
	}
	switch cfg.Activation {
	case ActSilu, ActGelu:
	default:
		return nil, newConfigError(fmt.Sprintf("unsupported activation %d", cfg.Activation))
	}
	if cfg.RoutedScalingFactor == 0 {
		cfg.RoutedScalingFactor = 1
	}

	part, err := NewPartition(cfg.NumExperts, cfg.ShardCount, cfg.ShardRank)
	if err != nil {
		return nil, err
	}
	weights := NewExpertWeights(part.LocalCount, cfg.HiddenSize, cfg.IntermediateSize, cfg.Quant)

	var backend GroupedBackend
	switch cfg.Backend {
	case BackendStandard:
		backend = newStandardBackend(weights, cfg.Workers)
	case BackendGrouped:
		backend, err = newGroupedBackend(weights, cfg.Workers)
		if err != nil {
			return nil, err
		}
	default:
		return nil, newConfigError(fmt.Sprintf("unknown backend kind %d", cfg.Backend))
	}

	l := &Layer{
		cfg:     cfg,
		id:      uuid.NewString(),
		part:    part,
		weights: weights,
		backend: backend,
		stats:   newStats(part.LocalCount),
	}
	l.log = log.With("layer_id", l.id)
	l.log.Info("moe layer configured",
		"experts", cfg.NumExperts,
		"local", part.LocalCount,
		"shard", fmt.Sprintf("%d/%d", cfg.ShardRank, cfg.ShardCount),
		"backend", backend.Name(),
		"quant", cfg.Quant.String(),
		"activation", cfg.Activation.String(),
		"fused", cfg.FusedVendorPath)
	return l, nil
}

// ID returns the layer's instance id.
func (l *Layer) ID() string { return l.id }

// Partition returns the expert partition map.
func (l *Layer) Partition() *Partition { return l.part }

// Config returns the layer's execution configuration.
func (l *Layer) Config() ExecutionConfig { return l.cfg }

// LoadStats returns a snapshot of the per-expert load counters.
func (l *Layer) LoadStats() Snapshot { return l.stats.Snapshot() }

// Forward runs the block over locally-resident tokens with raw router
// output. hidden is [nTokens, hiddenSize]; the result has the same shape and
// is additive over all selected local experts.
func (l *Layer) Forward(hidden *tensor.Mat, rt Routing) (*tensor.Mat, error) {
	if !l.weights.finalized {
		return nil, newConfigError("weights not finalized before forward")
	}
	if hidden.C != l.cfg.HiddenSize {
		return nil, newConfigError(fmt.Sprintf("hidden size %d, layer wants %d", hidden.C, l.cfg.HiddenSize))
	}
	if err := rt.Validate(hidden.R); err != nil {
		return nil, err
	}

	if l.cfg.FusedVendorPath {
		return l.forwardFused(hidden, rt)
	}

	ly := BuildDenseLayout(rt, l.part)
	out := tensor.NewMat(hidden.R, hidden.C)
	if ly.Rows == 0 {
		// No token selected a local expert; this shard contributes zeros.
		return out, nil
	}

	scales := l.gateUpScales(hidden, ly)

	gateUpIn := l.matFromPool(ly.Rows, l.cfg.HiddenSize)
	ly.Scatter(gateUpIn, hidden)

	gateUpOut := l.matFromPool(ly.Rows, 2*l.cfg.IntermediateSize)
	err := l.backend.RunGroupedMatmul(&MatmulArgs{
		Kind:       LayoutSegmented,
		Proj:       ProjGateUp,
		In:         gateUpIn,
		Out:        gateUpOut,
		SegBounds:  ly.SegBounds,
		InputScale: scales.GateUpInput,
	})
	l.releaseMat(gateUpIn)
	if err != nil {
		return nil, err
	}

	downIn := l.matFromPool(ly.Rows, l.cfg.IntermediateSize)
	scales.DownInput = l.activate(gateUpOut, downIn)
	l.releaseMat(gateUpOut)

	downOut := l.matFromPool(ly.Rows, l.cfg.HiddenSize)
	err = l.backend.RunGroupedMatmul(&MatmulArgs{
		Kind:       LayoutSegmented,
		Proj:       ProjDown,
		In:         downIn,
		Out:        downOut,
		SegBounds:  ly.SegBounds,
		InputScale: scales.DownInput,
	})
	l.releaseMat(downIn)
	if err != nil {
		return nil, err
	}

	ly.GatherScaled(out, downOut, l.cfg.RoutedScalingFactor)
	l.releaseMat(downOut)

	l.stats.recordBounds(ly.SegBounds)
	return out, nil
}

// ExchangeInput is the exchange-delivered forward variant's argument: the
// permutation description is pre-computed by the token-exchange collaborator
// instead of derived locally.
type ExchangeInput struct {
	Mode DeliveryMode

	// Hidden holds received tokens. For contiguous delivery they are grouped
	// by local expert; RecvCounts gives each expert's run length. Nil
	// RecvCounts means no tokens were routed to this shard this pass.
	Hidden     *tensor.Mat
	RecvCounts []int32

	// HiddenScale optionally carries per-token activation scales when the
	// exchange delivered pre-quantized tokens.
	HiddenScale []float32

	// TopKIDs/TopKWeights, when present, let the layer scatter and gather
	// locally: Hidden is then in original token order and the output is
	// returned in that order, weighted and accumulated per token.
	TopKIDs     [][]int32
	TopKWeights [][]float32

	// SegBounds optionally replaces RecvCounts-derived bounds for grouped
	// input.
	SegBounds []int32

	// ExpectedCount is the backend work-balance hint for masked delivery;
	// zero derives it from the counts.
	ExpectedCount int
}

// ForwardExchange runs the block over exchange-delivered tokens. The mode
// combination (delivery x backend) must be one the state machine recognizes;
// anything else is a configuration error.
func (l *Layer) ForwardExchange(in ExchangeInput) (*tensor.Mat, error) {
	if !l.weights.finalized {
		return nil, newConfigError("weights not finalized before forward")
	}
	switch in.Mode {
	case DeliverContiguous:
		return l.forwardContiguous(in)
	case DeliverMasked:
		if l.cfg.Backend != BackendGrouped {
			return nil, newConfigError("capacity-bounded delivery requires the grouped backend")
		}
		return l.forwardMasked(in)
	default:
		return nil, newConfigError(fmt.Sprintf(
			"unrecognized mode combination: delivery=%s backend=%s", in.Mode, l.cfg.Backend))
	}
}

// forwardContiguous handles exchange-delivered tokens that are (or will be)
// grouped by expert with externally-supplied counts.
func (l *Layer) forwardContiguous(in ExchangeInput) (*tensor.Mat, error) {
	if in.Hidden == nil {
		return nil, newConfigError("contiguous delivery without hidden states")
	}
	// Nil counts or an all-zero exchange degenerates to a cast-and-return:
	// nothing was routed here this pass.
	if in.RecvCounts == nil || sum32(in.RecvCounts) == 0 {
		return cloneMat(in.Hidden), nil
	}

	if in.TopKIDs != nil {
		return l.forwardContiguousRouted(in)
	}

	rows := int(sum32(in.RecvCounts))
	if rows != in.Hidden.R {
		return nil, newConfigError(fmt.Sprintf("recv counts total %d, buffer has %d rows", rows, in.Hidden.R))
	}
	if in.HiddenScale != nil && len(in.HiddenScale) != in.Hidden.R {
		return nil, newConfigError(fmt.Sprintf("hidden scale length %d, buffer has %d rows",
			len(in.HiddenScale), in.Hidden.R))
	}

	scales := l.exchangeScales(in.Hidden, in.HiddenScale)
	args := &MatmulArgs{
		Kind:       LayoutContiguous,
		Proj:       ProjGateUp,
		In:         in.Hidden,
		Counts:     in.RecvCounts,
		InputScale: scales.GateUpInput,
	}
	if in.SegBounds != nil {
		args.Kind = LayoutSegmented
		args.SegBounds = in.SegBounds
	}

	gateUpOut := l.matFromPool(rows, 2*l.cfg.IntermediateSize)
	args.Out = gateUpOut
	if err := l.backend.RunGroupedMatmul(args); err != nil {
		return nil, err
	}

	downIn := l.matFromPool(rows, l.cfg.IntermediateSize)
	scales.DownInput = l.activate(gateUpOut, downIn)
	l.releaseMat(gateUpOut)

	// The output stays in the delivered grouped order; unpermutation belongs
	// to the exchange collaborator.
	out := tensor.NewMat(rows, l.cfg.HiddenSize)
	downArgs := &MatmulArgs{
		Kind:       args.Kind,
		Proj:       ProjDown,
		In:         downIn,
		Out:        out,
		SegBounds:  args.SegBounds,
		Counts:     args.Counts,
		InputScale: scales.DownInput,
	}
	err := l.backend.RunGroupedMatmul(downArgs)
	l.releaseMat(downIn)
	if err != nil {
		return nil, err
	}

	bounds, berr := downArgs.bounds(l.part.LocalCount)
	if berr == nil {
		l.stats.recordBounds(bounds)
	}
	return out, nil
}

// forwardContiguousRouted is the exchange variant that still carries routing
// pairs: the layer scatters locally, computes, and gathers weighted back to
// the delivered token order.
func (l *Layer) forwardContiguousRouted(in ExchangeInput) (*tensor.Mat, error) {
	rt := Routing{Experts: in.TopKIDs, Weights: in.TopKWeights}
	if err := rt.Validate(in.Hidden.R); err != nil {
		return nil, err
	}
	if len(in.RecvCounts) != l.part.LocalCount {
		return nil, newConfigError(fmt.Sprintf("recv counts length %d, want %d",
			len(in.RecvCounts), l.part.LocalCount))
	}
	ly := BuildDenseLayout(rt, l.part)
	for e := 0; e < l.part.LocalCount; e++ {
		if got := ly.SegBounds[e+1] - ly.SegBounds[e]; got != in.RecvCounts[e] {
			return nil, newConfigError(fmt.Sprintf(
				"recv count %d for expert %d disagrees with routing (%d)", in.RecvCounts[e], e, got))
		}
	}
	return l.Forward(in.Hidden, rt)
}

// forwardMasked handles capacity-bounded delivery: tokens arrive pre-counted
// per expert, get packed into the fixed [experts, mMax, hidden] batch, and
// any expert's overflow beyond mMax is dropped from compute. Dropped rows
// come back zeroed in the grouped output.
func (l *Layer) forwardMasked(in ExchangeInput) (*tensor.Mat, error) {
	if in.Hidden == nil || in.RecvCounts == nil {
		return nil, newConfigError("masked delivery needs hidden states and per-expert counts")
	}
	if len(in.RecvCounts) != l.part.LocalCount {
		return nil, newConfigError(fmt.Sprintf("recv counts length %d, want %d",
			len(in.RecvCounts), l.part.LocalCount))
	}
	if rows := int(sum32(in.RecvCounts)); rows != in.Hidden.R {
		return nil, newConfigError(fmt.Sprintf("recv counts total %d, buffer has %d rows", rows, in.Hidden.R))
	}
	if in.HiddenScale != nil && len(in.HiddenScale) != in.Hidden.R {
		return nil, newConfigError(fmt.Sprintf("hidden scale length %d, buffer has %d rows",
			len(in.HiddenScale), in.Hidden.R))
	}
	ml, err := BuildMaskedLayout(in.RecvCounts, l.cfg.CapacityMax)
	if err != nil {
		return nil, err
	}
	if in.ExpectedCount > 0 {
		ml.Expected = min(in.ExpectedCount, ml.MMax)
	}

	mMax := ml.MMax
	h := l.cfg.HiddenSize
	inter := l.cfg.IntermediateSize

	gateUpIn := l.batchFromPool(l.part.LocalCount, mMax, h)
	ml.PackMasked(gateUpIn, in.Hidden, in.RecvCounts)

	scales := l.maskedScales(gateUpIn, ml, in.RecvCounts, in.HiddenScale)

	gateUpOut := l.batchFromPool(l.part.LocalCount, mMax, 2*inter)
	err = l.backend.RunGroupedMatmul(&MatmulArgs{
		Kind:       LayoutMasked,
		Proj:       ProjGateUp,
		In3:        gateUpIn,
		Out3:       gateUpOut,
		Masked:     ml,
		InputScale: scales.GateUpInput,
	})
	l.releaseBatch(gateUpIn)
	if err != nil {
		return nil, err
	}

	downIn := l.batchFromPool(l.part.LocalCount, mMax, inter)
	scales.DownInput = l.activateMasked(gateUpOut, downIn, ml)
	l.releaseBatch(gateUpOut)

	downOut := l.batchFromPool(l.part.LocalCount, mMax, h)
	err = l.backend.RunGroupedMatmul(&MatmulArgs{
		Kind:       LayoutMasked,
		Proj:       ProjDown,
		In3:        downIn,
		Out3:       downOut,
		Masked:     ml,
		InputScale: scales.DownInput,
	})
	l.releaseBatch(downIn)
	if err != nil {
		return nil, err
	}

	out := tensor.NewMat(int(sum32(in.RecvCounts)), h)
	ml.UnpackMasked(out, downOut, in.RecvCounts)
	l.releaseBatch(downOut)

	l.stats.recordMasked(ml, in.RecvCounts)
	return out, nil
}

// forwardFused is the vendor-fused path: permutation and unpermutation are
// skipped entirely and each token runs its local experts directly.
func (l *Layer) forwardFused(hidden *tensor.Mat, rt Routing) (*tensor.Mat, error) {
	out := tensor.NewMat(hidden.R, hidden.C)
	inter := l.cfg.IntermediateSize

	gateUp := l.bufs.get(2 * inter)
	act := l.bufs.get(inter)
	tmp := l.bufs.get(l.cfg.HiddenSize)
	defer func() {
		l.bufs.put(gateUp)
		l.bufs.put(act)
		l.bufs.put(tmp)
	}()

	for t := 0; t < hidden.R; t++ {
		x := hidden.Row(t)
		for k, e := range rt.Experts[t] {
			local := l.part.LocalID(int(e))
			if local >= l.part.LocalCount {
				continue
			}
			w := rt.Weights[t][k] * l.cfg.RoutedScalingFactor
			if w == 0 {
				continue
			}
			tensor.MatVec(gateUp, l.weights.GateUp[local], x)
			switch l.cfg.Activation {
			case ActGelu:
				tensor.GeluMul(act, gateUp)
			default:
				tensor.SiluMul(act, gateUp)
			}
			tensor.MatVec(tmp, l.weights.Down[local], act)
			tensor.AddScaled(out.Row(t), tmp, w)
			l.stats.recordExpert(local, 1)
		}
	}
	l.stats.recordPass()
	return out, nil
}

// gateUpScales derives the activation scales for the first projection in
// dense mode. Dynamic schemes recompute them every pass; per-token scales
// are reduced in token order then scattered into permuted slot order.
func (l *Layer) gateUpScales(hidden *tensor.Mat, ly *Layout) PassScales {
	var s PassScales
	switch l.cfg.Quant {
	case QuantNone:
	case QuantPerTensor:
		s.GateUpInput = []float32{PerTensorScale(hidden)}
	case QuantPerToken:
		perToken := l.bufs.get(hidden.R)
		PerTokenScales(perToken, hidden)
		permuted := make([]float32, ly.Rows)
		ly.ScatterScales(permuted, perToken)
		l.bufs.put(perToken)
		s.GateUpInput = permuted
	case QuantBlock, QuantW4A8:
		s.GateUpInput = l.weights.GateUpInputScale
	}
	return s
}

// exchangeScales is the contiguous-delivery analogue: the buffer is already
// in expert-grouped order, so per-token scales index its rows directly.
func (l *Layer) exchangeScales(hidden *tensor.Mat, provided []float32) PassScales {
	var s PassScales
	switch l.cfg.Quant {
	case QuantNone:
	case QuantPerTensor:
		s.GateUpInput = []float32{PerTensorScale(hidden)}
	case QuantPerToken:
		if provided != nil {
			s.GateUpInput = provided
			break
		}
		scales := make([]float32, hidden.R)
		PerTokenScales(scales, hidden)
		s.GateUpInput = scales
	case QuantBlock, QuantW4A8:
		s.GateUpInput = l.weights.GateUpInputScale
	}
	return s
}

func (l *Layer) maskedScales(batch *tensor.Batch, ml *MaskedLayout, counts []int32, provided []float32) PassScales {
	var s PassScales
	switch l.cfg.Quant {
	case QuantNone:
	case QuantPerTensor:
		// Only the live prefix of each group is meaningful; the padding may
		// hold recycled scratch.
		var m float32
		for e := 0; e < batch.G; e++ {
			g := batch.Group(e)
			for i := 0; i < int(ml.Masked[e]); i++ {
				if v := tensor.MaxAbs(g.Row(i)); v > m {
					m = v
				}
			}
		}
		s.GateUpInput = []float32{m / tensor.FP8E4M3Max}
	case QuantPerToken:
		// The backend indexes these by batch position, so provided per-token
		// scales must land at the same slots PackMasked gave the rows.
		scales := make([]float32, batch.G*batch.M)
		if provided != nil {
			off := 0
			for e, c := range counts {
				for i := 0; i < int(ml.Masked[e]); i++ {
					scales[e*batch.M+i] = provided[off+i]
				}
				off += int(c)
			}
		} else {
			for e := 0; e < batch.G; e++ {
				g := batch.Group(e)
				for i := 0; i < int(ml.Masked[e]); i++ {
					scales[e*batch.M+i] = tensor.MaxAbs(g.Row(i)) / tensor.FP8E4M3Max
				}
			}
		}
		s.GateUpInput = scales
	case QuantBlock, QuantW4A8:
		s.GateUpInput = l.weights.GateUpInputScale
	}
	return s
}

// activate applies the gated nonlinearity row-wise and, on reduced-precision
// paths, fuses the requantization: per-token down-input scales are produced
// here so no full-precision intermediate needs a second pass.
func (l *Layer) activate(gateUpOut, downIn *tensor.Mat) []float32 {
	var scales []float32
	if l.cfg.Quant == QuantPerToken {
		scales = make([]float32, downIn.R)
	}
	for r := 0; r < gateUpOut.R; r++ {
		dst := downIn.Row(r)
		switch l.cfg.Activation {
		case ActGelu:
			tensor.GeluMul(dst, gateUpOut.Row(r))
		default:
			tensor.SiluMul(dst, gateUpOut.Row(r))
		}
		if scales != nil {
			scales[r] = tensor.MaxAbs(dst) / tensor.FP8E4M3Max
		}
	}
	return l.downScales(scales)
}

func (l *Layer) activateMasked(gateUpOut, downIn *tensor.Batch, ml *MaskedLayout) []float32 {
	var scales []float32
	if l.cfg.Quant == QuantPerToken {
		scales = make([]float32, downIn.G*downIn.M)
	}
	for e := 0; e < gateUpOut.G; e++ {
		src := gateUpOut.Group(e)
		dst := downIn.Group(e)
		for i := 0; i < int(ml.Masked[e]); i++ {
			row := dst.Row(i)
			switch l.cfg.Activation {
			case ActGelu:
				tensor.GeluMul(row, src.Row(i))
			default:
				tensor.SiluMul(row, src.Row(i))
			}
			if scales != nil {
				scales[e*downIn.M+i] = tensor.MaxAbs(row) / tensor.FP8E4M3Max
			}
		}
	}
	return l.downScales(scales)
}

func (l *Layer) downScales(perToken []float32) []float32 {
	switch l.cfg.Quant {
	case QuantNone:
		return nil
	case QuantPerToken:
		return perToken
	case QuantPerTensor:
		// The per-tensor dynamic scheme carries the down input at unit scale.
		return []float32{1}
	case QuantBlock, QuantW4A8:
		return l.weights.DownInputScale
	default:
		return nil
	}
}

// bufPool recycles float32 scratch between passes. Buffers are released as
// soon as their last consumer has been issued to bound peak memory.
type bufPool struct {
	pool sync.Pool
}

func (p *bufPool) get(n int) []float32 {
	if v := p.pool.Get(); v != nil {
		if s := v.([]float32); cap(s) >= n {
			return s[:n]
		}
	}
	return make([]float32, n)
}

func (p *bufPool) put(s []float32) {
	if cap(s) == 0 {
		return
	}
	p.pool.Put(s[:cap(s)])
}

func (l *Layer) matFromPool(r, c int) *tensor.Mat {
	return tensor.NewMatFromData(r, c, l.bufs.get(r*c))
}

func (l *Layer) releaseMat(m *tensor.Mat) {
	l.bufs.put(m.Data)
}

func (l *Layer) batchFromPool(g, m, n int) *tensor.Batch {
	return &tensor.Batch{G: g, M: m, N: n, Data: l.bufs.get(g * m * n)}
}

func (l *Layer) releaseBatch(b *tensor.Batch) {
	l.bufs.put(b.Data)
}

func cloneMat(m *tensor.Mat) *tensor.Mat {
	out := tensor.NewMat(m.R, m.C)
	for r := 0; r < m.R; r++ {
		copy(out.Row(r), m.Row(r))
	}
	return out
}

func sum32(xs []int32) int32 {
	var s int32
	for _, x := range xs {
		s += x
	}
	return s
}
