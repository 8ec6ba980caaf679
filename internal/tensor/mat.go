package tensor

import "math/rand"

// Mat represents a dense row-major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows (for row-major
// matrices this is equal to C). Data holds the flattened matrix values.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised. The stride is set to the
// number of columns.
func NewMat(r, c int) *Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) *Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return &Mat{
		R:      r,
		C:      c,
		Stride: c,
		Data:   data,
	}
}

// Row returns a view of the i-th row of the matrix as a slice. The slice
// has length equal to the number of columns. Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// RowRange returns a view of rows [lo, hi) as a matrix sharing the same
// backing storage.
func (m *Mat) RowRange(lo, hi int) *Mat {
	if lo < 0 || hi < lo || hi > m.R {
		panic("row range out of bounds")
	}
	return &Mat{
		R:      hi - lo,
		C:      m.C,
		Stride: m.Stride,
		Data:   m.Data[lo*m.Stride : lo*m.Stride+(hi-lo)*m.Stride],
	}
}

// Batch is a dense [G, M, N] batch of G equally-sized row-major matrices
// sharing one backing slice. It is the layout used for capacity-bounded
// (masked) grouped matmuls, where M is the fixed per-group capacity and
// only a per-group prefix of rows is meaningful.
type Batch struct {
	G, M, N int
	Data    []float32
}

// NewBatch allocates a zeroed [g, m, n] batch.
func NewBatch(g, m, n int) *Batch {
	if g < 0 || m < 0 || n < 0 {
		panic("negative dimension for batch")
	}
	return &Batch{G: g, M: m, N: n, Data: make([]float32, g*m*n)}
}

// Group returns the i-th group as a matrix view over the shared storage.
func (b *Batch) Group(i int) *Mat {
	if i < 0 || i >= b.G {
		panic("group index out of range")
	}
	off := i * b.M * b.N
	return &Mat{R: b.M, C: b.N, Stride: b.N, Data: b.Data[off : off+b.M*b.N]}
}

// FillRand fills the matrix with reproducible pseudo-random values. A small
// range around zero is used to avoid overflow in accumulations. The seed
// controls the random sequence; multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}
