package tensor

import "runtime"

// The NT ("B transposed") product is the only shape the MoE pipeline needs:
// activations are [tokens, k] row-major and every expert weight is stored
// [n, k] row-major, so each output element is a plain row-row dot product.

type gemmTask struct {
	C, A, B *Mat
	rs, re  int
	done    chan struct{}
}

type gemmPool struct {
	size      int
	tasks     chan gemmTask
	doneSlots chan chan struct{}
}

func newGemmPool() *gemmPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &gemmPool{
		size:      size,
		tasks:     make(chan gemmTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for w := 0; w < size; w++ {
		go func() {
			for task := range p.tasks {
				gemmNTRange(task.C, task.A, task.B, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

var gemmWorkPool = newGemmPool()

// GemmNT computes C = A * B^T, parallelising across ranges of output rows.
// A is [m, k], B is [n, k], C is [m, n].
func GemmNT(C, A, B *Mat, workers int) {
	if A.C != B.C || C.R != A.R || C.C != B.R {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > C.R {
		workers = C.R
	}
	if workers <= 1 {
		gemmNTRange(C, A, B, 0, C.R)
		return
	}
	if workers > gemmWorkPool.size {
		workers = gemmWorkPool.size
	}

	chunk := (C.R + workers - 1) / workers

	done := <-gemmWorkPool.doneSlots
	issued := 0
	for w := 0; w < workers; w++ {
		rs := w * chunk
		re := rs + chunk
		if re > C.R {
			re = C.R
		}
		if rs >= re {
			break
		}
		gemmWorkPool.tasks <- gemmTask{C: C, A: A, B: B, rs: rs, re: re, done: done}
		issued++
	}
	for i := 0; i < issued; i++ {
		<-done
	}
	gemmWorkPool.doneSlots <- done
}

func gemmNTRange(C, A, B *Mat, rs, re int) {
	for r := rs; r < re; r++ {
		a := A.Data[r*A.Stride : r*A.Stride+A.C]
		out := C.Data[r*C.Stride : r*C.Stride+C.C]
		for n := 0; n < B.R; n++ {
			b := B.Data[n*B.Stride : n*B.Stride+B.C]
			out[n] = Dot(a, b)
		}
	}
}
