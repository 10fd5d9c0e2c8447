package tensor

import "sync"

// minRowsPerWorker keeps tiny matrices on the calling goroutine.
const minRowsPerWorker = 16

// MatVec computes dst = w·x, splitting rows across up to workers goroutines.
func MatVec(dst []float32, w *Mat, x []float32, workers int) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}
	workers = min(workers, w.R/minRowsPerWorker)
	if workers <= 1 {
		matVecRange(dst, w, x, 0, w.R)
		return
	}
	chunk := (w.R + workers - 1) / workers
	var (
		wg sync.WaitGroup
		wp workerPanic
	)
	for rs := 0; rs < w.R; rs += chunk {
		re := min(rs+chunk, w.R)
		wg.Go(func() { wp.guard(func() { matVecRange(dst, w, x, rs, re) }) })
	}
	wg.Wait()
	wp.repanic()
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	x = x[:w.C]
	for r := rs; r < re; r++ {
		dst[r] = Dot(w.Data[r*w.Stride:r*w.Stride+w.C], x)
	}
}

// ParallelFor runs fn(i) for i in [0,n) on up to workers goroutines. A
// panic in fn is re-raised on the calling goroutine.
func ParallelFor(n, workers int, fn func(i int)) {
	if workers <= 1 || n <= 1 {
		for i := range n {
			fn(i)
		}
		return
	}
	workers = min(workers, n)
	next := make(chan int, n)
	for i := range n {
		next <- i
	}
	close(next)
	var (
		wg sync.WaitGroup
		wp workerPanic
	)
	for range workers {
		wg.Go(func() {
			wp.guard(func() {
				for i := range next {
					fn(i)
				}
			})
		})
	}
	wg.Wait()
	wp.repanic()
}

// workerPanic carries the first panic raised by a worker back to the
// goroutine waiting on the workers, where callers can recover it.
type workerPanic struct {
	mu  sync.Mutex
	val any
	hit bool
}

func (p *workerPanic) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			if !p.hit {
				p.val, p.hit = r, true
			}
			p.mu.Unlock()
		}
	}()
	fn()
}

func (p *workerPanic) repanic() {
	if p.hit {
		panic(p.val)
	}
}
