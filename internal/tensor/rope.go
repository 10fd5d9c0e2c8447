package tensor

import "math"

// RopeFreqs returns the per-pair inverse frequencies for a head of size
// headDim. scale multiplies positions (linear RoPE scaling); 0 means 1.
func RopeFreqs(headDim int, base, scale float64) []float64 {
	if scale == 0 {
		scale = 1
	}
	inv := make([]float64, headDim/2)
	for i := range inv {
		inv[i] = scale / math.Pow(base, float64(2*i)/float64(headDim))
	}
	return inv
}

// ApplyRoPE rotates every head of x by pos using interleaved pairs.
// Rotations compose additively, so applying delta to a vector already
// rotated by p yields the rotation for p+delta.
func ApplyRoPE(x []float32, nHead, headDim int, pos float64, invFreq []float64) {
	if headDim%2 != 0 {
		panic("headDim must be even for RoPE")
	}
	for i := range headDim / 2 {
		s, c := math.Sincos(pos * invFreq[i])
		sf, cf := float32(s), float32(c)
		for h := range nHead {
			i0 := h*headDim + 2*i
			x0, x1 := x[i0], x[i0+1]
			x[i0] = x0*cf - x1*sf
			x[i0+1] = x0*sf + x1*cf
		}
	}
}
