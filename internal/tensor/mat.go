package tensor

import (
	"fmt"
	"math/rand/v2"
)

// Mat is a dense row-major float32 matrix. Stride is the element distance
// between the starts of consecutive rows and equals C for packed matrices.
// Out-of-range indices panic like slice indexing does.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed r×c matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// FromData wraps data as an r×c matrix without copying.
func FromData(r, c int, data []float32) (Mat, error) {
	if r < 0 || c < 0 || r*c != len(data) {
		return Mat{}, fmt.Errorf("tensor: %d values cannot form a %dx%d matrix", len(data), r, c)
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

// Row returns a view of row i.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// FillRand fills m with reproducible values in roughly (-scale/2, scale/2).
func FillRand(m *Mat, seed uint64, scale float32) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * scale
	}
}
