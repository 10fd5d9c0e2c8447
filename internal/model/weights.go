package model

import (
	"fmt"

	"github.com/samcharles93/kvrt/internal/tensor"
)

// Tensor names inside the container.
const (
	nameEmbed     = "token_embd"
	nameOutNorm   = "output_norm"
	nameOutput    = "output"
	layerTemplate = "blk.%d.%s"
)

type Layer struct {
	AttnNorm []float32
	Wq       tensor.Mat // hidden x hidden
	Wk       tensor.Mat // kvDim x hidden
	Wv       tensor.Mat // kvDim x hidden
	Wo       tensor.Mat // hidden x hidden
	FFNNorm  []float32
	Gate     tensor.Mat // ffn x hidden
	Up       tensor.Mat // ffn x hidden
	Down     tensor.Mat // hidden x ffn
}

type Weights struct {
	Embed   tensor.Mat // vocab x hidden
	Layers  []Layer
	OutNorm []float32
	Output  tensor.Mat // vocab x hidden
}

// tensorRef binds a tensor name to its shape and destination.
type tensorRef struct {
	name  string
	shape []int
	mat   *tensor.Mat
	vec   *[]float32
}

func (w *Weights) refs(cfg Config) []tensorRef {
	h, kv, ffn := cfg.EmbeddingSize, cfg.KVDim(), cfg.FFNSize
	refs := []tensorRef{
		{name: nameEmbed, shape: []int{cfg.VocabSize, h}, mat: &w.Embed},
		{name: nameOutNorm, shape: []int{h}, vec: &w.OutNorm},
		{name: nameOutput, shape: []int{cfg.VocabSize, h}, mat: &w.Output},
	}
	for i := range w.Layers {
		l := &w.Layers[i]
		name := func(s string) string { return fmt.Sprintf(layerTemplate, i, s) }
		refs = append(refs,
			tensorRef{name: name("attn_norm"), shape: []int{h}, vec: &l.AttnNorm},
			tensorRef{name: name("attn_q"), shape: []int{h, h}, mat: &l.Wq},
			tensorRef{name: name("attn_k"), shape: []int{kv, h}, mat: &l.Wk},
			tensorRef{name: name("attn_v"), shape: []int{kv, h}, mat: &l.Wv},
			tensorRef{name: name("attn_output"), shape: []int{h, h}, mat: &l.Wo},
			tensorRef{name: name("ffn_norm"), shape: []int{h}, vec: &l.FFNNorm},
			tensorRef{name: name("ffn_gate"), shape: []int{ffn, h}, mat: &l.Gate},
			tensorRef{name: name("ffn_up"), shape: []int{ffn, h}, mat: &l.Up},
			tensorRef{name: name("ffn_down"), shape: []int{h, ffn}, mat: &l.Down},
		)
	}
	return refs
}

func (r tensorRef) data() []float32 {
	if r.mat != nil {
		return r.mat.Data
	}
	return *r.vec
}

// ParamCount returns the number of scalar parameters described by cfg.
func ParamCount(cfg Config) int64 {
	var w Weights
	w.Layers = make([]Layer, cfg.Layers)
	var n int64
	for _, r := range w.refs(cfg) {
		p := int64(1)
		for _, d := range r.shape {
			p *= int64(d)
		}
		n += p
	}
	return n
}

// NewRandom builds reproducible random weights for cfg. Norm weights are
// one so the random projections dominate.
func NewRandom(cfg Config, seed uint64) (*Weights, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &Weights{Layers: make([]Layer, cfg.Layers)}
	for i, r := range w.refs(cfg) {
		if r.vec != nil {
			v := make([]float32, r.shape[0])
			for j := range v {
				v[j] = 1
			}
			*r.vec = v
			continue
		}
		m := tensor.NewMat(r.shape[0], r.shape[1])
		tensor.FillRand(&m, seed+uint64(i)*7919, 0.5)
		*r.mat = m
	}
	return w, nil
}
