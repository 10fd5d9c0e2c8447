package model

import (
	"math"

	"github.com/samcharles93/kvrt/internal/tensor"
)

// KVRows exposes the cached key and value rows of one cache cell.
// Returned slices are written in place by the forward pass.
type KVRows interface {
	K(layer, cell int) []float32
	V(layer, cell int) []float32
}

// Batch is the input of one forward pass. Exactly one of Tokens and Embeds
// is set. Visible lists, per entry, the cache cells it attends to; it must
// include the entry's own cell.
type Batch struct {
	Tokens  []int32
	Embeds  [][]float32
	Pos     []int32
	Cells   []int
	Visible [][]int
	Logits  []bool
}

func (b *Batch) Len() int { return len(b.Pos) }

// Output holds per-entry results. Rows for entries that did not ask for
// them are nil.
type Output struct {
	Logits [][]float32
	Hidden [][]float32
}

// Runner executes the decoder over a KV store.
type Runner struct {
	cfg   Config
	w     *Weights
	freqs []float64
	scale float32
}

// NewRunner binds weights to RoPE parameters. Zero ropeBase or ropeScale
// fall back to the model configuration.
func NewRunner(cfg Config, w *Weights, ropeBase, ropeScale float64) *Runner {
	if ropeBase == 0 {
		ropeBase = cfg.RopeFreqBase
	}
	if ropeScale == 0 {
		ropeScale = cfg.RopeFreqScale
	}
	return &Runner{
		cfg:   cfg,
		w:     w,
		freqs: tensor.RopeFreqs(cfg.HeadDim(), ropeBase, ropeScale),
		scale: float32(1 / math.Sqrt(float64(cfg.HeadDim()))),
	}
}

// ShiftK re-rotates a cached key row whose position moved by delta.
func (r *Runner) ShiftK(k []float32, delta int32) {
	tensor.ApplyRoPE(k, r.cfg.KVHeads, r.cfg.HeadDim(), float64(delta), r.freqs)
}

type scratch struct {
	x, xb, q, att, proj []float32
	gate, up            []float32
	scores              []float32
}

// Forward runs every layer over the whole batch before moving to the next
// layer, writing each entry's keys and values into its cell. Multi-entry
// batches spread entries over workers; single entries spread matrix rows.
func (r *Runner) Forward(kv KVRows, b *Batch, workers int, wantHidden bool) *Output {
	cfg := r.cfg
	n := b.Len()
	h := cfg.EmbeddingSize
	entryWorkers, rowWorkers := workers, 1
	if n == 1 {
		entryWorkers, rowWorkers = 1, workers
	}

	sc := make([]scratch, n)
	for i := range sc {
		s := &sc[i]
		s.x = make([]float32, h)
		s.xb = make([]float32, h)
		s.q = make([]float32, h)
		s.att = make([]float32, h)
		s.proj = make([]float32, h)
		s.gate = make([]float32, cfg.FFNSize)
		s.up = make([]float32, cfg.FFNSize)
		s.scores = make([]float32, len(b.Visible[i]))
		if b.Embeds != nil {
			copy(s.x, b.Embeds[i])
		} else {
			copy(s.x, r.w.Embed.Row(int(b.Tokens[i])))
		}
	}

	for l := range r.w.Layers {
		layer := &r.w.Layers[l]
		tensor.ParallelFor(n, entryWorkers, func(i int) {
			s := &sc[i]
			pos := float64(b.Pos[i])
			kRow, vRow := kv.K(l, b.Cells[i]), kv.V(l, b.Cells[i])
			tensor.RMSNorm(s.xb, s.x, layer.AttnNorm, cfg.RMSEps)
			tensor.MatVec(s.q, &layer.Wq, s.xb, rowWorkers)
			tensor.MatVec(kRow, &layer.Wk, s.xb, rowWorkers)
			tensor.MatVec(vRow, &layer.Wv, s.xb, rowWorkers)
			tensor.ApplyRoPE(s.q, cfg.Heads, cfg.HeadDim(), pos, r.freqs)
			tensor.ApplyRoPE(kRow, cfg.KVHeads, cfg.HeadDim(), pos, r.freqs)
		})
		tensor.ParallelFor(n, entryWorkers, func(i int) {
			s := &sc[i]
			r.attend(kv, l, b.Visible[i], s)
			tensor.MatVec(s.proj, &layer.Wo, s.att, rowWorkers)
			tensor.Add(s.x, s.proj)

			tensor.RMSNorm(s.xb, s.x, layer.FFNNorm, cfg.RMSEps)
			tensor.MatVec(s.gate, &layer.Gate, s.xb, rowWorkers)
			tensor.MatVec(s.up, &layer.Up, s.xb, rowWorkers)
			tensor.SiluMul(s.gate, s.gate, s.up)
			tensor.MatVec(s.proj, &layer.Down, s.gate, rowWorkers)
			tensor.Add(s.x, s.proj)
		})
	}

	out := &Output{Logits: make([][]float32, n)}
	if wantHidden {
		out.Hidden = make([][]float32, n)
	}
	tensor.ParallelFor(n, entryWorkers, func(i int) {
		if !b.Logits[i] && !wantHidden {
			return
		}
		s := &sc[i]
		tensor.RMSNorm(s.xb, s.x, r.w.OutNorm, cfg.RMSEps)
		if wantHidden {
			out.Hidden[i] = append([]float32(nil), s.xb...)
		}
		if b.Logits[i] {
			logits := make([]float32, cfg.VocabSize)
			tensor.MatVec(logits, &r.w.Output, s.xb, rowWorkers)
			out.Logits[i] = logits
		}
	})
	return out
}

// attend computes grouped-query attention of s.q over the given cells.
func (r *Runner) attend(kv KVRows, layer int, cells []int, s *scratch) {
	cfg := r.cfg
	hd := cfg.HeadDim()
	clear(s.att)
	for head := range cfg.Heads {
		kvHead := head * cfg.KVHeads / cfg.Heads
		qh := s.q[head*hd : (head+1)*hd]
		for t, c := range cells {
			k := kv.K(layer, c)[kvHead*hd : (kvHead+1)*hd]
			s.scores[t] = tensor.Dot(qh, k) * r.scale
		}
		tensor.Softmax(s.scores)
		out := s.att[head*hd : (head+1)*hd]
		for t, c := range cells {
			v := kv.V(layer, c)[kvHead*hd : (kvHead+1)*hd]
			tensor.Axpy(out, s.scores[t], v)
		}
	}
}
