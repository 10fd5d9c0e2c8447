package model

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	k, v [][][]float32 // layer, cell, row
}

func newMemKV(cfg Config, cells int) *memKV {
	kv := &memKV{k: make([][][]float32, cfg.Layers), v: make([][][]float32, cfg.Layers)}
	for l := range cfg.Layers {
		kv.k[l] = make([][]float32, cells)
		kv.v[l] = make([][]float32, cells)
		for c := range cells {
			kv.k[l][c] = make([]float32, cfg.KVDim())
			kv.v[l][c] = make([]float32, cfg.KVDim())
		}
	}
	return kv
}

func (m *memKV) K(l, c int) []float32 { return m.k[l][c] }
func (m *memKV) V(l, c int) []float32 { return m.v[l][c] }

func causalBatch(tokens []int32, start int) *Batch {
	b := &Batch{Tokens: tokens}
	for i := range tokens {
		b.Pos = append(b.Pos, int32(start+i))
		b.Cells = append(b.Cells, start+i)
		vis := make([]int, start+i+1)
		for c := range vis {
			vis[c] = c
		}
		b.Visible = append(b.Visible, vis)
		b.Logits = append(b.Logits, i == len(tokens)-1)
	}
	return b
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, Tiny(300).Validate())

	bad := Tiny(300)
	bad.Heads = 5
	bad.Arch = "other"
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "architecture")
	assert.Contains(t, err.Error(), "multiple of num_heads")
}

func TestBatchedPrefillMatchesIncremental(t *testing.T) {
	t.Parallel()
	cfg := Tiny(64)
	w, err := NewRandom(cfg, 11)
	require.NoError(t, err)
	r := NewRunner(cfg, w, 0, 0)
	tokens := []int32{3, 17, 42, 5, 9}

	batched := newMemKV(cfg, 8)
	out := r.Forward(batched, causalBatch(tokens, 0), 4, false)
	want := out.Logits[len(tokens)-1]
	require.Len(t, want, cfg.VocabSize)
	for i := range len(tokens) - 1 {
		assert.Nil(t, out.Logits[i])
	}

	incremental := newMemKV(cfg, 8)
	var got []float32
	for i, tok := range tokens {
		b := causalBatch([]int32{tok}, i)
		got = r.Forward(incremental, b, 2, false).Logits[0]
	}
	assert.InDeltaSlice(t, want, got, 1e-4)
}

func TestShiftKMatchesDirectRotation(t *testing.T) {
	t.Parallel()
	cfg := Tiny(64)
	w, err := NewRandom(cfg, 5)
	require.NoError(t, err)
	r := NewRunner(cfg, w, 0, 0)

	at7 := newMemKV(cfg, 1)
	r.Forward(at7, &Batch{Tokens: []int32{9}, Pos: []int32{7}, Cells: []int{0}, Visible: [][]int{{0}}, Logits: []bool{false}}, 1, false)
	at2 := newMemKV(cfg, 1)
	r.Forward(at2, &Batch{Tokens: []int32{9}, Pos: []int32{2}, Cells: []int{0}, Visible: [][]int{{0}}, Logits: []bool{false}}, 1, false)

	for l := range cfg.Layers {
		k := at7.K(l, 0)
		r.ShiftK(k, -5)
		assert.InDeltaSlice(t, at2.K(l, 0), k, 1e-4)
		assert.Equal(t, at2.V(l, 0), at7.V(l, 0))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := Tiny(40)
	w, err := NewRandom(cfg, 1)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tiny.mcf")
	require.NoError(t, Save(path, cfg, w, []byte(`{"model":{"type":"BPE","vocab":{"a":0}}}`)))

	for _, opts := range []LoadOptions{{}, {Mmap: true}, {VocabOnly: true}} {
		f, err := Load(path, opts)
		require.NoError(t, err)
		assert.Equal(t, cfg, f.Config)
		assert.Contains(t, string(f.Tokenizer), `"BPE"`)
		if opts.VocabOnly {
			assert.Nil(t, f.Weights)
		} else {
			require.NotNil(t, f.Weights)
			assert.Equal(t, w.Embed.Data, f.Weights.Embed.Data)
			assert.Equal(t, w.Layers[1].Down.Data, f.Weights.Layers[1].Down.Data)
		}
		require.NoError(t, f.Close())
	}
	assert.Equal(t, ParamCount(cfg), int64(40*32*2+32+2*(32*2+32*32*2+16*32*2+64*32*3)))
}

func TestHiddenOutput(t *testing.T) {
	t.Parallel()
	cfg := Tiny(16)
	w, err := NewRandom(cfg, 2)
	require.NoError(t, err)
	r := NewRunner(cfg, w, 0, 0)
	b := causalBatch([]int32{1, 2}, 0)
	b.Logits = []bool{false, false}
	out := r.Forward(newMemKV(cfg, 2), b, 1, true)
	require.Len(t, out.Hidden, 2)
	assert.Len(t, out.Hidden[0], cfg.EmbeddingSize)
	assert.Nil(t, out.Logits[1])
}
