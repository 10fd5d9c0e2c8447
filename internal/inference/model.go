// Package inference binds a loaded model, its KV cache and the decode loop
// into contexts that callers drive batch by batch.
package inference

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/kvrt/internal/backend"
	"github.com/samcharles93/kvrt/internal/errs"
	"github.com/samcharles93/kvrt/internal/model"
	"github.com/samcharles93/kvrt/internal/tensor"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

// ModelParams controls how a model file is loaded.
type ModelParams struct {
	// GPULayers is recorded for reporting; every layer runs on the CPU.
	GPULayers int
	UseMmap   bool
	UseMlock  bool
	// VocabOnly loads the tokenizer without weights. Such models can
	// tokenize but cannot create contexts.
	VocabOnly bool
}

func DefaultModelParams() ModelParams {
	return ModelParams{UseMmap: true}
}

// Model is a loaded model shared by any number of contexts. It stays
// loaded until Close has been called and every context using it is closed.
type Model struct {
	path   string
	params ModelParams
	file   *model.File
	codec  *tokenizer.Codec
	desc   string
	fp     uint64

	mu     sync.Mutex
	refs   int
	closed bool
}

// LoadModel opens the model container at path.
func LoadModel(path string, params ModelParams) (*Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("load model: %w: path is required", errs.ErrResourceUnavailable)
	}
	f, err := model.Load(path, model.LoadOptions{
		Mmap:      params.UseMmap && backend.MmapSupported(),
		Mlock:     params.UseMlock,
		VocabOnly: params.VocabOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w: %w", path, errs.ErrResourceUnavailable, err)
	}
	cfg := f.Config
	codec, err := tokenizer.Load(f.Tokenizer, tokenizer.Options{BOS: cfg.BOSToken, EOS: cfg.EOSToken})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("load model %s: %w: %w", path, errs.ErrResourceUnavailable, err)
	}
	m := &Model{
		path:   path,
		params: params,
		file:   f,
		codec:  codec,
		refs:   1,
	}
	m.desc = fmt.Sprintf("%s %dL %dd %dh/%dkv vocab %d ctx %d %.2fM params f32",
		cfg.Arch, cfg.Layers, cfg.EmbeddingSize, cfg.Heads, cfg.KVHeads,
		cfg.VocabSize, cfg.TrainContext, float64(model.ParamCount(cfg))/1e6)
	m.fp = fingerprint(m.desc, f)
	return m, nil
}

// fingerprint hashes the geometry, the vocabulary and a sample of weight
// rows, so same-shaped models with different weights differ. Vocab-only
// loads hash no weights.
func fingerprint(desc string, f *model.File) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(desc)
	_, _ = d.Write(f.Tokenizer)
	w := f.Weights
	if w == nil {
		return d.Sum64()
	}
	var buf []byte
	add := func(v []float32) {
		buf = appendFloats(buf[:0], v)
		_, _ = d.Write(buf)
	}
	firstRow := func(m *tensor.Mat) {
		if m.R > 0 {
			add(m.Row(0))
		}
	}
	firstRow(&w.Embed)
	add(w.OutNorm)
	firstRow(&w.Output)
	for i := range w.Layers {
		firstRow(&w.Layers[i].Wq)
		firstRow(&w.Layers[i].Down)
	}
	return d.Sum64()
}

// acquire takes a reference for a new context.
func (m *Model) acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("model: %w", errs.ErrInvalidHandle)
	}
	m.refs++
	return nil
}

func (m *Model) release() {
	m.mu.Lock()
	m.refs--
	last := m.refs == 0
	m.mu.Unlock()
	if last {
		_ = m.file.Close()
	}
}

// Close drops the caller's reference. The weights are released once the
// last context using them is closed. Closing twice is a no-op.
func (m *Model) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.refs--
	last := m.refs == 0
	m.mu.Unlock()
	if last {
		return m.file.Close()
	}
	return nil
}

// Config returns the model hyper-parameters.
func (m *Model) Config() model.Config { return m.file.Config }

func (m *Model) Codec() *tokenizer.Codec { return m.codec }

func (m *Model) VocabSize() int        { return m.file.Config.VocabSize }
func (m *Model) EmbeddingSize() int    { return m.file.Config.EmbeddingSize }
func (m *Model) TrainContextSize() int { return m.file.Config.TrainContext }
func (m *Model) Layers() int           { return m.file.Config.Layers }

// Size is the byte size of the model container.
func (m *Model) Size() int64 { return m.file.Bytes }

func (m *Model) ParamCount() int64 { return model.ParamCount(m.file.Config) }

// Desc is a one-line human readable summary.
func (m *Model) Desc() string { return m.desc }

// Fingerprint identifies the model geometry, vocabulary and weights. State
// saved by a context of one model can only be restored into a context of a
// model with the same fingerprint.
func (m *Model) Fingerprint() uint64 { return m.fp }

func (m *Model) Path() string        { return m.path }
func (m *Model) Params() ModelParams { return m.params }
func (m *Model) VocabOnly() bool     { return m.params.VocabOnly }
func (m *Model) Mapped() bool        { return m.file.Mapped() }
func (m *Model) Locked() bool        { return m.file.Locked() }
