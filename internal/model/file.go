package model

import (
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kvrt/internal/tensor"
	"github.com/samcharles93/kvrt/pkg/mcf"
)

// File is an opened model container. Weights alias the container memory
// and stay valid until Close.
type File struct {
	Config    Config
	Weights   *Weights
	Tokenizer []byte
	Bytes     int64

	mf *mcf.File
}

// LoadOptions selects how the container is read.
type LoadOptions struct {
	Mmap      bool
	Mlock     bool
	VocabOnly bool
}

// Save writes cfg, w and the tokenizer.json payload to path.
func Save(path string, cfg Config, w *Weights, tokenizerJSON []byte) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	mw, err := mcf.NewWriter(f)
	if err != nil {
		return err
	}
	info, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := mw.WriteSection(mcf.SectionModelInfo, 1, info); err != nil {
		return err
	}
	if err := mw.WriteSection(mcf.SectionTokenizer, 1, tokenizerJSON); err != nil {
		return err
	}
	tw, err := mw.BeginTensors()
	if err != nil {
		return err
	}
	for _, r := range w.refs(cfg) {
		if err := tw.Add(r.name, r.shape, r.data()); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := mw.Finalise(); err != nil {
		return err
	}
	return f.Close()
}

// Load opens the model container at path.
func Load(path string, opts LoadOptions) (*File, error) {
	mf, err := mcf.Open(path, mcf.OpenOptions{Mmap: opts.Mmap, Mlock: opts.Mlock})
	if err != nil {
		return nil, err
	}
	out, err := load(mf, opts.VocabOnly)
	if err != nil {
		_ = mf.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

func load(mf *mcf.File, vocabOnly bool) (*File, error) {
	raw, err := mf.Bytes(mcf.SectionModelInfo)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("model info: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model info: %w", err)
	}
	tok, err := mf.Bytes(mcf.SectionTokenizer)
	if err != nil {
		return nil, err
	}
	out := &File{Config: cfg, Tokenizer: tok, Bytes: int64(len(mf.Data)), mf: mf}
	if vocabOnly {
		return out, nil
	}

	idx, err := mcf.ReadTensorIndex(mf)
	if err != nil {
		return nil, err
	}
	w := &Weights{Layers: make([]Layer, cfg.Layers)}
	for _, r := range w.refs(cfg) {
		e, ok := idx.Find(r.name)
		if !ok {
			return nil, fmt.Errorf("%w: tensor %s", mcf.ErrMissingSection, r.name)
		}
		if !slices.Equal(e.Shape, r.shape) {
			return nil, fmt.Errorf("tensor %s: shape %v, want %v", r.name, e.Shape, r.shape)
		}
		data, err := mcf.Float32s(mf, e)
		if err != nil {
			return nil, err
		}
		if r.vec != nil {
			*r.vec = data
			continue
		}
		m, err := tensor.FromData(r.shape[0], r.shape[1], data)
		if err != nil {
			return nil, err
		}
		*r.mat = m
	}
	out.Weights = w
	return out, nil
}

// Mapped reports whether the weights alias a file mapping.
func (f *File) Mapped() bool { return f.mf != nil && f.mf.Mapped() }

// Locked reports whether the mapping is pinned in memory.
func (f *File) Locked() bool { return f.mf != nil && f.mf.Locked() }

// Close releases the container. Weights must not be used afterwards.
func (f *File) Close() error {
	if f == nil || f.mf == nil {
		return nil
	}
	err := f.mf.Close()
	f.mf = nil
	f.Weights = nil
	return err
}

// Generate writes a model with reproducible random weights to path.
func Generate(path string, cfg Config, seed uint64, tokenizerJSON []byte) error {
	w, err := NewRandom(cfg, seed)
	if err != nil {
		return err
	}
	return Save(path, cfg, w, tokenizerJSON)
}
