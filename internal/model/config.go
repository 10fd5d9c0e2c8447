package model

import (
	"errors"
	"fmt"
)

// Arch is the only architecture this runtime executes: a pre-norm decoder
// with grouped-query attention, RoPE and a SwiGLU feed-forward block.
const Arch = "kvrt-llama"

// Config holds the hyper-parameters stored in the ModelInfo section.
type Config struct {
	Arch          string  `json:"architecture"`
	VocabSize     int     `json:"vocab_size"`
	EmbeddingSize int     `json:"hidden_size"`
	Layers        int     `json:"num_layers"`
	Heads         int     `json:"num_heads"`
	KVHeads       int     `json:"num_kv_heads"`
	FFNSize       int     `json:"ffn_size"`
	TrainContext  int     `json:"context_length"`
	RMSEps        float32 `json:"rms_norm_eps"`
	RopeFreqBase  float64 `json:"rope_freq_base"`
	RopeFreqScale float64 `json:"rope_freq_scale,omitempty"`
	BOSToken      string  `json:"bos_token,omitempty"`
	EOSToken      string  `json:"eos_token,omitempty"`
}

func (c Config) HeadDim() int { return c.EmbeddingSize / c.Heads }

// KVDim is the width of one cached key or value row.
func (c Config) KVDim() int { return c.KVHeads * c.HeadDim() }

func (c Config) Validate() error {
	var problems []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Errorf(format, args...))
		}
	}
	check(c.Arch == Arch, "architecture %q is not %q", c.Arch, Arch)
	check(c.VocabSize > 0, "vocab_size must be positive")
	check(c.Layers > 0, "num_layers must be positive")
	check(c.Heads > 0 && c.EmbeddingSize > 0 && c.EmbeddingSize%c.Heads == 0,
		"hidden_size %d must be a positive multiple of num_heads %d", c.EmbeddingSize, c.Heads)
	check(c.KVHeads > 0 && c.Heads%max(c.KVHeads, 1) == 0,
		"num_heads %d must be a multiple of num_kv_heads %d", c.Heads, c.KVHeads)
	check(c.Heads == 0 || c.HeadDim()%2 == 0, "head dimension must be even for RoPE")
	check(c.FFNSize > 0, "ffn_size must be positive")
	check(c.TrainContext > 0, "context_length must be positive")
	check(c.RopeFreqBase > 0, "rope_freq_base must be positive")
	return errors.Join(problems...)
}

// Tiny returns a configuration small enough for tests and smoke runs.
func Tiny(vocab int) Config {
	return Config{
		Arch:          Arch,
		VocabSize:     vocab,
		EmbeddingSize: 32,
		Layers:        2,
		Heads:         4,
		KVHeads:       2,
		FFNSize:       64,
		TrainContext:  256,
		RMSEps:        1e-5,
		RopeFreqBase:  10000,
	}
}
