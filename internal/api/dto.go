package api

import (
	"github.com/samcharles93/kvrt/internal/inference"
	"github.com/samcharles93/kvrt/internal/kvcache"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

type ModelInfo struct {
	Desc          string `json:"desc"`
	VocabSize     int    `json:"vocab_size"`
	EmbeddingSize int    `json:"embedding_size"`
	TrainContext  int    `json:"train_context"`
	Params        int64  `json:"params"`
	Bytes         int64  `json:"bytes"`
	Mapped        bool   `json:"mapped"`
	Locked        bool   `json:"locked"`
	BOS           int32  `json:"bos"`
	EOS           int32  `json:"eos"`
}

type TokenizeRequest struct {
	Text    string `json:"text"`
	AddBOS  bool   `json:"add_bos"`
	Special bool   `json:"special"`
}

type TokenizeResponse struct {
	Tokens []tokenizer.Token `json:"tokens"`
}

type DetokenizeRequest struct {
	Tokens  []tokenizer.Token `json:"tokens"`
	Special bool              `json:"special"`
}

type DetokenizeResponse struct {
	Text string `json:"text"`
}

type CreateContextRequest struct {
	ContextSize  int     `json:"context_size,omitempty"`
	Seed         *uint32 `json:"seed,omitempty"`
	Threads      int     `json:"threads,omitempty"`
	BatchThreads int     `json:"batch_threads,omitempty"`
	Embeddings   bool    `json:"embeddings,omitempty"`
}

type ContextInfo struct {
	ID          string   `json:"id"`
	ContextSize int      `json:"context_size"`
	Used        int      `json:"used"`
	Seed        uint32   `json:"seed"`
	Embeddings  bool     `json:"embeddings"`
	Timings     *Timings `json:"timings,omitempty"`
}

type Timings struct {
	PromptTokens int     `json:"prompt_tokens"`
	PromptMS     int64   `json:"prompt_ms"`
	PromptTPS    float64 `json:"prompt_tps"`
	EvalTokens   int     `json:"eval_tokens"`
	EvalMS       int64   `json:"eval_ms"`
	EvalTPS      float64 `json:"eval_tps"`
	Decodes      int     `json:"decodes"`
}

func timingsFrom(t inference.Timings) *Timings {
	return &Timings{
		PromptTokens: t.PromptTokens,
		PromptMS:     t.PromptEval.Milliseconds(),
		PromptTPS:    t.PromptTPS(),
		EvalTokens:   t.EvalTokens,
		EvalMS:       t.Eval.Milliseconds(),
		EvalTPS:      t.EvalTPS(),
		Decodes:      t.Decodes,
	}
}

// DecodeEntry is one batch entry. Either Token or Embedding is set.
type DecodeEntry struct {
	Token     *tokenizer.Token `json:"token,omitempty"`
	Embedding []float32        `json:"embedding,omitempty"`
	Pos       kvcache.Pos      `json:"pos"`
	Seq       kvcache.SeqID    `json:"seq"`
	Logits    bool             `json:"logits"`
}

// DecodeRequest carries explicit entries, or Tokens decoded as one
// sequence from Start with logits on the last token.
type DecodeRequest struct {
	Entries      []DecodeEntry     `json:"entries,omitempty"`
	Tokens       []tokenizer.Token `json:"tokens,omitempty"`
	Start        kvcache.Pos       `json:"start,omitempty"`
	Seq          kvcache.SeqID     `json:"seq,omitempty"`
	ReturnLogits bool              `json:"return_logits,omitempty"`
}

type DecodeOutput struct {
	Index  int       `json:"index"`
	Argmax int       `json:"argmax"`
	Logits []float32 `json:"logits,omitempty"`
}

type DecodeResponse struct {
	Outcome string         `json:"outcome"`
	Outputs []DecodeOutput `json:"outputs"`
	Used    int            `json:"used"`
}

// RangeRequest addresses [P0, P1) of Seq. Missing bounds mean the start and
// the end of the sequence.
type RangeRequest struct {
	Seq   kvcache.SeqID `json:"seq"`
	Src   kvcache.SeqID `json:"src,omitempty"`
	Dst   kvcache.SeqID `json:"dst,omitempty"`
	P0    *kvcache.Pos  `json:"p0,omitempty"`
	P1    *kvcache.Pos  `json:"p1,omitempty"`
	Delta int32         `json:"delta,omitempty"`
}

func (r RangeRequest) bounds() (kvcache.Pos, kvcache.Pos) {
	p0, p1 := kvcache.Start, kvcache.End
	if r.P0 != nil {
		p0 = *r.P0
	}
	if r.P1 != nil {
		p1 = *r.P1
	}
	return p0, p1
}

type CacheResponse struct {
	Affected int `json:"affected"`
	Used     int `json:"used"`
}

type SaveStateRequest struct {
	Name   string            `json:"name"`
	Tokens []tokenizer.Token `json:"tokens,omitempty"`
}

type LoadStateRequest struct {
	Name string `json:"name"`
	// Capacity limits the returned tokens. Unset or negative returns all.
	Capacity *int `json:"capacity,omitempty"`
}

type StateResponse struct {
	Name   string            `json:"name"`
	Bytes  int               `json:"bytes,omitempty"`
	Tokens []tokenizer.Token `json:"tokens,omitempty"`
	Stored int               `json:"stored"`
	Used   int               `json:"used"`
}

type SessionInfo struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	Tokens     int    `json:"tokens"`
	StateBytes int    `json:"state_bytes"`
	Created    int64  `json:"created"`
}
