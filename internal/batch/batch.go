// Package batch accumulates the entries handed to one decode call.
package batch

import (
	"errors"
	"fmt"

	"github.com/samcharles93/kvrt/internal/errs"
	"github.com/samcharles93/kvrt/internal/kvcache"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

// Kind is fixed when a batch is created.
type Kind uint8

const (
	Tokens Kind = iota
	Embeddings
)

func (k Kind) String() string {
	if k == Embeddings {
		return "embeddings"
	}
	return "tokens"
}

var (
	// ErrMixedBatch reports an entry of the wrong kind.
	ErrMixedBatch = errors.New("batch: tokens and embeddings cannot be mixed")
	// ErrConsumed reports reuse of a decoded batch before Clear.
	ErrConsumed = errors.New("batch: already consumed by decode, call Clear first")
)

// Entry is a read-only view of one batch slot. Embedding is nil for token
// batches.
type Entry struct {
	Token     tokenizer.Token
	Embedding []float32
	Pos       kvcache.Pos
	Seq       kvcache.SeqID
	Logits    bool
}

// Batch has a fixed capacity and is not safe for concurrent use.
type Batch struct {
	kind   Kind
	dim    int
	n      int
	tokens []tokenizer.Token
	embd   []float32
	pos    []kvcache.Pos
	seq    []kvcache.SeqID
	logits []bool

	consumed bool
	freed    bool
}

// New returns an empty token batch holding up to capacity entries.
func New(capacity int) (*Batch, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("batch: capacity must be positive, got %d", capacity)
	}
	return &Batch{
		kind:   Tokens,
		tokens: make([]tokenizer.Token, capacity),
		pos:    make([]kvcache.Pos, capacity),
		seq:    make([]kvcache.SeqID, capacity),
		logits: make([]bool, capacity),
	}, nil
}

// NewEmbeddings returns an empty embedding batch of vectors of size dim.
func NewEmbeddings(capacity, dim int) (*Batch, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("batch: embedding size must be positive, got %d", dim)
	}
	b, err := New(capacity)
	if err != nil {
		return nil, err
	}
	b.kind, b.dim, b.tokens = Embeddings, dim, nil
	b.embd = make([]float32, capacity*dim)
	return b, nil
}

// FromTokens builds a single-sequence batch for tokens at consecutive
// positions starting at start. Only the last entry requests logits when
// logitsLast is set.
func FromTokens(tokens []tokenizer.Token, start kvcache.Pos, seq kvcache.SeqID, logitsLast bool) (*Batch, error) {
	b, err := New(len(tokens))
	if err != nil {
		return nil, err
	}
	for i, tok := range tokens {
		if err := b.Add(tok, start+kvcache.Pos(i), seq, logitsLast && i == len(tokens)-1); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Batch) check(kind Kind) error {
	switch {
	case b.freed:
		return fmt.Errorf("batch: %w", errs.ErrInvalidHandle)
	case b.consumed:
		return ErrConsumed
	case b.kind != kind:
		return ErrMixedBatch
	case b.n == len(b.pos):
		return &errs.BatchCapacityError{Capacity: len(b.pos)}
	}
	return nil
}

// Add appends a token entry.
func (b *Batch) Add(tok tokenizer.Token, pos kvcache.Pos, seq kvcache.SeqID, logits bool) error {
	if err := b.check(Tokens); err != nil {
		return err
	}
	b.tokens[b.n] = tok
	b.pos[b.n], b.seq[b.n], b.logits[b.n] = pos, seq, logits
	b.n++
	return nil
}

// AddEmbedding appends an embedding entry. The vector is copied.
func (b *Batch) AddEmbedding(vec []float32, pos kvcache.Pos, seq kvcache.SeqID, logits bool) error {
	if err := b.check(Embeddings); err != nil {
		return err
	}
	if len(vec) != b.dim {
		return fmt.Errorf("batch: embedding has %d values, batch expects %d", len(vec), b.dim)
	}
	copy(b.embd[b.n*b.dim:], vec)
	b.pos[b.n], b.seq[b.n], b.logits[b.n] = pos, seq, logits
	b.n++
	return nil
}

// SetLogits changes the logits flag of entry i.
func (b *Batch) SetLogits(i int, want bool) error {
	if b.freed {
		return fmt.Errorf("batch: %w", errs.ErrInvalidHandle)
	}
	if i < 0 || i >= b.n {
		return fmt.Errorf("batch: entry %d out of range [0,%d)", i, b.n)
	}
	b.logits[i] = want
	return nil
}

func (b *Batch) Len() int { return b.n }
func (b *Batch) Cap() int { return len(b.pos) }

func (b *Batch) Kind() Kind { return b.kind }

// EmbeddingSize is the vector width of an embedding batch, 0 for tokens.
func (b *Batch) EmbeddingSize() int { return b.dim }

// Entry returns entry i. The embedding slice aliases batch storage.
func (b *Batch) Entry(i int) Entry {
	e := Entry{Pos: b.pos[i], Seq: b.seq[i], Logits: b.logits[i]}
	if b.kind == Embeddings {
		e.Embedding = b.embd[i*b.dim : (i+1)*b.dim]
	} else {
		e.Token = b.tokens[i]
	}
	return e
}

// Consumed reports whether a decode has used the batch since the last Clear.
func (b *Batch) Consumed() bool { return b.consumed }

// MarkConsumed is called by the decoder after a successful decode.
func (b *Batch) MarkConsumed() { b.consumed = true }

// Usable reports why the batch cannot be decoded, or nil.
func (b *Batch) Usable() error {
	switch {
	case b == nil:
		return errors.New("batch: nil")
	case b.freed:
		return fmt.Errorf("batch: %w", errs.ErrInvalidHandle)
	case b.consumed:
		return ErrConsumed
	case b.n == 0:
		return errors.New("batch: empty")
	}
	return nil
}

// Clear drops all entries and makes the batch reusable.
func (b *Batch) Clear() {
	b.n = 0
	b.consumed = false
}

// Free releases the backing storage. Later calls on the batch fail with
// errs.ErrInvalidHandle; freeing twice is a no-op.
func (b *Batch) Free() {
	if b.freed {
		return
	}
	b.freed = true
	b.n = 0
	b.tokens, b.embd, b.pos, b.seq, b.logits = nil, nil, nil, nil, nil
}
