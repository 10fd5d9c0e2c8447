package inference

import (
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/kvrt/internal/batch"
	"github.com/samcharles93/kvrt/internal/errs"
	"github.com/samcharles93/kvrt/internal/kvcache"
	"github.com/samcharles93/kvrt/internal/model"
	"github.com/samcharles93/kvrt/internal/tensor"
)

// ErrNoKVSlot reports a decode that found no contiguous run of free cells
// for the batch. The cache and the batch are unchanged; evict entries or
// split the batch and retry.
var ErrNoKVSlot = fmt.Errorf("inference: decode: %w", errs.ErrCacheSlotUnavailable)

// ErrInvalidBatch wraps every batch validation failure.
var ErrInvalidBatch = errors.New("inference: invalid batch")

// Fatal decode codes.
const (
	FatalPanic     = -1
	FatalNonFinite = -2
)

// FatalError reports a decode that failed inside the forward pass. The
// context is unusable afterwards and returns the same error from every
// call until it is closed.
type FatalError struct {
	Code  int
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("inference: fatal decode error (code %d): %v", e.Code, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// DecodeOutcome classifies the error returned by Decode.
type DecodeOutcome int

const (
	Success DecodeOutcome = iota
	NoKVSlot
	Fatal
	Invalid
)

func (o DecodeOutcome) String() string {
	switch o {
	case Success:
		return "success"
	case NoKVSlot:
		return "no_kv_slot"
	case Fatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// Outcome maps a Decode error onto a DecodeOutcome.
func Outcome(err error) DecodeOutcome {
	var fe *FatalError
	switch {
	case err == nil:
		return Success
	case errors.Is(err, errs.ErrCacheSlotUnavailable):
		return NoKVSlot
	case errors.As(err, &fe):
		return Fatal
	default:
		return Invalid
	}
}

// outputs holds the rows produced by the last successful decode, indexed
// by batch position.
type outputs struct {
	logits     [][]float32
	embd       [][]float32
	lastLogits int
}

func (o *outputs) reset() {
	o.logits, o.embd, o.lastLogits = nil, nil, -1
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidBatch, fmt.Sprintf(format, args...))
}

func (c *Context) validate(b *batch.Batch) error {
	if err := b.Usable(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBatch, err)
	}
	cfg := c.model.Config()
	if b.Kind() == batch.Embeddings && b.EmbeddingSize() != cfg.EmbeddingSize {
		return invalid("embedding size %d, model expects %d", b.EmbeddingSize(), cfg.EmbeddingSize)
	}
	seen := make(map[kvcache.Entry]struct{}, b.Len())
	for i := range b.Len() {
		e := b.Entry(i)
		if b.Kind() == batch.Tokens && (e.Token < 0 || int(e.Token) >= cfg.VocabSize) {
			return invalid("entry %d: token %d outside vocabulary [0,%d)", i, e.Token, cfg.VocabSize)
		}
		if !kvcache.ValidSeq(e.Seq) {
			return invalid("entry %d: sequence %d outside [0,%d)", i, e.Seq, kvcache.MaxSequences)
		}
		key := kvcache.Entry{Seq: e.Seq, Pos: e.Pos}
		if _, dup := seen[key]; dup {
			return invalid("entry %d: position %d of sequence %d appears twice", i, e.Pos, e.Seq)
		}
		seen[key] = struct{}{}
		if c.cache.Contains(e.Seq, e.Pos) {
			return invalid("entry %d: position %d of sequence %d is already cached", i, e.Pos, e.Seq)
		}
	}
	return nil
}

// Decode runs the batch through the model, appending its keys and values
// to the cache. On success the batch is marked consumed and the requested
// logits are available by batch index. See Outcome for the error classes.
func (c *Context) Decode(b *batch.Batch) error {
	if err := c.claim(); err != nil {
		return err
	}
	broken := false
	defer func() {
		if !broken {
			c.done()
		}
	}()

	if err := c.validate(b); err != nil {
		return err
	}

	n := b.Len()
	start, err := c.cache.FindSlot(n)
	if err != nil {
		c.log.Warn("no KV slot for batch", "need", n, "used", c.cache.Used(), "cells", c.cache.Size())
		return fmt.Errorf("%w: need %d contiguous cells, %d of %d in use", ErrNoKVSlot, n, c.cache.Used(), c.cache.Size())
	}

	entries := make([]kvcache.Entry, n)
	mb := &model.Batch{
		Pos:     make([]int32, n),
		Cells:   make([]int, n),
		Visible: make([][]int, n),
		Logits:  make([]bool, n),
	}
	if b.Kind() == batch.Embeddings {
		mb.Embeds = make([][]float32, n)
	} else {
		mb.Tokens = make([]int32, n)
	}
	for i := range n {
		e := b.Entry(i)
		entries[i] = kvcache.Entry{Seq: e.Seq, Pos: e.Pos}
		mb.Pos[i] = int32(e.Pos)
		mb.Cells[i] = start + i
		mb.Logits[i] = e.Logits
		if mb.Embeds != nil {
			mb.Embeds[i] = e.Embedding
		} else {
			mb.Tokens[i] = int32(e.Token)
		}
	}
	c.cache.Commit(start, entries)
	for i, e := range entries {
		mb.Visible[i] = c.cache.Visible(e.Seq, e.Pos)
	}

	workers := c.batchThreads
	if n == 1 {
		workers = c.genThreads
	}
	began := time.Now()
	out, err := c.forward(mb, workers)
	if err != nil {
		broken = true
		c.fatal = err
		c.state.Store(int32(stateBroken))
		c.log.Error("decode failed, context is now unusable", "error", err, "entries", n)
		return err
	}
	c.timings.record(n, time.Since(began))

	c.out.logits = out.Logits
	c.out.embd = out.Hidden
	c.out.lastLogits = -1
	for i := n - 1; i >= 0; i-- {
		if mb.Logits[i] {
			c.out.lastLogits = i
			break
		}
	}
	b.MarkConsumed()
	c.log.Debug("decoded batch", "entries", n, "start_cell", start, "used", c.cache.Used())
	return nil
}

// forward runs the model and converts panics and non-finite results into
// a FatalError.
func (c *Context) forward(mb *model.Batch, workers int) (out *model.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, &FatalError{Code: FatalPanic, Cause: fmt.Errorf("panic in forward: %v", rec)}
		}
	}()
	out = c.runner.Forward(c.cache, mb, workers, c.params.Embeddings)
	for i, row := range out.Logits {
		if row != nil && !tensor.Finite(row) {
			return nil, &FatalError{Code: FatalNonFinite, Cause: fmt.Errorf("non-finite logits for entry %d", i)}
		}
	}
	return out, nil
}

// Logits returns the logits of the last entry of the last decode that
// asked for any. The slice is valid until the next Decode or SetState.
func (c *Context) Logits() ([]float32, error) {
	if err := c.claim(); err != nil {
		return nil, err
	}
	defer c.done()
	if c.out.lastLogits < 0 {
		return nil, ErrNoLogits
	}
	return c.out.logits[c.out.lastLogits], nil
}

// LogitsIth returns the logits of batch entry i of the last decode.
func (c *Context) LogitsIth(i int) ([]float32, error) {
	if err := c.claim(); err != nil {
		return nil, err
	}
	defer c.done()
	if i < 0 || i >= len(c.out.logits) || c.out.logits[i] == nil {
		return nil, fmt.Errorf("%w: entry %d", ErrNoLogits, i)
	}
	return c.out.logits[i], nil
}

// Embeddings returns the final hidden state of the last entry of the last
// decode.
func (c *Context) Embeddings() ([]float32, error) {
	if err := c.claim(); err != nil {
		return nil, err
	}
	defer c.done()
	if !c.params.Embeddings {
		return nil, ErrEmbeddingsDisabled
	}
	if len(c.out.embd) == 0 {
		return nil, errors.New("inference: no decode has run")
	}
	return c.out.embd[len(c.out.embd)-1], nil
}

// EmbeddingsIth returns the final hidden state of batch entry i.
func (c *Context) EmbeddingsIth(i int) ([]float32, error) {
	if err := c.claim(); err != nil {
		return nil, err
	}
	defer c.done()
	if !c.params.Embeddings {
		return nil, ErrEmbeddingsDisabled
	}
	if i < 0 || i >= len(c.out.embd) {
		return nil, fmt.Errorf("inference: no embedding for entry %d", i)
	}
	return c.out.embd[i], nil
}
