package inference

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvrt/internal/batch"
	"github.com/samcharles93/kvrt/internal/errs"
	"github.com/samcharles93/kvrt/internal/kvcache"
	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/model"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

func writeTinyModel(t *testing.T) string {
	t.Helper()
	tok, err := tokenizer.ByteLevelJSON(nil, nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tiny.mcf")
	require.NoError(t, model.Generate(path, model.Tiny(260), 7, tok))
	return path
}

func loadTiny(t *testing.T, params ModelParams) *Model {
	t.Helper()
	m, err := LoadModel(writeTinyModel(t), params)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newCtx(t *testing.T, m *Model, cells int) *Context {
	t.Helper()
	c, err := NewContext(m, ContextParams{
		ContextSize:  cells,
		Seed:         42,
		Threads:      2,
		BatchThreads: 2,
		Logger:       logger.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func prompt(t *testing.T, m *Model, text string) []tokenizer.Token {
	t.Helper()
	toks, err := m.Codec().Encode(text, true, false)
	require.NoError(t, err)
	return toks
}

func decodeTokens(t *testing.T, c *Context, toks []tokenizer.Token, start kvcache.Pos, seq kvcache.SeqID) {
	t.Helper()
	b, err := batch.FromTokens(toks, start, seq, true)
	require.NoError(t, err)
	require.NoError(t, c.Decode(b))
}

func TestLoadModelFailures(t *testing.T) {
	t.Parallel()
	_, err := LoadModel(filepath.Join(t.TempDir(), "missing.mcf"), DefaultModelParams())
	require.ErrorIs(t, err, errs.ErrResourceUnavailable)
	assert.Contains(t, err.Error(), "missing.mcf")

	_, err = LoadModel("  ", DefaultModelParams())
	require.ErrorIs(t, err, errs.ErrResourceUnavailable)
}

func TestModelAccessors(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	assert.Equal(t, 260, m.VocabSize())
	assert.Equal(t, 32, m.EmbeddingSize())
	assert.Equal(t, 256, m.TrainContextSize())
	assert.Equal(t, model.ParamCount(model.Tiny(260)), m.ParamCount())
	assert.Positive(t, m.Size())
	assert.Contains(t, m.Desc(), model.Arch)
	assert.NotZero(t, m.Fingerprint())
	assert.Equal(t, 260, m.Codec().VocabSize())
}

func TestVocabOnlyModelCannotCreateContext(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, ModelParams{VocabOnly: true})
	toks := prompt(t, m, "hi")
	assert.Len(t, toks, 3)
	_, err := NewContext(m, ContextParams{Logger: logger.Discard()})
	require.ErrorIs(t, err, errs.ErrResourceUnavailable)
}

func TestDecodeReturnsRequestedLogits(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	c := newCtx(t, m, 32)
	toks := prompt(t, m, "hello")

	b, err := batch.FromTokens(toks, 0, 0, true)
	require.NoError(t, err)
	require.NoError(t, c.Decode(b))
	assert.True(t, b.Consumed())

	logits, err := c.Logits()
	require.NoError(t, err)
	assert.Len(t, logits, m.VocabSize())
	ith, err := c.LogitsIth(len(toks) - 1)
	require.NoError(t, err)
	assert.Equal(t, logits, ith)
	_, err = c.LogitsIth(0)
	assert.ErrorIs(t, err, ErrNoLogits)

	used, err := c.CacheUsed()
	require.NoError(t, err)
	assert.Equal(t, len(toks), used)

	_, err = c.Embeddings()
	assert.ErrorIs(t, err, ErrEmbeddingsDisabled)

	err = c.Decode(b)
	require.ErrorIs(t, err, batch.ErrConsumed)
	assert.Equal(t, Invalid, Outcome(err))
	assert.Equal(t, Success, Outcome(nil))
}

func TestDecodeValidation(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	c := newCtx(t, m, 16)
	decodeTokens(t, c, []tokenizer.Token{1, 2}, 0, 0)

	cases := map[string]func() *batch.Batch{
		"token out of range": func() *batch.Batch {
			b, _ := batch.FromTokens([]tokenizer.Token{9999}, 5, 0, true)
			return b
		},
		"bad sequence": func() *batch.Batch {
			b, _ := batch.FromTokens([]tokenizer.Token{1}, 5, kvcache.MaxSequences, true)
			return b
		},
		"position cached": func() *batch.Batch {
			b, _ := batch.FromTokens([]tokenizer.Token{1}, 1, 0, true)
			return b
		},
		"duplicate in batch": func() *batch.Batch {
			b, _ := batch.New(2)
			_ = b.Add(1, 7, 0, false)
			_ = b.Add(2, 7, 0, true)
			return b
		},
		"embedding width": func() *batch.Batch {
			b, _ := batch.NewEmbeddings(1, 8)
			_ = b.AddEmbedding(make([]float32, 8), 5, 0, true)
			return b
		},
		"empty": func() *batch.Batch {
			b, _ := batch.New(1)
			return b
		},
	}
	for name, build := range cases {
		err := c.Decode(build())
		require.ErrorIs(t, err, ErrInvalidBatch, name)
		assert.Equal(t, Invalid, Outcome(err), name)
	}
	used, err := c.CacheUsed()
	require.NoError(t, err)
	assert.Equal(t, 2, used, "validation failures leave the cache alone")
}

func TestEmbeddingBatchAndOutputs(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	c, err := NewContext(m, ContextParams{ContextSize: 8, Seed: 1, Embeddings: true, Logger: logger.Discard()})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	b, err := batch.NewEmbeddings(2, m.EmbeddingSize())
	require.NoError(t, err)
	vec := make([]float32, m.EmbeddingSize())
	for i := range vec {
		vec[i] = float32(i) / 10
	}
	require.NoError(t, b.AddEmbedding(vec, 0, 0, false))
	require.NoError(t, b.AddEmbedding(vec, 1, 0, true))
	require.NoError(t, c.Decode(b))

	last, err := c.Embeddings()
	require.NoError(t, err)
	assert.Len(t, last, m.EmbeddingSize())
	first, err := c.EmbeddingsIth(0)
	require.NoError(t, err)
	assert.NotEqual(t, first, last)
	_, err = c.EmbeddingsIth(2)
	assert.Error(t, err)
}

// Four cells, three used by sequence 0: a two-token batch has no slot and
// nothing changes until a contiguous pair is freed.
func TestNoKVSlotLeavesCacheUnchanged(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	c := newCtx(t, m, 4)
	decodeTokens(t, c, []tokenizer.Token{10, 11, 12}, 0, 0)

	b, err := batch.FromTokens([]tokenizer.Token{13, 14}, 3, 0, true)
	require.NoError(t, err)
	err = c.Decode(b)
	require.ErrorIs(t, err, ErrNoKVSlot)
	require.ErrorIs(t, err, errs.ErrCacheSlotUnavailable)
	assert.Equal(t, NoKVSlot, Outcome(err))
	assert.False(t, b.Consumed())

	pos, err := c.Positions(0)
	require.NoError(t, err)
	assert.Equal(t, []kvcache.Pos{0, 1, 2}, pos)

	// Cells 0 and 3 free: still no contiguous pair.
	n, err := c.RemoveRange(0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, NoKVSlot, Outcome(c.Decode(b)))

	_, err = c.RemoveRange(0, 1, 2)
	require.NoError(t, err)
	require.NoError(t, c.Decode(b))
	pos, err = c.Positions(0)
	require.NoError(t, err)
	assert.Equal(t, []kvcache.Pos{2, 3, 4}, pos)
}

func TestStateRoundTripIsBitIdentical(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	a := newCtx(t, m, 32)
	decodeTokens(t, a, prompt(t, m, "state"), 0, 0)
	_, err := a.CopyRange(0, 1, kvcache.Start, kvcache.End)
	require.NoError(t, err)

	blob, err := a.State()
	require.NoError(t, err)
	size, err := a.StateSize()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(blob), size)
	saved, err := a.Logits()
	require.NoError(t, err)
	saved = append([]float32(nil), saved...)
	aDraw := a.RNG().Uint64()
	next := prompt(t, m, "!")[1:]
	decodeTokens(t, a, next, 6, 0)
	want, err := a.Logits()
	require.NoError(t, err)

	b := newCtx(t, m, 32)
	require.NoError(t, b.SetRNGSeed(99))
	cells, err := b.SetState(blob)
	require.NoError(t, err)
	assert.Equal(t, 6, cells)
	restored, err := b.Logits()
	require.NoError(t, err)
	assert.Equal(t, saved, restored)
	assert.Equal(t, aDraw, b.RNG().Uint64())
	assert.Equal(t, a.Seed(), b.Seed())
	pos, err := b.Positions(1)
	require.NoError(t, err)
	assert.Len(t, pos, 6)

	decodeTokens(t, b, next, 6, 0)
	got, err := b.Logits()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCopyStateSizing(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	c := newCtx(t, m, 16)
	decodeTokens(t, c, []tokenizer.Token{3, 4, 5}, 0, 0)

	_, err := c.CopyState(nil)
	need, ok := errs.Required(err)
	require.True(t, ok)
	require.ErrorIs(t, err, errs.ErrCapacityExceeded)

	buf := make([]byte, need)
	n, err := c.CopyState(buf)
	require.NoError(t, err)
	assert.Equal(t, need, n)
	blob, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, blob, buf)
}

func TestSetStateRejectsMismatches(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	src := newCtx(t, m, 16)
	decodeTokens(t, src, []tokenizer.Token{3, 4, 5}, 0, 0)
	blob, err := src.State()
	require.NoError(t, err)

	dst := newCtx(t, m, 16)
	decodeTokens(t, dst, []tokenizer.Token{7}, 0, 2)

	corruptField := func(t *testing.T, c *Context, blob []byte) string {
		t.Helper()
		_, err := c.SetState(blob)
		require.ErrorIs(t, err, errs.ErrCorruptState)
		var ce *errs.CorruptStateError
		require.ErrorAs(t, err, &ce)
		return ce.Field
	}

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)-1] ^= 0xff
	assert.Equal(t, "checksum", corruptField(t, dst, flipped))

	badMagic := append([]byte(nil), blob...)
	badMagic[0] = 'X'
	assert.Equal(t, "magic", corruptField(t, dst, badMagic))

	assert.Equal(t, "header", corruptField(t, dst, blob[:4]))

	other := newCtx(t, m, 8)
	assert.Equal(t, "context size", corruptField(t, other, blob))

	// Same geometry, different weights.
	tok, err := tokenizer.ByteLevelJSON(nil, nil)
	require.NoError(t, err)
	reseeded := filepath.Join(t.TempDir(), "reseeded.mcf")
	require.NoError(t, model.Generate(reseeded, model.Tiny(260), 8, tok))
	m2, err := LoadModel(reseeded, DefaultModelParams())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m2.Close() })
	assert.Equal(t, m.Desc(), m2.Desc())
	assert.NotEqual(t, m.Fingerprint(), m2.Fingerprint())
	assert.Equal(t, "model fingerprint", corruptField(t, newCtx(t, m2, 16), blob))

	used, err := dst.CacheUsed()
	require.NoError(t, err)
	assert.Equal(t, 1, used)
	pos, err := dst.Positions(2)
	require.NoError(t, err)
	assert.Equal(t, []kvcache.Pos{0}, pos)
}

func TestShiftThenRemoveThroughContext(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	c := newCtx(t, m, 32)
	toks := make([]tokenizer.Token, 10)
	for i := range toks {
		toks[i] = tokenizer.Token(20 + i)
	}
	decodeTokens(t, c, toks, 0, 0)

	n, err := c.ShiftPositions(0, 0, kvcache.End, -5)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	removed, err := c.RemoveRange(0, -5, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	top, ok, err := c.SeqPosMax(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, kvcache.Pos(4), top)

	decodeTokens(t, c, []tokenizer.Token{40}, 5, 0)
	logits, err := c.Logits()
	require.NoError(t, err)
	for _, v := range logits {
		require.False(t, math.IsNaN(float64(v)))
	}

	kept, err := c.KeepOnly(1)
	require.NoError(t, err)
	assert.Equal(t, 6, kept)
	require.NoError(t, c.ClearCache())
	freed, err := c.RemoveCells(-1, -1)
	require.NoError(t, err)
	assert.Zero(t, freed)
}

func TestBusyContextFailsFast(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	c := newCtx(t, m, 8)

	c.state.Store(int32(stateBusy))
	b, err := batch.FromTokens([]tokenizer.Token{1}, 0, 0, true)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Decode(b), ErrBusy)
	_, err = c.RemoveRange(0, 0, kvcache.End)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, c.Close(), ErrBusy)
	c.state.Store(int32(stateReady))

	var wg sync.WaitGroup
	var busy, ok int
	var mu sync.Mutex
	for range 8 {
		wg.Go(func() {
			_, err := c.CacheUsed()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrBusy):
				busy++
			}
		})
	}
	wg.Wait()
	assert.Equal(t, 8, ok+busy)
	assert.Positive(t, ok)
}

func TestFatalDecodeBreaksContext(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, ModelParams{})
	c := newCtx(t, m, 8)
	c.runner = model.NewRunner(m.Config(), &model.Weights{}, 0, 0)

	b, err := batch.FromTokens([]tokenizer.Token{1, 2}, 0, 0, true)
	require.NoError(t, err)
	err = c.Decode(b)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, FatalPanic, fe.Code)
	assert.Equal(t, Fatal, Outcome(err))
	assert.False(t, b.Consumed())

	_, err = c.CacheUsed()
	assert.ErrorAs(t, err, &fe)
	require.NoError(t, c.Close())
	_, err = c.CacheUsed()
	assert.ErrorIs(t, err, errs.ErrInvalidHandle)
	require.NoError(t, c.Close())
}

func TestNonFiniteLogitsAreFatal(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, ModelParams{})
	m.file.Weights.Output.Row(0)[0] = float32(math.Inf(1))
	c := newCtx(t, m, 8)

	b, err := batch.FromTokens([]tokenizer.Token{1}, 0, 0, true)
	require.NoError(t, err)
	var fe *FatalError
	require.ErrorAs(t, c.Decode(b), &fe)
	assert.Equal(t, FatalNonFinite, fe.Code)
}

func TestModelOutlivesCloseWhileContextsRemain(t *testing.T) {
	t.Parallel()
	m, err := LoadModel(writeTinyModel(t), DefaultModelParams())
	require.NoError(t, err)
	c, err := NewContext(m, ContextParams{ContextSize: 8, Logger: logger.Discard()})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	_, err = NewContext(m, ContextParams{})
	require.ErrorIs(t, err, errs.ErrInvalidHandle)

	decodeTokens(t, c, []tokenizer.Token{5, 6}, 0, 0)
	require.NoError(t, c.Close())
	_, err = c.Logits()
	require.ErrorIs(t, err, errs.ErrInvalidHandle)
}

func TestWithContextClosesOnError(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	var kept *Context
	sentinel := errors.New("stop")
	err := WithContext(m, ContextParams{ContextSize: 8, Logger: logger.Discard()}, func(c *Context) error {
		kept = c
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	_, err = kept.CacheUsed()
	assert.ErrorIs(t, err, errs.ErrInvalidHandle)
}

func TestThreadsSeedAndTimings(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	c := newCtx(t, m, 16)
	require.NoError(t, c.SetThreadCounts(3, 0))
	gen, bt := c.ThreadCounts()
	assert.Equal(t, 3, gen)
	assert.Positive(t, bt)

	require.NoError(t, c.SetRNGSeed(5))
	first := c.RNG().Uint64()
	require.NoError(t, c.SetRNGSeed(5))
	assert.Equal(t, first, c.RNG().Uint64())

	decodeTokens(t, c, []tokenizer.Token{1, 2, 3}, 0, 0)
	decodeTokens(t, c, []tokenizer.Token{4}, 3, 0)
	tm, err := c.Timings()
	require.NoError(t, err)
	assert.Equal(t, 3, tm.PromptTokens)
	assert.Equal(t, 1, tm.EvalTokens)
	assert.Equal(t, 2, tm.Decodes)
	require.NoError(t, c.LogTimings())
	require.NoError(t, c.ResetTimings())
	tm, err = c.Timings()
	require.NoError(t, err)
	assert.Zero(t, tm.Decodes)
}

func TestSessionFileTruncation(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	src := newCtx(t, m, 16)
	toks := prompt(t, m, "session")
	decodeTokens(t, src, toks, 0, 0)

	path := filepath.Join(t.TempDir(), "s.session")
	require.NoError(t, src.SaveSession(path, toks))
	info, err := ReadSessionInfo(path)
	require.NoError(t, err)
	assert.Equal(t, len(toks), info.Tokens)

	dst := newCtx(t, m, 16)
	got, stored, err := dst.LoadSession(path, 3)
	require.NoError(t, err)
	assert.Equal(t, len(toks), stored)
	assert.Equal(t, toks[:3], got)
	want, err := src.Logits()
	require.NoError(t, err)
	restored, err := dst.Logits()
	require.NoError(t, err)
	assert.Equal(t, want, restored)

	all, _, err := dst.LoadSession(path, 64)
	require.NoError(t, err)
	assert.Equal(t, toks, all)
}

func TestSessionRejectsOtherModel(t *testing.T) {
	t.Parallel()
	m := loadTiny(t, DefaultModelParams())
	src := newCtx(t, m, 16)
	decodeTokens(t, src, []tokenizer.Token{1}, 0, 0)
	path := filepath.Join(t.TempDir(), "s.session")
	require.NoError(t, src.SaveSession(path, []tokenizer.Token{1}))

	tok, err := tokenizer.ByteLevelJSON(nil, nil)
	require.NoError(t, err)
	cfg := model.Tiny(260)
	cfg.Layers = 3
	otherPath := filepath.Join(t.TempDir(), "other.mcf")
	require.NoError(t, model.Generate(otherPath, cfg, 1, tok))
	other, err := LoadModel(otherPath, DefaultModelParams())
	require.NoError(t, err)
	defer func() { _ = other.Close() }()
	dst := newCtx(t, other, 16)

	_, _, err = dst.LoadSession(path, 8)
	var ce *errs.CorruptStateError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "model fingerprint", ce.Field)
}
