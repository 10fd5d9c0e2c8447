package sessionstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/kvrt/internal/batch"
	"github.com/samcharles93/kvrt/internal/errs"
	"github.com/samcharles93/kvrt/internal/inference"
	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/model"
	"github.com/samcharles93/kvrt/internal/tokenizer"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetListDelete(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	old := Record{Name: "a", Model: "m", Fingerprint: 1<<63 + 5, Tokens: []tokenizer.Token{1, 2}, State: []byte{9}, Created: time.UnixMilli(1000)}
	require.NoError(t, s.Put(ctx, old))
	require.NoError(t, s.Put(ctx, Record{Name: "b", Model: "m", State: []byte{1, 2, 3}, Created: time.UnixMilli(2000)}))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, old.Fingerprint, got.Fingerprint)
	assert.Equal(t, old.Tokens, got.Tokens)
	assert.Equal(t, old.State, got.State)
	assert.True(t, old.Created.Equal(got.Created))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].Name)
	assert.Equal(t, 3, list[0].StateBytes)
	assert.Equal(t, 2, list[1].Tokens)

	old.State = []byte{7, 7}
	require.NoError(t, s.Put(ctx, old))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7}, got.State)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "a"), ErrNotFound)
	assert.Error(t, s.Put(ctx, Record{}))
}

func TestCaptureRestore(t *testing.T) {
	t.Parallel()
	tok, err := tokenizer.ByteLevelJSON(nil, nil)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tiny.mcf")
	require.NoError(t, model.Generate(path, model.Tiny(260), 3, tok))
	m, err := inference.LoadModel(path, inference.DefaultModelParams())
	require.NoError(t, err)
	defer func() { _ = m.Close() }()

	params := inference.ContextParams{ContextSize: 16, Seed: 1, Logger: logger.Discard()}
	src, err := inference.NewContext(m, params)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	toks := []tokenizer.Token{5, 6, 7, 8}
	b, err := batch.FromTokens(toks, 0, 0, true)
	require.NoError(t, err)
	require.NoError(t, src.Decode(b))

	s := openStore(t)
	ctx := context.Background()
	_, err = s.Capture(ctx, src, "chat", toks)
	require.NoError(t, err)

	dst, err := inference.NewContext(m, params)
	require.NoError(t, err)
	defer func() { _ = dst.Close() }()
	got, stored, err := s.Restore(ctx, dst, "chat", 2)
	require.NoError(t, err)
	assert.Equal(t, 4, stored)
	assert.Equal(t, toks[:2], got)
	want, err := src.Logits()
	require.NoError(t, err)
	have, err := dst.Logits()
	require.NoError(t, err)
	assert.Equal(t, want, have)

	r, err := s.Get(ctx, "chat")
	require.NoError(t, err)
	r.Fingerprint++
	require.NoError(t, s.Put(ctx, r))
	_, _, err = s.Restore(ctx, dst, "chat", 8)
	require.ErrorIs(t, err, errs.ErrCorruptState)
}
