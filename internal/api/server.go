// Package api exposes tokenization, context lifecycle, decode, cache
// editing and state persistence over HTTP.
package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"golang.org/x/time/rate"

	"github.com/samcharles93/kvrt/internal/batch"
	"github.com/samcharles93/kvrt/internal/inference"
	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/sessionstore"
	"github.com/samcharles93/kvrt/internal/tensor"
)

// Config wires a Server.
type Config struct {
	Model *inference.Model
	// Store enables the state endpoints. Nil disables them.
	Store *sessionstore.Store
	// DecodeRate limits decode requests per second across all contexts.
	// Zero disables the limit.
	DecodeRate  float64
	DecodeBurst int
	MaxContexts int
	// MaxContextSize caps the cells a client may request per context.
	// Zero means the model's training context.
	MaxContextSize int
	Logger         logger.Logger
}

type Server struct {
	model    *inference.Model
	store    *sessionstore.Store
	contexts *Registry
	limiter  *rate.Limiter
	maxCells int
	log      logger.Logger
	clock    func() time.Time
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.DecodeRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DecodeRate), max(cfg.DecodeBurst, 1))
	}
	if cfg.MaxContextSize <= 0 {
		cfg.MaxContextSize = cfg.Model.TrainContextSize()
	}
	return &Server{
		model:    cfg.Model,
		store:    cfg.Store,
		contexts: NewRegistry(cfg.MaxContexts),
		limiter:  limiter,
		maxCells: cfg.MaxContextSize,
		log:      cfg.Logger,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/tokenize", s.handleTokenize)
	e.POST("/v1/detokenize", s.handleDetokenize)

	e.POST("/v1/contexts", s.handleCreateContext)
	e.GET("/v1/contexts", s.handleListContexts)
	e.GET("/v1/contexts/:id", s.handleGetContext)
	e.DELETE("/v1/contexts/:id", s.handleDeleteContext)
	e.POST("/v1/contexts/:id/decode", s.handleDecode, s.rateLimit)

	e.POST("/v1/contexts/:id/cache/remove", s.handleCacheRemove)
	e.POST("/v1/contexts/:id/cache/copy", s.handleCacheCopy)
	e.POST("/v1/contexts/:id/cache/keep", s.handleCacheKeep)
	e.POST("/v1/contexts/:id/cache/shift", s.handleCacheShift)
	e.POST("/v1/contexts/:id/cache/clear", s.handleCacheClear)

	e.POST("/v1/contexts/:id/state/save", s.handleSaveState)
	e.POST("/v1/contexts/:id/state/load", s.handleLoadState)
	e.GET("/v1/sessions", s.handleListSessions)
	e.DELETE("/v1/sessions/:name", s.handleDeleteSession)
}

// Close releases every context created through the server.
func (s *Server) Close() {
	s.contexts.CloseAll()
}

func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if !s.limiter.Allow() {
			return writeError(c, http.StatusTooManyRequests, "rate_limited", "decode rate limit exceeded")
		}
		return next(c)
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return out, newInvalidRequest(fmt.Sprintf("invalid JSON body: %v", err))
	}
	return out, nil
}

func writeJSON(c *echo.Context, status int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.JSONBlob(status, b)
}

func (s *Server) handleModel(c *echo.Context) error {
	m := s.model
	return writeJSON(c, http.StatusOK, ModelInfo{
		Desc:          m.Desc(),
		VocabSize:     m.VocabSize(),
		EmbeddingSize: m.EmbeddingSize(),
		TrainContext:  m.TrainContextSize(),
		Params:        m.ParamCount(),
		Bytes:         m.Size(),
		Mapped:        m.Mapped(),
		Locked:        m.Locked(),
		BOS:           int32(m.Codec().BOS()),
		EOS:           int32(m.Codec().EOS()),
	})
}

func (s *Server) handleTokenize(c *echo.Context) error {
	req, err := decodeJSON[TokenizeRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	toks, err := s.model.Codec().Encode(req.Text, req.AddBOS, req.Special)
	if err != nil {
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, TokenizeResponse{Tokens: toks})
}

func (s *Server) handleDetokenize(c *echo.Context) error {
	req, err := decodeJSON[DetokenizeRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	text, err := s.model.Codec().Detokenize(req.Tokens, req.Special)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	return writeJSON(c, http.StatusOK, DetokenizeResponse{Text: text})
}

func (s *Server) handleCreateContext(c *echo.Context) error {
	req, err := decodeJSON[CreateContextRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	if req.ContextSize < 0 || req.ContextSize > s.maxCells {
		return writeErr(c, newInvalidRequest(fmt.Sprintf("context_size must be between 0 and %d", s.maxCells)))
	}
	params := inference.ContextParams{
		ContextSize:  req.ContextSize,
		Seed:         inference.SeedRandom,
		Threads:      req.Threads,
		BatchThreads: req.BatchThreads,
		Embeddings:   req.Embeddings,
		Logger:       s.log,
	}
	if req.Seed != nil {
		params.Seed = *req.Seed
	}
	ctx, err := inference.NewContext(s.model, params)
	if err != nil {
		return writeErr(c, err)
	}
	if err := s.contexts.Add(ctx, s.clock()); err != nil {
		_ = ctx.Close()
		return writeErr(c, err)
	}
	s.log.Info("context registered", "ctx", ctx.ID(), "cells", ctx.ContextSize())
	return writeJSON(c, http.StatusCreated, ContextInfo{
		ID:          ctx.ID(),
		ContextSize: ctx.ContextSize(),
		Seed:        ctx.Seed(),
		Embeddings:  req.Embeddings,
	})
}

func contextInfo(ctx *inference.Context) (ContextInfo, error) {
	used, err := ctx.CacheUsed()
	if err != nil {
		return ContextInfo{}, err
	}
	t, err := ctx.Timings()
	if err != nil {
		return ContextInfo{}, err
	}
	return ContextInfo{
		ID:          ctx.ID(),
		ContextSize: ctx.ContextSize(),
		Used:        used,
		Seed:        ctx.Seed(),
		Embeddings:  ctx.Params().Embeddings,
		Timings:     timingsFrom(t),
	}, nil
}

func (s *Server) handleListContexts(c *echo.Context) error {
	out := []ContextInfo{}
	for _, id := range s.contexts.IDs() {
		err := s.contexts.With(id, func(ctx *inference.Context) error {
			info, err := contextInfo(ctx)
			if err == nil {
				out = append(out, info)
			}
			return err
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return writeErr(c, err)
		}
	}
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleGetContext(c *echo.Context) error {
	var info ContextInfo
	err := s.contexts.With(c.Param("id"), func(ctx *inference.Context) (err error) {
		info, err = contextInfo(ctx)
		return err
	})
	if err != nil {
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, info)
}

func (s *Server) handleDeleteContext(c *echo.Context) error {
	id := c.Param("id")
	if err := s.contexts.Remove(id); err != nil {
		return writeErr(c, err)
	}
	s.log.Info("context removed", "ctx", id)
	return c.NoContent(http.StatusNoContent)
}

func buildBatch(req DecodeRequest, embdSize int) (*batch.Batch, error) {
	if len(req.Tokens) > 0 {
		if len(req.Entries) > 0 {
			return nil, newInvalidRequest("tokens and entries are mutually exclusive")
		}
		return batch.FromTokens(req.Tokens, req.Start, req.Seq, true)
	}
	if len(req.Entries) == 0 {
		return nil, newInvalidRequest("tokens or entries are required")
	}
	embeds := req.Entries[0].Embedding != nil
	var (
		b   *batch.Batch
		err error
	)
	if embeds {
		b, err = batch.NewEmbeddings(len(req.Entries), embdSize)
	} else {
		b, err = batch.New(len(req.Entries))
	}
	if err != nil {
		return nil, err
	}
	for i, e := range req.Entries {
		switch {
		case embeds && e.Embedding != nil:
			err = b.AddEmbedding(e.Embedding, e.Pos, e.Seq, e.Logits)
		case !embeds && e.Token != nil:
			err = b.Add(*e.Token, e.Pos, e.Seq, e.Logits)
		default:
			err = newInvalidRequest(fmt.Sprintf("entry %d: every entry needs a token, or every entry an embedding", i))
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	return b, nil
}

func (s *Server) handleDecode(c *echo.Context) error {
	req, err := decodeJSON[DecodeRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	b, err := buildBatch(req, s.model.EmbeddingSize())
	if err != nil {
		return writeErr(c, err)
	}
	defer b.Free()

	var resp DecodeResponse
	err = s.contexts.With(c.Param("id"), func(ctx *inference.Context) error {
		derr := ctx.Decode(b)
		resp.Outcome = inference.Outcome(derr).String()
		if derr != nil {
			return derr
		}
		resp.Outputs = []DecodeOutput{}
		for i := range b.Len() {
			if !b.Entry(i).Logits {
				continue
			}
			logits, err := ctx.LogitsIth(i)
			if err != nil {
				return err
			}
			out := DecodeOutput{Index: i, Argmax: tensor.Argmax(logits)}
			if req.ReturnLogits {
				out.Logits = logits
			}
			resp.Outputs = append(resp.Outputs, out)
		}
		used, err := ctx.CacheUsed()
		resp.Used = used
		return err
	})
	if err != nil {
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, resp)
}

// cacheOp runs op on the context named in the path and reports the number
// of affected cells.
func (s *Server) cacheOp(c *echo.Context, op func(ctx *inference.Context, req RangeRequest) (int, error)) error {
	req, err := decodeJSON[RangeRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	var resp CacheResponse
	err = s.contexts.With(c.Param("id"), func(ctx *inference.Context) (err error) {
		if resp.Affected, err = op(ctx, req); err != nil {
			return err
		}
		resp.Used, err = ctx.CacheUsed()
		return err
	})
	if err != nil {
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleCacheRemove(c *echo.Context) error {
	return s.cacheOp(c, func(ctx *inference.Context, req RangeRequest) (int, error) {
		p0, p1 := req.bounds()
		return ctx.RemoveRange(req.Seq, p0, p1)
	})
}

func (s *Server) handleCacheCopy(c *echo.Context) error {
	return s.cacheOp(c, func(ctx *inference.Context, req RangeRequest) (int, error) {
		p0, p1 := req.bounds()
		return ctx.CopyRange(req.Src, req.Dst, p0, p1)
	})
}

func (s *Server) handleCacheKeep(c *echo.Context) error {
	return s.cacheOp(c, func(ctx *inference.Context, req RangeRequest) (int, error) {
		return ctx.KeepOnly(req.Seq)
	})
}

func (s *Server) handleCacheShift(c *echo.Context) error {
	return s.cacheOp(c, func(ctx *inference.Context, req RangeRequest) (int, error) {
		p0, p1 := req.bounds()
		return ctx.ShiftPositions(req.Seq, p0, p1, req.Delta)
	})
}

func (s *Server) handleCacheClear(c *echo.Context) error {
	return s.cacheOp(c, func(ctx *inference.Context, _ RangeRequest) (int, error) {
		used, err := ctx.CacheUsed()
		if err != nil {
			return 0, err
		}
		return used, ctx.ClearCache()
	})
}

func (s *Server) requireStore(c *echo.Context) bool {
	if s.store != nil {
		return true
	}
	_ = writeError(c, http.StatusNotImplemented, "not_configured", "session store is not configured")
	return false
}

func (s *Server) handleSaveState(c *echo.Context) error {
	if !s.requireStore(c) {
		return nil
	}
	req, err := decodeJSON[SaveStateRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	if req.Name == "" {
		return writeBadRequest(c, "name is required")
	}
	var resp StateResponse
	err = s.contexts.With(c.Param("id"), func(ctx *inference.Context) error {
		rec, err := s.store.Capture(c.Request().Context(), ctx, req.Name, req.Tokens)
		if err != nil {
			return err
		}
		resp = StateResponse{Name: rec.Name, Bytes: len(rec.State), Stored: len(rec.Tokens)}
		resp.Used, err = ctx.CacheUsed()
		return err
	})
	if err != nil {
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleLoadState(c *echo.Context) error {
	if !s.requireStore(c) {
		return nil
	}
	req, err := decodeJSON[LoadStateRequest](c.Request().Body)
	if err != nil {
		return writeErr(c, err)
	}
	if req.Name == "" {
		return writeBadRequest(c, "name is required")
	}
	capacity := -1
	if req.Capacity != nil {
		capacity = *req.Capacity
	}
	var resp StateResponse
	err = s.contexts.With(c.Param("id"), func(ctx *inference.Context) error {
		toks, stored, err := s.store.Restore(c.Request().Context(), ctx, req.Name, capacity)
		if err != nil {
			return err
		}
		resp = StateResponse{Name: req.Name, Tokens: toks, Stored: stored}
		resp.Used, err = ctx.CacheUsed()
		return err
	})
	if err != nil {
		return writeErr(c, err)
	}
	return writeJSON(c, http.StatusOK, resp)
}

func (s *Server) handleListSessions(c *echo.Context) error {
	if !s.requireStore(c) {
		return nil
	}
	infos, err := s.store.List(c.Request().Context())
	if err != nil {
		return writeErr(c, err)
	}
	out := make([]SessionInfo, 0, len(infos))
	for _, in := range infos {
		out = append(out, SessionInfo{
			Name:       in.Name,
			Model:      in.Model,
			Tokens:     in.Tokens,
			StateBytes: in.StateBytes,
			Created:    in.Created.Unix(),
		})
	}
	return writeJSON(c, http.StatusOK, out)
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	if !s.requireStore(c) {
		return nil
	}
	if err := s.store.Delete(c.Request().Context(), c.Param("name")); err != nil {
		return writeErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
