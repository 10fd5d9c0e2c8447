package inference

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/kvrt/internal/backend"
	"github.com/samcharles93/kvrt/internal/errs"
	"github.com/samcharles93/kvrt/internal/kvcache"
	"github.com/samcharles93/kvrt/internal/logger"
	"github.com/samcharles93/kvrt/internal/model"
)

// SeedRandom as ContextParams.Seed draws a fresh seed.
const SeedRandom uint32 = math.MaxUint32

// pcgStream is the fixed second PCG word; the seed supplies the first.
const pcgStream = 0x9e3779b97f4a7c15

// ContextParams configures a new context. Zero values select the model
// defaults.
type ContextParams struct {
	ContextSize   int
	Seed          uint32
	RopeFreqBase  float64
	RopeFreqScale float64
	// Threads is the worker count for single-entry decodes, BatchThreads
	// for multi-entry decodes. Zero means runtime.NumCPU().
	Threads      int
	BatchThreads int
	// Embeddings keeps the final hidden state of every entry.
	Embeddings bool
	Logger     logger.Logger
}

func DefaultContextParams() ContextParams {
	return ContextParams{Seed: SeedRandom}
}

type ctxState int32

const (
	stateReady ctxState = iota
	stateBusy
	stateBroken
	stateFreed
)

var (
	// ErrBusy reports a call made while another call on the same context
	// is still running.
	ErrBusy = errors.New("inference: context is busy")
	// ErrEmbeddingsDisabled reports an embeddings read on a context created
	// without ContextParams.Embeddings.
	ErrEmbeddingsDisabled = errors.New("inference: embeddings are disabled for this context")
	// ErrNoLogits reports a logits read for an entry that did not request
	// them.
	ErrNoLogits = errors.New("inference: no logits for this entry")
)

// Context owns one KV cache and the outputs of its last decode. Calls on a
// context never run concurrently: a call made while another is in flight
// fails with ErrBusy.
type Context struct {
	id     string
	model  *Model
	params ContextParams
	log    logger.Logger

	runner *model.Runner
	cache  *kvcache.Cache

	state atomic.Int32
	fatal error

	genThreads   int
	batchThreads int

	seed uint32
	pcg  *rand.PCG
	rng  *rand.Rand

	out     outputs
	timings Timings

	closeOnce sync.Once
	cleanup   runtime.Cleanup
}

// NewContext creates a context over m. The context holds a reference to
// m until it is closed.
func NewContext(m *Model, params ContextParams) (*Context, error) {
	if m == nil {
		return nil, fmt.Errorf("new context: %w", errs.ErrInvalidHandle)
	}
	if m.VocabOnly() {
		return nil, fmt.Errorf("new context: %w: model was loaded vocab-only", errs.ErrResourceUnavailable)
	}
	backend.Init(false)
	if err := m.acquire(); err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}

	cfg := m.Config()
	if params.ContextSize <= 0 {
		params.ContextSize = cfg.TrainContext
	}
	if params.RopeFreqBase <= 0 {
		params.RopeFreqBase = cfg.RopeFreqBase
	}
	if params.RopeFreqScale <= 0 {
		params.RopeFreqScale = cfg.RopeFreqScale
	}
	if params.Logger == nil {
		params.Logger = logger.Default()
	}

	runner := model.NewRunner(cfg, m.file.Weights, params.RopeFreqBase, params.RopeFreqScale)
	cache, err := kvcache.New(kvcache.Config{
		Cells:  params.ContextSize,
		Layers: cfg.Layers,
		KVDim:  cfg.KVDim(),
		Shift:  runner.ShiftK,
	})
	if err != nil {
		m.release()
		return nil, fmt.Errorf("new context: %w: %w", errs.ErrResourceUnavailable, err)
	}

	c := &Context{
		id:      uuid.NewString(),
		model:   m,
		params:  params,
		runner:  runner,
		cache:   cache,
		timings: Timings{Created: time.Now()},
	}
	c.log = logger.Engine(params.Logger).With("ctx", c.id)
	c.setThreads(params.Threads, params.BatchThreads)
	c.seedRNG(params.Seed)
	c.out.reset()
	c.cleanup = runtime.AddCleanup(c, func(m *Model) { m.release() }, m)

	c.log.Info("context created",
		"cells", params.ContextSize,
		"layers", cfg.Layers,
		"kv_bytes", 2*params.ContextSize*cfg.Layers*cfg.KVDim()*4,
		"threads", c.genThreads,
		"batch_threads", c.batchThreads,
	)
	return c, nil
}

// WithContext creates a context, runs fn and closes the context whatever
// fn returns.
func WithContext(m *Model, params ContextParams, fn func(*Context) error) error {
	c, err := NewContext(m, params)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(c)
}

// claim moves the context from ready to busy.
func (c *Context) claim() error {
	if c.state.CompareAndSwap(int32(stateReady), int32(stateBusy)) {
		return nil
	}
	switch ctxState(c.state.Load()) {
	case stateBusy:
		return ErrBusy
	case stateBroken:
		return c.fatal
	case stateReady:
		// Lost a race with another caller that has since finished.
		return ErrBusy
	default:
		return fmt.Errorf("inference: context: %w", errs.ErrInvalidHandle)
	}
}

func (c *Context) done() {
	c.state.CompareAndSwap(int32(stateBusy), int32(stateReady))
}

// Close releases the cache and the model reference. It fails with ErrBusy
// while another call is running; closing twice is a no-op.
func (c *Context) Close() error {
	for {
		s := ctxState(c.state.Load())
		switch s {
		case stateBusy:
			return ErrBusy
		case stateFreed:
			return nil
		}
		if c.state.CompareAndSwap(int32(s), int32(stateFreed)) {
			break
		}
	}
	c.closeOnce.Do(func() {
		c.cleanup.Stop()
		c.cache = nil
		c.out.reset()
		c.model.release()
		c.log.Debug("context closed")
	})
	return nil
}

// ID is a unique identifier assigned at creation.
func (c *Context) ID() string { return c.id }

func (c *Context) Model() *Model { return c.model }

// Params returns the resolved creation parameters.
func (c *Context) Params() ContextParams { return c.params }

// ContextSize is the number of cache cells.
func (c *Context) ContextSize() int { return c.params.ContextSize }

func (c *Context) setThreads(gen, batch int) {
	if gen <= 0 {
		gen = runtime.NumCPU()
	}
	if batch <= 0 {
		batch = runtime.NumCPU()
	}
	c.genThreads, c.batchThreads = gen, batch
}

// SetThreadCounts sets the worker counts for single-entry and multi-entry
// decodes. Zero selects runtime.NumCPU().
func (c *Context) SetThreadCounts(gen, batch uint) error {
	if err := c.claim(); err != nil {
		return err
	}
	defer c.done()
	c.setThreads(int(gen), int(batch))
	return nil
}

// ThreadCounts returns the single-entry and multi-entry worker counts.
func (c *Context) ThreadCounts() (gen, batch int) { return c.genThreads, c.batchThreads }

func (c *Context) seedRNG(seed uint32) {
	if seed == SeedRandom {
		seed = rand.Uint32N(SeedRandom)
	}
	c.seed = seed
	c.pcg = rand.NewPCG(uint64(seed), pcgStream)
	c.rng = rand.New(c.pcg)
}

// SetRNGSeed reseeds the context RNG. SeedRandom draws a fresh seed.
func (c *Context) SetRNGSeed(seed uint32) error {
	if err := c.claim(); err != nil {
		return err
	}
	defer c.done()
	c.seedRNG(seed)
	return nil
}

// Seed returns the seed the RNG was last seeded with.
func (c *Context) Seed() uint32 { return c.seed }

// RNG returns the context random source. Its position is part of the saved
// state. It must not be used concurrently with other calls on c.
func (c *Context) RNG() *rand.Rand { return c.rng }
