// Package kvcache manages the attention key/value cache of one inference
// context.
//
// The cache is an arena of cells. Each cell stores one key row and one
// value row per layer together with a position and the set of sequences
// that reference it. Sequences that share a prefix share cells, so forking a
// sequence costs no storage. Cells are never compacted: gaps left by
// eviction stay gaps.
package kvcache

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"slices"

	"github.com/samcharles93/kvrt/internal/errs"
)

// SeqID identifies a logical token sequence.
type SeqID int32

// Pos is a position within a sequence. Negative values appear after a
// negative shift.
type Pos int32

const (
	// MaxSequences bounds the sequence ids a cache can track.
	MaxSequences = 64
	// AnySeq matches every sequence in RemoveRange.
	AnySeq SeqID = -1
	// End as p1 extends a range to the last position.
	End Pos = -1
	// Start as p0 begins a range at the lowest representable position.
	Start Pos = math.MinInt32
)

var (
	// ErrNoSlot reports that no contiguous run of free cells is large enough.
	ErrNoSlot = fmt.Errorf("kvcache: %w", errs.ErrCacheSlotUnavailable)
	// ErrPositionConflict reports a shift that would give two cells of one
	// sequence the same position.
	ErrPositionConflict = errors.New("kvcache: shifted position collides with an existing cell")
	// ErrInvalidSeq reports a sequence id outside [0, MaxSequences).
	ErrInvalidSeq = errors.New("kvcache: sequence id out of range")
)

type cell struct {
	pos  Pos
	seqs uint64
}

func (c cell) has(s SeqID) bool { return c.seqs&(1<<uint(s)) != 0 }
func (c cell) free() bool       { return c.seqs == 0 }
func (c cell) shared() bool     { return bits.OnesCount64(c.seqs) > 1 }

// ValidSeq reports whether s can be stored in a cache.
func ValidSeq(s SeqID) bool { return s >= 0 && s < MaxSequences }

// Shifter re-rotates a cached key row after its position moved by delta.
type Shifter func(k []float32, delta int32)

// Config sizes a cache.
type Config struct {
	Cells  int
	Layers int
	KVDim  int
	// Shift is applied to every key row whose position changes. Nil leaves
	// keys untouched.
	Shift Shifter
}

// Cache is not safe for concurrent use; the owning context serialises
// access.
type Cache struct {
	cells  []cell
	k, v   []float32
	layers int
	kvDim  int
	head   int
	used   int
	shift  Shifter
}

func New(cfg Config) (*Cache, error) {
	if cfg.Cells <= 0 || cfg.Layers <= 0 || cfg.KVDim <= 0 {
		return nil, fmt.Errorf("kvcache: invalid geometry %d cells x %d layers x %d", cfg.Cells, cfg.Layers, cfg.KVDim)
	}
	n := cfg.Cells * cfg.Layers * cfg.KVDim
	return &Cache{
		cells:  make([]cell, cfg.Cells),
		k:      make([]float32, n),
		v:      make([]float32, n),
		layers: cfg.Layers,
		kvDim:  cfg.KVDim,
		shift:  cfg.Shift,
	}, nil
}

// Size is the number of cells.
func (c *Cache) Size() int { return len(c.cells) }

// Used is the number of live cells.
func (c *Cache) Used() int { return c.used }

func (c *Cache) Layers() int { return c.layers }
func (c *Cache) KVDim() int  { return c.kvDim }

func (c *Cache) rowOffset(layer, i int) int {
	return (layer*len(c.cells) + i) * c.kvDim
}

// K returns the key row of cell i in layer.
func (c *Cache) K(layer, i int) []float32 {
	off := c.rowOffset(layer, i)
	return c.k[off : off+c.kvDim]
}

// V returns the value row of cell i in layer.
func (c *Cache) V(layer, i int) []float32 {
	off := c.rowOffset(layer, i)
	return c.v[off : off+c.kvDim]
}

func (c *Cache) release(i int) {
	if !c.cells[i].free() {
		c.cells[i] = cell{}
		c.used--
	}
}

// Clear evicts every cell.
func (c *Cache) Clear() {
	clear(c.cells)
	c.used = 0
	c.head = 0
}

// Contains reports whether seq has a cell at pos.
func (c *Cache) Contains(seq SeqID, pos Pos) bool {
	if !ValidSeq(seq) {
		return false
	}
	for _, cl := range c.cells {
		if cl.has(seq) && cl.pos == pos {
			return true
		}
	}
	return false
}

// Positions returns the positions held by seq in ascending order.
func (c *Cache) Positions(seq SeqID) []Pos {
	if !ValidSeq(seq) {
		return nil
	}
	var out []Pos
	for _, cl := range c.cells {
		if cl.has(seq) {
			out = append(out, cl.pos)
		}
	}
	slices.Sort(out)
	return out
}

// SeqPosMax returns the largest position of seq.
func (c *Cache) SeqPosMax(seq SeqID) (Pos, bool) {
	p := c.Positions(seq)
	if len(p) == 0 {
		return 0, false
	}
	return p[len(p)-1], true
}

// Sequences lists the sequence ids with at least one cell.
func (c *Cache) Sequences() []SeqID {
	var all uint64
	for _, cl := range c.cells {
		all |= cl.seqs
	}
	var out []SeqID
	for all != 0 {
		s := bits.TrailingZeros64(all)
		out = append(out, SeqID(s))
		all &^= 1 << uint(s)
	}
	return out
}

// Visible returns, in cell order, the cells of seq at or before pos.
func (c *Cache) Visible(seq SeqID, pos Pos) []int {
	var out []int
	for i, cl := range c.cells {
		if cl.has(seq) && cl.pos <= pos {
			out = append(out, i)
		}
	}
	return out
}
