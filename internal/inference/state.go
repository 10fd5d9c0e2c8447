package inference

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/kvrt/internal/errs"
)

// State blob layout, little-endian:
//
//	header   magic "KVST" | version u32 | xxhash64(body) u64
//	body     geometry (vocab, embd, layers, kv width, cells) 5 x u32
//	         model fingerprint u64
//	         seed u32 | rng length u32 | rng bytes
//	         decodes, prompt tokens, eval tokens u32 | prompt ns, eval ns u64
//	         outputs u32 | last logits i32 | per output: flags u8, rows
//	         kv cache state
const (
	// StateVersion is the blob format written by State and accepted by
	// SetState.
	StateVersion = 2

	stateHeaderSize = 16
	geometrySize    = 5 * 4

	outLogits byte = 1 << 0
	outEmbd   byte = 1 << 1
)

var stateMagic = [4]byte{'K', 'V', 'S', 'T'}

func (c *Context) geometry() [5]uint32 {
	cfg := c.model.Config()
	return [5]uint32{
		uint32(cfg.VocabSize),
		uint32(cfg.EmbeddingSize),
		uint32(cfg.Layers),
		uint32(cfg.KVDim()),
		uint32(c.params.ContextSize),
	}
}

var geometryFields = [5]string{"vocab size", "embedding size", "layer count", "kv width", "context size"}

func (c *Context) rngBytes() []byte {
	b, _ := c.pcg.MarshalBinary()
	return b
}

func (c *Context) stateSize(kvBytes int) int {
	cfg := c.model.Config()
	n := stateHeaderSize + geometrySize + 8 + 8 + len(c.rngBytes()) + 3*4 + 2*8 + 8
	for i := range c.out.logits {
		n++
		if c.out.logits[i] != nil {
			n += 4 * cfg.VocabSize
		}
		if i < len(c.out.embd) {
			n += 4 * cfg.EmbeddingSize
		}
	}
	return n + kvBytes
}

// StateSize is an upper bound on the size of the state blob.
func (c *Context) StateSize() (int, error) {
	if err := c.claim(); err != nil {
		return 0, err
	}
	defer c.done()
	return c.stateSize(c.cache.StateSize()), nil
}

func appendFloats(dst []byte, v []float32) []byte {
	for _, f := range v {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

func (c *Context) appendState(dst []byte) []byte {
	le := binary.LittleEndian
	start := len(dst)
	dst = append(dst, stateMagic[:]...)
	dst = le.AppendUint32(dst, StateVersion)
	dst = le.AppendUint64(dst, 0)

	for _, g := range c.geometry() {
		dst = le.AppendUint32(dst, g)
	}
	dst = le.AppendUint64(dst, c.model.Fingerprint())
	rng := c.rngBytes()
	dst = le.AppendUint32(dst, c.seed)
	dst = le.AppendUint32(dst, uint32(len(rng)))
	dst = append(dst, rng...)

	t := c.timings
	dst = le.AppendUint32(dst, uint32(t.Decodes))
	dst = le.AppendUint32(dst, uint32(t.PromptTokens))
	dst = le.AppendUint32(dst, uint32(t.EvalTokens))
	dst = le.AppendUint64(dst, uint64(t.PromptEval))
	dst = le.AppendUint64(dst, uint64(t.Eval))

	dst = le.AppendUint32(dst, uint32(len(c.out.logits)))
	dst = le.AppendUint32(dst, uint32(int32(c.out.lastLogits)))
	for i, row := range c.out.logits {
		var flags byte
		if row != nil {
			flags |= outLogits
		}
		if i < len(c.out.embd) {
			flags |= outEmbd
		}
		dst = append(dst, flags)
		if row != nil {
			dst = appendFloats(dst, row)
		}
		if flags&outEmbd != 0 {
			dst = appendFloats(dst, c.out.embd[i])
		}
	}

	dst = c.cache.AppendState(dst)
	le.PutUint64(dst[start+8:], xxhash.Sum64(dst[start+stateHeaderSize:]))
	return dst
}

// CopyState writes the context state into dst and returns the bytes
// written. A short dst yields an *errs.BufferTooSmallError carrying the
// exact size.
func (c *Context) CopyState(dst []byte) (int, error) {
	if err := c.claim(); err != nil {
		return 0, err
	}
	defer c.done()
	need := c.stateSize(c.cache.EncodedSize())
	if len(dst) < need {
		return 0, &errs.BufferTooSmallError{Required: need, Available: len(dst)}
	}
	return len(c.appendState(dst[:0])), nil
}

// State returns the context state as a new slice.
func (c *Context) State() ([]byte, error) {
	if err := c.claim(); err != nil {
		return nil, err
	}
	defer c.done()
	return c.appendState(make([]byte, 0, c.stateSize(c.cache.EncodedSize()))), nil
}

type stateReader struct {
	buf []byte
	off int
	err error
}

func (r *stateReader) next(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errs.Corrupt(field, n, len(r.buf)-r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *stateReader) u32(field string) uint32 {
	if b := r.next(4, field); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *stateReader) u64(field string) uint64 {
	if b := r.next(8, field); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *stateReader) floats(n int, field string) []float32 {
	b := r.next(4*n, field)
	if b == nil {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}

// SetState restores a blob produced by CopyState or State and returns the
// number of restored cache cells. The blob must come from a context with
// the same model geometry and size. On error the context is unchanged.
func (c *Context) SetState(src []byte) (int, error) {
	if err := c.claim(); err != nil {
		return 0, err
	}
	defer c.done()

	le := binary.LittleEndian
	if len(src) < stateHeaderSize {
		return 0, errs.Corrupt("header", stateHeaderSize, len(src))
	}
	if [4]byte(src[:4]) != stateMagic {
		return 0, errs.Corrupt("magic", string(stateMagic[:]), fmt.Sprintf("%q", src[:4]))
	}
	if v := le.Uint32(src[4:]); v != StateVersion {
		return 0, errs.Corrupt("version", StateVersion, v)
	}
	if want, got := le.Uint64(src[8:]), xxhash.Sum64(src[stateHeaderSize:]); want != got {
		return 0, errs.Corrupt("checksum", fmt.Sprintf("%016x", want), fmt.Sprintf("%016x", got))
	}

	r := &stateReader{buf: src, off: stateHeaderSize}
	geo := c.geometry()
	for i, want := range geo {
		if got := r.u32(geometryFields[i]); r.err == nil && got != want {
			return 0, errs.Corrupt(geometryFields[i], want, got)
		}
	}
	if fp, want := r.u64("model fingerprint"), c.model.Fingerprint(); r.err == nil && fp != want {
		return 0, errs.Corrupt("model fingerprint", fmt.Sprintf("%016x", want), fmt.Sprintf("%016x", fp))
	}
	seed := r.u32("seed")
	rngRaw := r.next(int(r.u32("rng length")), "rng state")
	var t Timings
	t.Decodes = int(r.u32("decode count"))
	t.PromptTokens = int(r.u32("prompt tokens"))
	t.EvalTokens = int(r.u32("eval tokens"))
	t.PromptEval = time.Duration(r.u64("prompt time"))
	t.Eval = time.Duration(r.u64("eval time"))

	var out outputs
	n := int(r.u32("output count"))
	out.lastLogits = int(int32(r.u32("last logits")))
	if r.err == nil && (n > c.params.ContextSize || out.lastLogits < -1 || out.lastLogits >= max(n, 0)) {
		return 0, errs.Corrupt("outputs", c.params.ContextSize, n)
	}
	if r.err == nil && n > 0 {
		out.logits = make([][]float32, n)
		if c.params.Embeddings {
			out.embd = make([][]float32, n)
		}
	}
	for i := 0; i < n && r.err == nil; i++ {
		flags := r.next(1, "output flags")
		if flags == nil {
			break
		}
		if flags[0]&outLogits != 0 {
			out.logits[i] = r.floats(int(geo[0]), "logits")
		}
		if flags[0]&outEmbd != 0 {
			e := r.floats(int(geo[1]), "embeddings")
			if out.embd == nil {
				return 0, errs.Corrupt("embeddings", "disabled", "present")
			}
			out.embd[i] = e
		}
	}
	if r.err != nil {
		return 0, r.err
	}
	if out.lastLogits >= 0 && out.logits[out.lastLogits] == nil {
		return 0, errs.Corrupt("last logits", "row", "none")
	}
	if out.embd != nil && n > 0 && out.embd[n-1] == nil {
		return 0, errs.Corrupt("embeddings", "present", "missing")
	}

	pcg := new(rand.PCG)
	if err := pcg.UnmarshalBinary(rngRaw); err != nil {
		return 0, errs.Corrupt("rng state", nil, nil)
	}
	_, cells, err := c.cache.ReadState(src[r.off:])
	if err != nil {
		return 0, err
	}

	c.seed = seed
	c.pcg = pcg
	c.rng = rand.New(pcg)
	t.Created = c.timings.Created
	c.timings = t
	c.out = out
	c.log.Debug("state restored", "bytes", len(src), "cells", cells)
	return cells, nil
}
