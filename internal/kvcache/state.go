package kvcache

import (
	"encoding/binary"
	"math"

	"github.com/samcharles93/kvrt/internal/errs"
)

const stateHeaderSize = 16

func (c *Cache) cellStateSize() int {
	return 16 + 2*c.layers*c.kvDim*4
}

// StateSize is an upper bound on the bytes AppendState writes.
func (c *Cache) StateSize() int {
	return stateHeaderSize + len(c.cells)*c.cellStateSize()
}

// AppendState serialises the live cells, with their rows and arena
// indices, onto dst.
func (c *Cache) AppendState(dst []byte) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint32(dst, uint32(len(c.cells)))
	dst = le.AppendUint32(dst, uint32(c.head))
	dst = le.AppendUint32(dst, uint32(c.used))
	dst = le.AppendUint32(dst, uint32(c.layers*c.kvDim))
	for i, cl := range c.cells {
		if cl.free() {
			continue
		}
		dst = le.AppendUint32(dst, uint32(i))
		dst = le.AppendUint32(dst, uint32(cl.pos))
		dst = le.AppendUint64(dst, cl.seqs)
		for l := range c.layers {
			for _, f := range c.K(l, i) {
				dst = le.AppendUint32(dst, math.Float32bits(f))
			}
		}
		for l := range c.layers {
			for _, f := range c.V(l, i) {
				dst = le.AppendUint32(dst, math.Float32bits(f))
			}
		}
	}
	return dst
}

// ReadState replaces the cache contents with a blob written by AppendState
// and returns the bytes consumed and the number of restored cells. src must
// hold exactly one state. The cache is left untouched on error.
func (c *Cache) ReadState(src []byte) (consumed, cells int, err error) {
	le := binary.LittleEndian
	if len(src) < stateHeaderSize {
		return 0, 0, errs.Corrupt("kv header", stateHeaderSize, len(src))
	}
	size := int(le.Uint32(src[0:]))
	head := int(le.Uint32(src[4:]))
	used := int(le.Uint32(src[8:]))
	width := int(le.Uint32(src[12:]))
	switch {
	case size != len(c.cells):
		return 0, 0, errs.Corrupt("kv cells", len(c.cells), size)
	case width != c.layers*c.kvDim:
		return 0, 0, errs.Corrupt("kv row width", c.layers*c.kvDim, width)
	case head >= size || used > size:
		return 0, 0, errs.Corrupt("kv head", size, head)
	}
	need := stateHeaderSize + used*c.cellStateSize()
	if len(src) != need {
		return 0, 0, errs.Corrupt("kv payload", need, len(src))
	}

	next := make([]cell, size)
	k := make([]float32, len(c.k))
	v := make([]float32, len(c.v))
	off := stateHeaderSize
	for range used {
		idx := int(le.Uint32(src[off:]))
		if idx >= size || !next[idx].free() {
			return 0, 0, errs.Corrupt("kv cell index", nil, idx)
		}
		cl := cell{pos: Pos(int32(le.Uint32(src[off+4:]))), seqs: le.Uint64(src[off+8:])}
		if cl.free() {
			return 0, 0, errs.Corrupt("kv cell sequences", nil, idx)
		}
		next[idx] = cl
		off += 16
		for _, dst := range [2][]float32{k, v} {
			for l := range c.layers {
				row := dst[c.rowOffset(l, idx) : c.rowOffset(l, idx)+c.kvDim]
				for j := range row {
					row[j] = math.Float32frombits(le.Uint32(src[off:]))
					off += 4
				}
			}
		}
	}

	c.cells, c.k, c.v = next, k, v
	c.head, c.used = head, used
	return off, used, nil
}

// EncodedSize is the exact length AppendState would write now.
func (c *Cache) EncodedSize() int {
	return stateHeaderSize + c.used*c.cellStateSize()
}
