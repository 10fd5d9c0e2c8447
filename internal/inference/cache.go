package inference

import (
	"fmt"

	"github.com/samcharles93/kvrt/internal/kvcache"
)

func (c *Context) withCache(fn func(kc *kvcache.Cache) error) error {
	if err := c.claim(); err != nil {
		return err
	}
	defer c.done()
	return fn(c.cache)
}

// RemoveRange evicts positions [p0, p1) of seq. kvcache.End as p1 means to
// the end; kvcache.AnySeq matches every sequence.
func (c *Context) RemoveRange(seq kvcache.SeqID, p0, p1 kvcache.Pos) (int, error) {
	var n int
	err := c.withCache(func(kc *kvcache.Cache) error {
		n = kc.RemoveRange(seq, p0, p1)
		return nil
	})
	if err == nil && n > 0 {
		c.log.Debug("removed range", "seq", seq, "p0", p0, "p1", p1, "refs", n)
	}
	return n, err
}

// CopyRange makes dst share the cached positions [p0, p1) of src.
func (c *Context) CopyRange(src, dst kvcache.SeqID, p0, p1 kvcache.Pos) (int, error) {
	var n int
	err := c.withCache(func(kc *kvcache.Cache) (err error) {
		n, err = kc.CopyRange(src, dst, p0, p1)
		return err
	})
	return n, err
}

// KeepOnly evicts every sequence except seq.
func (c *Context) KeepOnly(seq kvcache.SeqID) (int, error) {
	var n int
	err := c.withCache(func(kc *kvcache.Cache) error {
		n = kc.KeepOnly(seq)
		return nil
	})
	return n, err
}

// ShiftPositions adds delta to the positions [p0, p1) of seq.
func (c *Context) ShiftPositions(seq kvcache.SeqID, p0, p1 kvcache.Pos, delta int32) (int, error) {
	var n int
	err := c.withCache(func(kc *kvcache.Cache) (err error) {
		n, err = kc.ShiftPositions(seq, p0, p1, delta)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("shift seq %d by %d: %w", seq, delta, err)
	}
	return n, nil
}

// ClearCache evicts every cell.
func (c *Context) ClearCache() error {
	return c.withCache(func(kc *kvcache.Cache) error {
		kc.Clear()
		return nil
	})
}

// RemoveCells frees the cells with index in [c0, c1). Negative bounds mean
// the start and the end of the cache.
func (c *Context) RemoveCells(c0, c1 int) (int, error) {
	var n int
	err := c.withCache(func(kc *kvcache.Cache) error {
		n = kc.RemoveCells(c0, c1)
		return nil
	})
	return n, err
}

// SeqPosMax returns the highest cached position of seq.
func (c *Context) SeqPosMax(seq kvcache.SeqID) (pos kvcache.Pos, ok bool, err error) {
	err = c.withCache(func(kc *kvcache.Cache) error {
		pos, ok = kc.SeqPosMax(seq)
		return nil
	})
	return pos, ok, err
}

// Positions returns the cached positions of seq in ascending order.
func (c *Context) Positions(seq kvcache.SeqID) ([]kvcache.Pos, error) {
	var ps []kvcache.Pos
	err := c.withCache(func(kc *kvcache.Cache) error {
		ps = kc.Positions(seq)
		return nil
	})
	return ps, err
}

// CacheUsed returns the number of occupied cells.
func (c *Context) CacheUsed() (int, error) {
	var n int
	err := c.withCache(func(kc *kvcache.Cache) error {
		n = kc.Used()
		return nil
	})
	return n, err
}
