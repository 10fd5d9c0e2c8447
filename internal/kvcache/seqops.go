package kvcache

import "math"

func normRange(p0, p1 Pos) (Pos, Pos) {
	if p1 < 0 {
		p1 = math.MaxInt32
	}
	return p0, p1
}

func inRange(p, p0, p1 Pos) bool {
	return p >= p0 && (p < p1 || p1 == math.MaxInt32)
}

// RemoveRange evicts the cells of seq with positions in [p0, p1) and
// returns how many sequence references were dropped. p1 < 0 means to the
// end and AnySeq matches every sequence. Cells left without a sequence are
// freed.
func (c *Cache) RemoveRange(seq SeqID, p0, p1 Pos) int {
	if seq != AnySeq && !ValidSeq(seq) {
		return 0
	}
	p0, p1 = normRange(p0, p1)
	removed := 0
	for i := range c.cells {
		cl := &c.cells[i]
		if cl.free() || !inRange(cl.pos, p0, p1) {
			continue
		}
		switch {
		case seq == AnySeq:
			removed++
			c.release(i)
		case cl.has(seq):
			removed++
			cl.seqs &^= 1 << uint(seq)
			if cl.free() {
				c.used--
			}
		}
	}
	if removed > 0 && c.used == 0 {
		c.head = 0
	}
	return removed
}

// RemoveCells frees the cells with index in [c0, c1) regardless of owner.
// Negative bounds mean the start and the end of the arena.
func (c *Cache) RemoveCells(c0, c1 int) int {
	if c0 < 0 {
		c0 = 0
	}
	if c1 < 0 || c1 > len(c.cells) {
		c1 = len(c.cells)
	}
	removed := 0
	for i := c0; i < c1; i++ {
		if !c.cells[i].free() {
			c.release(i)
			removed++
		}
	}
	if c0 < c.head {
		c.head = c0
	}
	return removed
}

// CopyRange makes dst share the cells of src with positions in [p0, p1).
// Where dst already holds a cell at one of those positions it drops it first
// so positions stay unique; its other cells are left alone. No key or value
// rows are copied. It returns the number of cells shared, which is zero when
// src has nothing in range or src equals dst. An out-of-range src or dst
// returns ErrInvalidSeq.
func (c *Cache) CopyRange(src, dst SeqID, p0, p1 Pos) (int, error) {
	if !ValidSeq(src) || !ValidSeq(dst) {
		return 0, ErrInvalidSeq
	}
	if src == dst {
		return 0, nil
	}
	p0, p1 = normRange(p0, p1)
	covered := make(map[Pos]bool)
	for _, cl := range c.cells {
		if cl.has(src) && inRange(cl.pos, p0, p1) {
			covered[cl.pos] = true
		}
	}
	if len(covered) == 0 {
		return 0, nil
	}
	for i := range c.cells {
		cl := &c.cells[i]
		if cl.has(dst) && !cl.has(src) && covered[cl.pos] {
			cl.seqs &^= 1 << uint(dst)
			if cl.free() {
				c.used--
			}
		}
	}
	var shared int
	for i := range c.cells {
		cl := &c.cells[i]
		if cl.has(src) && inRange(cl.pos, p0, p1) {
			cl.seqs |= 1 << uint(dst)
			shared++
		}
	}
	return shared, nil
}

// KeepOnly evicts every cell seq does not reference and detaches all other
// sequences from the rest.
func (c *Cache) KeepOnly(seq SeqID) int {
	evicted := 0
	for i := range c.cells {
		cl := &c.cells[i]
		if cl.free() {
			continue
		}
		if ValidSeq(seq) && cl.has(seq) {
			cl.seqs = 1 << uint(seq)
			continue
		}
		c.release(i)
		evicted++
	}
	if c.used == 0 {
		c.head = 0
	}
	return evicted
}

// ShiftPositions adds delta to the positions of seq in [p0, p1) and
// re-rotates their keys. Cells shared with other sequences are first split
// off into free cells so the other sequences keep their positions. The call
// changes nothing when it fails: ErrPositionConflict if a new position is
// already taken by seq outside the range, ErrNoSlot if there are not enough
// free cells for the split.
func (c *Cache) ShiftPositions(seq SeqID, p0, p1 Pos, delta int32) (int, error) {
	if !ValidSeq(seq) || delta == 0 {
		return 0, nil
	}
	p0, p1 = normRange(p0, p1)

	var moving, staying []int
	for i, cl := range c.cells {
		if !cl.has(seq) {
			continue
		}
		if inRange(cl.pos, p0, p1) {
			moving = append(moving, i)
		} else {
			staying = append(staying, i)
		}
	}
	if len(moving) == 0 {
		return 0, nil
	}

	taken := make(map[Pos]bool, len(staying))
	for _, i := range staying {
		taken[c.cells[i].pos] = true
	}
	splits := 0
	for _, i := range moving {
		np := int64(c.cells[i].pos) + int64(delta)
		if np < math.MinInt32 || np > math.MaxInt32-1 || taken[Pos(np)] {
			return 0, ErrPositionConflict
		}
		if c.cells[i].shared() {
			splits++
		}
	}
	if splits > len(c.cells)-c.used {
		return 0, ErrNoSlot
	}

	free := 0
	for _, i := range moving {
		target := i
		if c.cells[i].shared() {
			for !c.cells[free].free() {
				free++
			}
			target = free
			c.copyRows(target, i)
			c.cells[i].seqs &^= 1 << uint(seq)
			c.cells[target] = cell{pos: c.cells[i].pos, seqs: 1 << uint(seq)}
			c.used++
		}
		c.cells[target].pos += Pos(delta)
		if c.shift != nil {
			for l := range c.layers {
				c.shift(c.K(l, target), delta)
			}
		}
	}
	return len(moving), nil
}

func (c *Cache) copyRows(dst, src int) {
	for l := range c.layers {
		copy(c.K(l, dst), c.K(l, src))
		copy(c.V(l, dst), c.V(l, src))
	}
}
