package kvcache

import "fmt"

// Entry is one (sequence, position) pair placed by a decode.
type Entry struct {
	Seq SeqID
	Pos Pos
}

// FindSlot returns the first index of n contiguous free cells, searching
// from the head hint and wrapping once. It never mutates the cache.
func (c *Cache) FindSlot(n int) (int, error) {
	size := len(c.cells)
	if n <= 0 {
		return 0, fmt.Errorf("kvcache: slot of %d cells", n)
	}
	if n > size || size-c.used < n {
		return 0, ErrNoSlot
	}
	for tried := 0; tried < size; tried++ {
		start := (c.head + tried) % size
		if start+n > size {
			continue
		}
		ok := true
		for i := start; i < start+n; i++ {
			if !c.cells[i].free() {
				ok = false
				// Skip past the occupied cell.
				tried += i - start
				break
			}
		}
		if ok {
			return start, nil
		}
	}
	return 0, ErrNoSlot
}

// Commit stamps entries into the cells starting at start, which must come
// from FindSlot.
func (c *Cache) Commit(start int, entries []Entry) {
	for i, e := range entries {
		cl := &c.cells[start+i]
		if cl.free() {
			c.used++
		}
		*cl = cell{pos: e.Pos, seqs: 1 << uint(e.Seq)}
	}
	c.head = (start + len(entries)) % len(c.cells)
}
