package api

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/kvrt/internal/inference"
)

// entry serialises HTTP requests against one context so that concurrent
// requests queue instead of failing with ErrBusy.
type entry struct {
	mu      sync.Mutex
	ctx     *inference.Context
	created time.Time
}

// Registry tracks the contexts created through the API.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   int
}

func NewRegistry(limit int) *Registry {
	return &Registry{entries: make(map[string]*entry), limit: limit}
}

func (r *Registry) Add(c *inference.Context, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.entries) >= r.limit {
		return newInvalidRequest(fmt.Sprintf("context limit of %d reached", r.limit))
	}
	r.entries[c.ID()] = &entry{ctx: c, created: now}
	return nil
}

// With runs fn with exclusive use of the context id.
func (r *Registry) With(id string, fn func(c *inference.Context) error) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: context %q", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.ctx)
}

// Remove unregisters and closes the context id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: context %q", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx.Close()
}

// IDs returns the registered context ids, oldest first.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	type idAt struct {
		id string
		at time.Time
	}
	all := make([]idAt, 0, len(r.entries))
	for id, e := range r.entries {
		all = append(all, idAt{id, e.created})
	}
	slices.SortFunc(all, func(a, b idAt) int {
		if c := a.at.Compare(b.at); c != 0 {
			return c
		}
		return strings.Compare(a.id, b.id)
	})
	ids := make([]string, len(all))
	for i, a := range all {
		ids[i] = a.id
	}
	return ids
}

// CloseAll closes every context.
func (r *Registry) CloseAll() {
	for _, id := range r.IDs() {
		_ = r.Remove(id)
	}
}
