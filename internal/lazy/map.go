package lazy

import (
	"context"
	"sync"
)

// Map is a keyed collection of cells. Each key resolves independently and
// at most once successfully. Entries are never evicted.
type Map[K comparable, V any] struct {
	mu    sync.Mutex
	cells map[K]*Cell[V]
}

// Get returns the memoized value for key, resolving it with fn if needed.
func (m *Map[K, V]) Get(ctx context.Context, key K, fn func(ctx context.Context) (V, error)) (V, error) {
	return m.cell(key).Get(ctx, fn)
}

// Range calls fn for every resolved entry. Iteration order is unspecified.
func (m *Map[K, V]) Range(fn func(key K, value V)) {
	m.mu.Lock()
	snapshot := make(map[K]*Cell[V], len(m.cells))
	for k, c := range m.cells {
		snapshot[k] = c
	}
	m.mu.Unlock()

	for k, c := range snapshot {
		if v, ok := c.Peek(); ok {
			fn(k, v)
		}
	}
}

// Len returns the number of resolved entries.
func (m *Map[K, V]) Len() int {
	n := 0
	m.Range(func(K, V) { n++ })
	return n
}

func (m *Map[K, V]) cell(key K) *Cell[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cells == nil {
		m.cells = make(map[K]*Cell[V])
	}
	c, ok := m.cells[key]
	if !ok {
		c = &Cell[V]{}
		m.cells[key] = c
	}
	return c
}
