package grant

import (
	"errors"
	"sync"
)

// ErrNoSuchApp is returned when a task has been torn down.
var ErrNoSuchApp = errors.New("grant: no such task")

// AppID identifies a client task. Identities are never reused.
type AppID uint32

// Grant stores one record of type T per task.
type Grant[T any] struct {
	mu   sync.Mutex
	apps map[AppID]*T
	gone map[AppID]struct{}
}

// New returns an empty Grant.
func New[T any]() *Grant[T] {
	return &Grant[T]{
		apps: make(map[AppID]*T),
		gone: make(map[AppID]struct{}),
	}
}

// Enter runs fn with id's record, creating a zero record on first access.
// The grant is locked while fn runs, so fn must not re-enter the grant.
func (g *Grant[T]) Enter(id AppID, fn func(*T)) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dead := g.gone[id]; dead {
		return ErrNoSuchApp
	}
	rec, ok := g.apps[id]
	if !ok {
		rec = new(T)
		g.apps[id] = rec
	}
	fn(rec)
	return nil
}

// Teardown destroys id's record. Later calls to Enter for id fail.
func (g *Grant[T]) Teardown(id AppID) {
	g.mu.Lock()
	delete(g.apps, id)
	g.gone[id] = struct{}{}
	g.mu.Unlock()
}

// Len returns the number of live records.
func (g *Grant[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.apps)
}
