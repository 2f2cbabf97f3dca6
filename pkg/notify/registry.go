// Package notify provides a payload-free subscriber registry. Subscribers are
// told that something changed and re-read the state they care about.
package notify

import (
	"sort"
	"sync"
)

// Registry tracks subscriber callbacks. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func()
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{subs: make(map[uint64]func())}
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (r *Registry) Subscribe(fn func()) func() {
	if fn == nil {
		return func() {}
	}

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Notify calls every subscriber once, in subscription order. The registry
// lock is not held while callbacks run so they may subscribe or unsubscribe.
func (r *Registry) Notify() {
	for _, fn := range r.snapshot() {
		fn()
	}
}

// Len returns the number of active subscribers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Registry) snapshot() []func() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uint64, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	return fns
}
