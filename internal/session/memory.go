package session

import (
	"sync"
	"time"
)

type entry[V any] struct {
	data     V
	deadline time.Time
}

// MemStore is an in memory Store that automatically expires entries.
//
// Expired entries are dropped lazily when accessed and swept in bulk at most
// once per lifetime period, which keeps memory bounded without a janitor
// goroutine.
type MemStore[K comparable, V any] struct {
	mut       sync.Mutex
	lifetime  time.Duration
	sliding   bool
	entries   map[K]entry[V]
	nextSweep time.Time
}

// NewMemStore instantiates a new MemStore expiring entries after lifetime.
// With sliding set, successful Get calls push the entry deadline forward.
// It errors if lifetime <= 0.
func NewMemStore[K comparable, V any](lifetime time.Duration, sliding bool) (*MemStore[K, V], error) {
	if lifetime <= 0 {
		return nil, newError("Invalid lifetime %d <= 0", lifetime)
	}

	return &MemStore[K, V]{
		lifetime: lifetime,
		sliding:  sliding,
		entries:  make(map[K]entry[V]),
	}, nil
}

// Get returns the value indexed by key.
// The bool flag is true if a live entry exists in the MemStore.
func (self *MemStore[K, V]) Get(key K) (V, bool) {
	var v V

	self.mut.Lock()
	defer self.mut.Unlock()

	now := time.Now()
	e, present := self.entries[key]
	if !present {
		return v, false
	}
	if now.After(e.deadline) {
		delete(self.entries, key)
		return v, false
	}
	if self.sliding {
		e.deadline = now.Add(self.lifetime)
		self.entries[key] = e
	}

	return e.data, true
}

// Set registers key, data in the MemStore resetting the entry deadline.
func (self *MemStore[K, V]) Set(key K, data V) {
	self.mut.Lock()
	defer self.mut.Unlock()

	now := time.Now()
	self.sweep(now)
	self.entries[key] = entry[V]{data: data, deadline: now.Add(self.lifetime)}
}

// Delete removes the key from the MemStore.
// It returns true if a live entry was effectively removed.
func (self *MemStore[K, V]) Delete(key K) bool {
	self.mut.Lock()
	defer self.mut.Unlock()

	e, present := self.entries[key]
	delete(self.entries, key)

	return present && !time.Now().After(e.deadline)
}

// Len returns the number of live entries in the MemStore.
func (self *MemStore[K, V]) Len() int {
	self.mut.Lock()
	defer self.mut.Unlock()

	now := time.Now()
	var count int
	for _, e := range self.entries {
		if !now.After(e.deadline) {
			count += 1
		}
	}

	return count
}

// sweep drops all expired entries, at most once per lifetime period.
// callers must hold self.mut.
func (self *MemStore[K, V]) sweep(now time.Time) {
	if now.Before(self.nextSweep) {
		return
	}
	for key, e := range self.entries {
		if now.After(e.deadline) {
			delete(self.entries, key)
		}
	}
	self.nextSweep = now.Add(self.lifetime)
}

var _ Store[string, []byte] = &MemStore[string, []byte]{}
