// Package session provides in memory TTL'd key value storage.
//
// Stores in this package expire entries a fixed duration after they were
// written. A store may optionally operate with a sliding deadline, in which
// case every successful read pushes the entry deadline forward. Sliding
// stores fit session like data whose lifetime tracks caller activity,
// fixed deadline stores fit cached payloads.
package session

// Store is the interface shared by the TTL'd stores of this package.
type Store[K comparable, V any] interface {
	// Get returns the live value indexed by key.
	Get(key K) (V, bool)

	// Set registers key, data resetting the entry deadline.
	Set(key K, data V)

	// Delete removes the key early. It returns true if a live entry was removed.
	Delete(key K) bool
}
