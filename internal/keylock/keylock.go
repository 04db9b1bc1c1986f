// Package keylock provides striped mutexes keyed by string, so that work on
// unrelated keys never contends on one lock.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultStripes = 64

// Locker is a fixed set of mutexes; a key always maps to the same stripe.
type Locker struct {
	stripes []sync.Mutex
}

// New returns a Locker with n stripes. n <= 0 selects a default.
func New(n int) *Locker {
	if n <= 0 {
		n = defaultStripes
	}
	return &Locker{stripes: make([]sync.Mutex, n)}
}

// Index returns the stripe a key maps to. Callers that shard their own maps
// use it to keep data and lock on the same stripe.
func (l *Locker) Index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(l.stripes)))
}

// Lock locks the stripe for key and returns its unlock function.
func (l *Locker) Lock(key string) func() {
	mu := &l.stripes[l.Index(key)]
	mu.Lock()
	return mu.Unlock
}

// Stripes returns the number of stripes.
func (l *Locker) Stripes() int {
	return len(l.stripes)
}

// ShardIndex maps key onto one of n shards with the same hash as Locker.
func ShardIndex(key string, n int) int {
	return int(xxhash.Sum64String(key) % uint64(n))
}
