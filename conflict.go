package bundlerarmy

import "github.com/samber/lo"

// ConflictIndex maps a conflict key to the single value currently holding it.
// Inserting under an occupied key evicts the previous holder; two holders of
// one key never coexist.
//
// It backs both the mempool's (sender, nonce) admission rule and the
// executor's (wallet, nonce) replace-by-fee tracking. ConflictIndex is not
// safe for concurrent use; callers guard it with their own lock.
type ConflictIndex[K comparable, V any] struct {
	entries map[K]V
}

// NewConflictIndex creates an empty index.
func NewConflictIndex[K comparable, V any]() *ConflictIndex[K, V] {
	return &ConflictIndex[K, V]{entries: make(map[K]V)}
}

// Put stores v under key and returns the evicted holder, if any.
func (c *ConflictIndex[K, V]) Put(key K, v V) (evicted V, replaced bool) {
	evicted, replaced = c.entries[key]
	c.entries[key] = v
	return evicted, replaced
}

// Get returns the current holder of key.
func (c *ConflictIndex[K, V]) Get(key K) (V, bool) {
	v, ok := c.entries[key]
	return v, ok
}

// Delete removes key and returns its holder.
func (c *ConflictIndex[K, V]) Delete(key K) (V, bool) {
	v, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	return v, ok
}

// DeleteIf removes key only when its holder satisfies match.
func (c *ConflictIndex[K, V]) DeleteIf(key K, match func(V) bool) bool {
	v, ok := c.entries[key]
	if !ok || !match(v) {
		return false
	}
	delete(c.entries, key)
	return true
}

// Len returns the number of occupied keys.
func (c *ConflictIndex[K, V]) Len() int {
	return len(c.entries)
}

// Values returns the current holders in no particular order.
func (c *ConflictIndex[K, V]) Values() []V {
	return lo.Values(c.entries)
}

// Clear removes every key.
func (c *ConflictIndex[K, V]) Clear() {
	c.entries = make(map[K]V)
}
