// Package cache implements the prefix cache (§4.4): a keyed store of
// serialized backend states, looked up by longest-common-prefix against an
// incoming token sequence, with RAM (bounded, LRU) and on-disk (badger,
// capacity-bounded) backends sharing the same Store interface.
package cache

import "context"

// Item is a cached backend state for a token-sequence key.
type Item struct {
	Tokens []int32
	State  []byte
}

// Store is the prefix cache's storage contract (§4.4). Implementations
// must tolerate concurrent LongestPrefix/Put from a single worker's generation loop
// (a worker processes at most S concurrent requests against one
// generator's cache).
type Store interface {
	// LongestPrefix returns the cached entry whose key shares the longest
	// common prefix with seq, and that prefix's length. ok is false when
	// the store is empty or holds nothing in common with seq.
	LongestPrefix(ctx context.Context, seq []int32) (item Item, prefixLen int, ok bool)

	// Put stores state under key, evicting older entries if the store is
	// at capacity (§4.4 write-back). Cache errors are non-fatal to the
	// caller (§7); Put returns an error only so callers can log it.
	Put(ctx context.Context, key []int32, state []byte) error

	// Close releases any resources (open files, database handles).
	Close() error
}

// CommonPrefixLen returns the length of the longest shared prefix of a and
// b. Used both for cache lookup and for computing eval_prefix_len against
// a generator's last-evaluated sequence (§4.4 step 2).
func CommonPrefixLen(a, b []int32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}
