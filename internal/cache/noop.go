package cache

import "context"

// NoopStore implements Store but never retains anything, for descriptors
// whose CachePolicy.Mode is "off" (§3).
type NoopStore struct{}

func (NoopStore) LongestPrefix(context.Context, []int32) (Item, int, bool) { return Item{}, 0, false }
func (NoopStore) Put(context.Context, []int32, []byte) error               { return nil }
func (NoopStore) Close() error                                             { return nil }

var _ Store = NoopStore{}
