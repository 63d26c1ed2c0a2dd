package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommonPrefixLen(t *testing.T) {
	require.Equal(t, 3, CommonPrefixLen([]int32{1, 2, 3, 4}, []int32{1, 2, 3, 9}))
	require.Equal(t, 0, CommonPrefixLen([]int32{1}, []int32{2}))
	require.Equal(t, 2, CommonPrefixLen([]int32{1, 2}, []int32{1, 2, 3}))
}

func TestRAMStoreLongestPrefix(t *testing.T) {
	ctx := context.Background()
	s := NewRAMStore(0) // unlimited

	require.NoError(t, s.Put(ctx, []int32{1, 2, 3}, []byte("system-prompt-state")))
	require.NoError(t, s.Put(ctx, []int32{1, 2, 3, 4, 5}, []byte("longer-state")))

	item, prefixLen, ok := s.LongestPrefix(ctx, []int32{1, 2, 3, 4, 9})
	require.True(t, ok)
	require.Equal(t, 4, prefixLen)
	require.Equal(t, []int32{1, 2, 3, 4, 5}, item.Tokens)

	_, prefixLen, ok = s.LongestPrefix(ctx, []int32{9, 9, 9})
	require.False(t, ok) // nothing in common with any cached key
	require.Equal(t, 0, prefixLen)
}

func TestRAMStoreEvictsByCapacity(t *testing.T) {
	ctx := context.Background()
	s := NewRAMStore(10) // bytes

	require.NoError(t, s.Put(ctx, []int32{1}, []byte("0123456789"))) // exactly at cap
	require.NoError(t, s.Put(ctx, []int32{2}, []byte("abcdefghij"))) // forces eviction of key 1

	_, _, ok := s.LongestPrefix(ctx, []int32{1})
	require.False(t, ok)
	item, _, ok := s.LongestPrefix(ctx, []int32{2})
	require.True(t, ok)
	require.Equal(t, []byte("abcdefghij"), item.State)
}

func TestDiskStorePersistsAndEvicts(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "prefix")

	s, err := NewDiskStore(dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, []int32{1, 2, 3}, []byte("state-a")))
	require.NoError(t, s.Close())

	reopened, err := NewDiskStore(dir, 0)
	require.NoError(t, err)
	defer reopened.Close()

	item, prefixLen, ok := reopened.LongestPrefix(ctx, []int32{1, 2, 3, 4})
	require.True(t, ok)
	require.Equal(t, 3, prefixLen)
	require.Equal(t, []byte("state-a"), item.State)
}

func TestNoopStoreNeverHits(t *testing.T) {
	s := NoopStore{}
	require.NoError(t, s.Put(context.Background(), []int32{1}, []byte("x")))
	_, _, ok := s.LongestPrefix(context.Background(), []int32{1})
	require.False(t, ok)
}
