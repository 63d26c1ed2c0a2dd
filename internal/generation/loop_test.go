package generation

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/llamagate/gateway/internal/backend/backendtest"
	"github.com/llamagate/gateway/internal/cache"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunStopsOnEOS(t *testing.T) {
	fake := backendtest.NewFake()
	fake.Vocab = map[int32][]byte{10: []byte("a"), 11: []byte("b")}
	fake.Script = []int32{10, 11}
	fake.EOSID = -1

	gen := NewGenerator("m", fake, cache.NoopStore{}, discardLogger())

	var got string
	status, err := gen.Run(context.Background(), "req-1", "hi", Settings{MaxTokens: 10}, func(chunk string) error {
		got += chunk
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "ab", got)
	require.Equal(t, StateDone, status.State)
	require.Equal(t, 2, status.GeneratedTokens)
}

func TestRunStopsOnMaxTokens(t *testing.T) {
	fake := backendtest.NewFake()
	fake.Vocab = map[int32][]byte{10: []byte("a")}
	fake.Script = []int32{10, 10, 10, 10, 10}
	fake.Loop = true

	gen := NewGenerator("m", fake, cache.NoopStore{}, discardLogger())

	var got string
	status, err := gen.Run(context.Background(), "req-2", "hi", Settings{MaxTokens: 3}, func(chunk string) error {
		got += chunk
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "aaa", got)
	require.Equal(t, StateDone, status.State)
	require.Equal(t, 3, status.GeneratedTokens)
}

// TestRunResyncsUTF8AcrossTokenBoundary exercises §8 scenario 5: a
// multi-byte character ("é" = 0xC3 0xA9) whose lead byte and continuation
// byte arrive as two separate tokens.
func TestRunResyncsUTF8AcrossTokenBoundary(t *testing.T) {
	fake := backendtest.NewFake()
	fake.Vocab = map[int32][]byte{
		20: {0xC3},
		21: {0xA9},
	}
	fake.Script = []int32{20, 21}

	gen := NewGenerator("m", fake, cache.NoopStore{}, discardLogger())

	var chunks []string
	status, err := gen.Run(context.Background(), "req-3", "hi", Settings{MaxTokens: 10}, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, StateDone, status.State)
	// Only one chunk should ever be emitted: the fully resynchronized "é",
	// never a dangling lead byte.
	require.Equal(t, []string{"é"}, chunks)
}

// TestRunDetectsStopStringSplitAcrossTokens exercises §8 scenario 4: stop
// string "###" arrives as "##" then "#end", split across the natural
// token-decoded chunk boundary.
func TestRunDetectsStopStringSplitAcrossTokens(t *testing.T) {
	fake := backendtest.NewFake()
	fake.Vocab = map[int32][]byte{
		30: []byte("##"),
		31: []byte("#end"),
		32: []byte("tail"),
	}
	fake.Script = []int32{30, 31, 32}

	gen := NewGenerator("m", fake, cache.NoopStore{}, discardLogger())

	var got string
	status, err := gen.Run(context.Background(), "req-4", "hi", Settings{MaxTokens: 10, Stop: []string{"###"}}, func(chunk string) error {
		got += chunk
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "", got, "no chunk containing the stop string, or any part past it, may reach the caller")
	require.Equal(t, StateDone, status.State)
}

func TestRunInterruptStopsCleanlyAndSkipsCacheWriteBack(t *testing.T) {
	fake := backendtest.NewFake()
	fake.Vocab = map[int32][]byte{10: []byte("a")}
	fake.Script = []int32{10}
	fake.Loop = true

	store := cache.NewRAMStore(0)
	gen := NewGenerator("m", fake, store, discardLogger())

	first := true
	status, err := gen.Run(context.Background(), "req-5", "hi", Settings{MaxTokens: 100}, func(chunk string) error {
		if first {
			first = false
			gen.Interrupt("req-5")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, StateInterrupted, status.State)
	require.Zero(t, fake.SaveStateCalls, "interrupted generation must not write back to the prefix cache")

	promptTokens, _ := fake.Tokenize(context.Background(), "hi")
	_, _, ok := store.LongestPrefix(context.Background(), promptTokens)
	require.False(t, ok, "interrupted generation must not populate the prefix cache")
}

func TestRunWritesBackToCacheOnCleanTermination(t *testing.T) {
	fake := backendtest.NewFake()
	fake.Vocab = map[int32][]byte{10: []byte("a")}
	fake.Script = []int32{10}

	store := cache.NewRAMStore(0)
	gen := NewGenerator("m", fake, store, discardLogger())

	_, err := gen.Run(context.Background(), "req-6", "hi", Settings{MaxTokens: 10}, func(string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, fake.SaveStateCalls)

	promptTokens, _ := fake.Tokenize(context.Background(), "hi")
	_, prefixLen, ok := store.LongestPrefix(context.Background(), append(promptTokens, 10))
	require.True(t, ok)
	require.Equal(t, len(promptTokens)+1, prefixLen)
}

func TestRunWarmsFromCacheWhenColder(t *testing.T) {
	fake := backendtest.NewFake()
	fake.Vocab = map[int32][]byte{10: []byte("a")}
	fake.Script = []int32{10}

	store := cache.NewRAMStore(0)
	ctx := context.Background()
	promptTokens, _ := fake.Tokenize(ctx, "hi")
	require.NoError(t, store.Put(ctx, promptTokens, []byte("warm-state")))

	gen := NewGenerator("m", fake, store, discardLogger())
	_, err := gen.Run(ctx, "req-7", "hi", Settings{MaxTokens: 10}, func(string) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, fake.LoadStateCalls)
}

func TestRunSurfacesBackendDetokenizeFailure(t *testing.T) {
	fake := backendtest.NewFake()
	fake.Vocab = map[int32][]byte{}
	fake.Script = []int32{99} // no vocab entry: Detokenize will fail

	gen := NewGenerator("m", fake, cache.NoopStore{}, discardLogger())
	_, err := gen.Run(context.Background(), "req-8", "hi", Settings{MaxTokens: 10}, func(string) error { return nil })
	require.Error(t, err)
}
