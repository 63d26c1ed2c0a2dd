package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLogAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := Open(path, nil)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	sink.Log(ctx, Record{
		RequestID: "r1", Model: "orca_mini_3b", Prompt: "hi", Response: "hello",
		PromptTokens: 1, GeneratedTokens: 1, Duration: 50 * time.Millisecond, State: "done",
	})
	sink.Log(ctx, Record{
		RequestID: "r2", Model: "orca_mini_3b", Prompt: "bye", Response: "later",
		PromptTokens: 1, GeneratedTokens: 1, Duration: 20 * time.Millisecond, State: "interrupted",
	})

	recs, err := sink.Recent(ctx, "orca_mini_3b", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "r2", recs[0].RequestID, "most recent first")
	require.Equal(t, "interrupted", recs[0].State)
}

func TestRecentFiltersByModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := Open(path, nil)
	require.NoError(t, err)
	defer sink.Close()

	ctx := context.Background()
	sink.Log(ctx, Record{RequestID: "a", Model: "m1", State: "done"})
	sink.Log(ctx, Record{RequestID: "b", Model: "m2", State: "done"})

	recs, err := sink.Recent(ctx, "m1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "a", recs[0].RequestID)
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "audit.db")
	sink, err := Open(path, nil)
	require.NoError(t, err)
	defer sink.Close()
}
