package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
models:
  - id: orca_mini_3b
    kind: llama_cpp
    path: /models/orca-mini-3b.Q4_K_M.gguf
    context_window: 4096
  - id: sentence-embedder
    kind: llama_cpp
    path: /models/embedder.gguf
    context_window: 512
    params:
      embedding_enabled: true
openai_replacement_models:
  gpt-3.5-turbo: orca_mini_3b
`

func writeRegistry(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestResolveDirectAndAlias(t *testing.T) {
	path := writeRegistry(t, sampleYAML)
	reg, err := New(path, nil)
	require.NoError(t, err)

	d, ok := reg.Resolve("orca_mini_3b")
	require.True(t, ok)
	require.Equal(t, "orca_mini_3b", d.ID)
	require.Equal(t, DefaultCachePolicy(), d.Cache)

	alias, ok := reg.Resolve("gpt-3.5-turbo")
	require.True(t, ok)
	require.Equal(t, "orca_mini_3b", alias.ID)

	_, ok = reg.Resolve("does-not-exist")
	require.False(t, ok)
}

func TestNames(t *testing.T) {
	path := writeRegistry(t, sampleYAML)
	reg, err := New(path, nil)
	require.NoError(t, err)
	names := reg.Names()
	require.ElementsMatch(t, []string{"orca_mini_3b", "sentence-embedder"}, names)
}

func TestWatchReloadsOnWrite(t *testing.T) {
	path := writeRegistry(t, sampleYAML)
	reg, err := New(path, nil)
	require.NoError(t, err)
	require.NoError(t, reg.Watch(path))
	defer reg.Close()

	const updated = `
models:
  - id: orca_mini_3b
    kind: llama_cpp
    path: /models/orca-mini-3b.Q4_K_M.gguf
    context_window: 4096
  - id: new-model
    kind: llama_cpp
    path: /models/new.gguf
    context_window: 2048
openai_replacement_models:
  gpt-3.5-turbo: orca_mini_3b
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		_, ok := reg.Resolve("new-model")
		return ok
	}, 2*time.Second, 20*time.Millisecond)
}
