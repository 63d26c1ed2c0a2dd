package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/llamagate/gateway/internal/config"
	"github.com/llamagate/gateway/internal/dispatcher"
	"github.com/llamagate/gateway/internal/gwerr"
	"github.com/llamagate/gateway/internal/ipc"
	"github.com/llamagate/gateway/internal/registry"
	"github.com/llamagate/gateway/internal/worker"
)

const sampleRegistryYAML = `
models:
  - id: orca_mini_3b
    kind: llama_cpp
    path: /models/orca-mini-3b.gguf
    context_window: 4096
  - id: embedder
    kind: llama_cpp
    path: /models/embedder.gguf
    context_window: 512
    params:
      embedding_enabled: true
`

func writeTestRegistry(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRegistryYAML), 0o644))
	return path
}

// fakeWorker wires a worker.Handle to a goroutine that decodes frames sent
// to it over a real ipc.Encoder/Decoder pair (via an io.Pipe) and responds
// according to respond, so tests exercise the real wire codec instead of a
// hand-rolled substitute.
func fakeWorker(t *testing.T, respond func(f ipc.Frame, out chan<- ipc.Frame)) *worker.Handle {
	t.Helper()
	pr, pw := io.Pipe()
	frames := make(chan ipc.Frame, 16)
	h := worker.NewHandle(0, pw, frames)

	go func() {
		dec := ipc.NewDecoder(pr)
		for {
			f, err := dec.Decode()
			if err != nil {
				return
			}
			respond(f, frames)
		}
	}()
	t.Cleanup(func() { pw.Close() })
	return h
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ModelLoadTimeout = time.Second
	cfg.ChunkWaitTimeout = 200 * time.Millisecond
	return cfg
}

func newTestGateway(t *testing.T, cfg config.Config, h *worker.Handle) *Gateway {
	t.Helper()
	reg, err := registry.New(writeTestRegistry(t), nil)
	require.NoError(t, err)
	disp := dispatcher.New([]*worker.Handle{h}, 1, time.Hour)
	return New(cfg, reg, disp, []*worker.Handle{h}, nil, nil)
}

func TestHealthz(t *testing.T) {
	h := fakeWorker(t, func(f ipc.Frame, out chan<- ipc.Frame) {})
	g := newTestGateway(t, testConfig(), h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListModels(t *testing.T) {
	h := fakeWorker(t, func(f ipc.Frame, out chan<- ipc.Frame) {})
	g := newTestGateway(t, testConfig(), h)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp modelsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	require.ElementsMatch(t, []string{"orca_mini_3b", "embedder"}, ids)
}

// respondLoadThenGenerate answers a load_model frame with Done, then a
// generate frame with two chunks and a terminal Done.
func respondLoadThenGenerate(text []string) func(f ipc.Frame, out chan<- ipc.Frame) {
	return func(f ipc.Frame, out chan<- ipc.Frame) {
		switch f.Type {
		case ipc.TypeLoadModel:
			out <- ipc.Frame{Type: ipc.TypeDone, RequestID: f.RequestID, Done: &ipc.DonePayload{State: "loaded"}}
		case ipc.TypeGenerate:
			for _, chunk := range text {
				out <- ipc.Frame{Type: ipc.TypeChunk, RequestID: f.RequestID, Chunk: &ipc.ChunkPayload{Text: chunk}}
			}
			out <- ipc.Frame{Type: ipc.TypeDone, RequestID: f.RequestID, Done: &ipc.DonePayload{State: "stopped", GeneratedTokens: len(text)}}
		}
	}
}

func TestChatCompletionsHappyPath(t *testing.T) {
	h := fakeWorker(t, respondLoadThenGenerate([]string{"hello", " world"}))
	g := newTestGateway(t, testConfig(), h)

	body := `{"model":"orca_mini_3b","messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "hello world", resp.Choices[0].Message.Content)
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	h := fakeWorker(t, func(f ipc.Frame, out chan<- ipc.Frame) {})
	g := newTestGateway(t, testConfig(), h)

	body := `{"model":"does-not-exist","messages":[{"role":"user","content":"hi"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletionsLogprobsUnsupportedGatesBeforeAcquire(t *testing.T) {
	var acquired atomic.Bool
	h := fakeWorker(t, func(f ipc.Frame, out chan<- ipc.Frame) { acquired.Store(true) })
	g := newTestGateway(t, testConfig(), h)

	body := `{"model":"orca_mini_3b","messages":[{"role":"user","content":"hi"}],"logprobs":true}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, acquired.Load(), "no frame should ever reach the worker once the logprobs gate rejects the request")
}

func TestEmbeddingsDisabledReturnsForbiddenWithoutTouchingWorker(t *testing.T) {
	var acquired atomic.Bool
	h := fakeWorker(t, func(f ipc.Frame, out chan<- ipc.Frame) { acquired.Store(true) })
	cfg := testConfig()
	cfg.NoEmbed = true
	g := newTestGateway(t, cfg, h)

	body := `{"model":"embedder","input":"hello"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.False(t, acquired.Load(), "an embeddings-disabled request must never acquire a worker")
}

func TestEmbeddingsModelNotEmbeddingEnabled(t *testing.T) {
	h := fakeWorker(t, func(f ipc.Frame, out chan<- ipc.Frame) {
		if f.Type == ipc.TypeLoadModel {
			out <- ipc.Frame{Type: ipc.TypeDone, RequestID: f.RequestID, Done: &ipc.DonePayload{State: "loaded"}}
		}
	})
	g := newTestGateway(t, testConfig(), h)

	body := `{"model":"orca_mini_3b","input":"hello"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	g.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

// TestRunGenerateClientDisconnectReturnsPromptly exercises §5/§8's
// disconnect scenario directly against runGenerate, rather than via
// httptest.NewRequest (whose *http.Request has no real client connection to
// sever): cancel the request context before the worker ever answers the
// generate frame, and confirm runGenerate returns ErrClientCancelled
// promptly once the worker acknowledges the interrupt.
func TestRunGenerateClientDisconnectReturnsPromptly(t *testing.T) {
	h := fakeWorker(t, func(f ipc.Frame, out chan<- ipc.Frame) {
		if f.Type == ipc.TypeInterrupt {
			out <- ipc.Frame{Type: ipc.TypeDone, RequestID: f.RequestID, Done: &ipc.DonePayload{State: "interrupted"}}
		}
		// TypeGenerate is deliberately left unanswered, simulating a still
		// in-flight generation at the moment of disconnect.
	})
	cfg := testConfig()
	g := newTestGateway(t, cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var genErr error
	go func() {
		_, genErr = g.runGenerate(ctx, h, "r1", &ipc.GeneratePayload{ModelID: "orca_mini_3b", Prompt: "hi"}, func(string) {})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runGenerate did not return promptly after client disconnect")
	}
	require.ErrorIs(t, genErr, gwerr.ErrClientCancelled)
}
