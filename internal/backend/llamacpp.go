package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/llamagate/gateway/internal/registry"
)

// LlamaCppBackend talks to a llama.cpp-style HTTP completion server, one
// server process per loaded GGUF file: a plain *http.Client with a
// generous timeout, JSON request/response bodies, and context propagation
// via http.NewRequestWithContext.
type LlamaCppBackend struct {
	httpClient *http.Client
	baseURL    string
	embedding  bool
}

// NewLlamaCppBackend starts (by convention, dials) the llama.cpp server
// backing descriptor d. BaseURL comes from d.Params.BaseURL; this adapter
// does not itself spawn the server process — that lifecycle belongs to
// the deployment.
func NewLlamaCppBackend(d *registry.ModelDescriptor) (*LlamaCppBackend, error) {
	if d.Params.BaseURL == "" {
		return nil, fmt.Errorf("model %s: llama_cpp backend requires params.base_url", d.ID)
	}
	return &LlamaCppBackend{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    d.Params.BaseURL,
		embedding:  d.Params.EmbeddingEnabled,
	}, nil
}

type tokenizeRequest struct {
	Content string `json:"content"`
}

type tokenizeResponse struct {
	Tokens []int32 `json:"tokens"`
}

func (l *LlamaCppBackend) Tokenize(ctx context.Context, text string) ([]int32, error) {
	var out tokenizeResponse
	if err := l.postJSON(ctx, "/tokenize", tokenizeRequest{Content: text}, &out); err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	if len(out.Tokens) == 0 {
		return []int32{bosTokenID}, nil
	}
	return out.Tokens, nil
}

type detokenizeRequest struct {
	Tokens []int32 `json:"tokens"`
}

type detokenizeResponse struct {
	Content string `json:"content"`
}

func (l *LlamaCppBackend) Detokenize(ctx context.Context, ids []int32) ([]byte, error) {
	var out detokenizeResponse
	if err := l.postJSON(ctx, "/detokenize", detokenizeRequest{Tokens: ids}, &out); err != nil {
		return nil, fmt.Errorf("detokenize: %w", err)
	}
	return []byte(out.Content), nil
}

type stepRequestWire struct {
	Tokens      []int32        `json:"tokens"`
	Temperature float32        `json:"temperature,omitempty"`
	TopP        float32        `json:"top_p,omitempty"`
	TopK        int            `json:"top_k,omitempty"`
	Grammar     string         `json:"grammar,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

type stepResponseWire struct {
	TokenID int32 `json:"token_id"`
	IsEOS   bool  `json:"is_eos"`
}

func (l *LlamaCppBackend) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	wire := stepRequestWire{
		Tokens:      req.Tokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
	}
	if req.Grammar != nil {
		wire.Grammar = req.Grammar.Body
	}
	if len(req.Processors) > 0 || len(req.Stopping) > 0 {
		wire.Options = map[string]any{
			"logits_processors":  req.Processors,
			"stopping_criteria":  req.Stopping,
		}
	}
	var out stepResponseWire
	if err := l.postJSON(ctx, "/step", wire, &out); err != nil {
		return StepResult{}, fmt.Errorf("step: %w", err)
	}
	return StepResult{TokenID: out.TokenID, IsEOS: out.IsEOS}, nil
}

type stateResponse struct {
	State []byte `json:"state"`
}

func (l *LlamaCppBackend) SaveState(ctx context.Context) ([]byte, error) {
	var out stateResponse
	if err := l.postJSON(ctx, "/save-state", nil, &out); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	return out.State, nil
}

func (l *LlamaCppBackend) LoadState(ctx context.Context, state []byte) error {
	if err := l.postJSON(ctx, "/load-state", stateResponse{State: state}, nil); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	return nil
}

type setCacheRequest struct {
	Tokens []int32 `json:"tokens"`
	State  []byte  `json:"state"`
}

func (l *LlamaCppBackend) SetCache(ctx context.Context, tokens []int32, state []byte) error {
	if err := l.postJSON(ctx, "/set-cache", setCacheRequest{Tokens: tokens, State: state}, nil); err != nil {
		return fmt.Errorf("set cache: %w", err)
	}
	return nil
}

func (l *LlamaCppBackend) SupportsEmbedding() bool { return l.embedding }

type embedRequest struct {
	Content string `json:"content"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (l *LlamaCppBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	if !l.embedding {
		return nil, fmt.Errorf("embed: model not loaded with embedding support")
	}
	var out embedResponse
	if err := l.postJSON(ctx, "/embed", embedRequest{Content: text}, &out); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return out.Embedding, nil
}

func (l *LlamaCppBackend) Close() error { return nil }

// bosTokenID is the conventional beginning-of-sequence token used to seed
// generation from an empty prompt (§4.3 step 1).
const bosTokenID int32 = 1

func (l *LlamaCppBackend) postJSON(ctx context.Context, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

var _ Backend = (*LlamaCppBackend)(nil)
