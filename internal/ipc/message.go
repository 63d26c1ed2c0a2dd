// Package ipc defines the wire protocol between the dispatcher (parent
// process) and a worker (child OS process), per §4.2/§9: workers are
// separate processes, not goroutines, so a native-library memory leak can
// be bounded by killing and respawning the process rather than living for
// the life of the gateway. The protocol is newline-delimited JSON over the
// child's stdin/stdout.
package ipc

import "github.com/llamagate/gateway/internal/backend"

// MessageType tags the union of frames exchanged on the wire.
type MessageType string

const (
	// Dispatcher -> worker
	TypeLoadModel MessageType = "load_model"
	TypeGenerate  MessageType = "generate"
	TypeEmbed     MessageType = "embed"
	TypeInterrupt MessageType = "interrupt"
	TypeShutdown  MessageType = "shutdown"

	// Worker -> dispatcher
	TypeChunk MessageType = "chunk"
	TypeDone  MessageType = "done"
	TypeError MessageType = "error"
	TypeReady MessageType = "ready"
)

// Frame is the single envelope type serialized on the wire; exactly one of
// its payload fields is populated depending on Type. A flat envelope
// (rather than an interface-typed payload) keeps the codec a single
// json.Marshal/Unmarshal call in each direction.
type Frame struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`

	LoadModel *LoadModelPayload `json:"load_model,omitempty"`
	Generate  *GeneratePayload  `json:"generate,omitempty"`
	Embed     *EmbedPayload     `json:"embed,omitempty"`

	Chunk *ChunkPayload `json:"chunk,omitempty"`
	Done  *DonePayload  `json:"done,omitempty"`
	Error *ErrorPayload `json:"error,omitempty"`
}

// LoadModelPayload asks the worker to ensure the given model is resident,
// evicting per its generator LRU if needed (§4.2).
type LoadModelPayload struct {
	ModelID          string          `json:"model_id"`
	Kind             string          `json:"kind"`
	Path             string          `json:"path"`
	BaseURL          string          `json:"base_url"`
	EmbeddingEnabled bool            `json:"embedding_enabled"`
	CachePolicy      CachePolicyWire `json:"cache_policy"`
}

// CachePolicyWire mirrors registry.CachePolicy without importing the
// registry package into the wire protocol, keeping ipc's dependency
// surface limited to backend.
type CachePolicyWire struct {
	Mode         string `json:"mode"`
	CapacityByte int64  `json:"capacity_bytes"`
}

// GeneratePayload is one completion request (§4.3, §6).
type GeneratePayload struct {
	ModelID     string                      `json:"model_id"`
	Prompt      string                      `json:"prompt"`
	MaxTokens   int                         `json:"max_tokens"`
	Stop        []string                    `json:"stop,omitempty"`
	Temperature float32                     `json:"temperature"`
	TopP        float32                     `json:"top_p"`
	TopK        int                         `json:"top_k"`
	Logprobs    bool                        `json:"logprobs,omitempty"`
	Processors  []backend.LogitsProcessor   `json:"processors,omitempty"`
	Stopping    []backend.StoppingCriterion `json:"stopping,omitempty"`
	Grammar     *backend.GrammarConstraint  `json:"grammar,omitempty"`
}

// EmbedPayload is one embedding request (§6).
type EmbedPayload struct {
	ModelID string `json:"model_id"`
	Text    string `json:"text"`
}

// ChunkPayload is one streamed text chunk of a generation in progress.
type ChunkPayload struct {
	Text string `json:"text"`
}

// DonePayload is the terminal frame for a generate/embed request.
type DonePayload struct {
	State           string    `json:"state"`
	GeneratedTokens int       `json:"generated_tokens"`
	Embedding       []float32 `json:"embedding,omitempty"`
}

// ErrorPayload carries a sentinel error kind (by string, matching
// gwerr.Err* Error() text) plus a human-readable detail.
type ErrorPayload struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}
