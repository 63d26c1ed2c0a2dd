// Package backend defines the uniform surface the generation loop and
// worker pool drive against (§9: "Model as a tagged union of backend
// kinds with a shared capability set"). The actual token math — tensor
// kernels, native inference libraries — is an external collaborator
// (§1's Non-goals rule out a tokenizer/kernel implementation here);
// adapters in this package talk to that collaborator over whatever
// transport it exposes: here, an HTTP completion server.
package backend

import "context"

// LogitsProcessor is an opaque per-step transform on the next-token
// distribution (e.g. a repetition penalty). The gateway never inspects its
// contents; it is threaded from the request body straight to the backend.
type LogitsProcessor struct {
	Name   string
	Params map[string]any
}

// StoppingCriterion is an opaque backend-evaluated stop condition, distinct
// from the gateway's own text-level stop-string checker (§4.3).
type StoppingCriterion struct {
	Name   string
	Params map[string]any
}

// GrammarConstraint is an opaque grammar handle (e.g. a GBNF document) the
// backend uses to constrain sampling. The gateway performs no grammar
// compilation itself (SPEC_FULL.md supplemented feature #5).
type GrammarConstraint struct {
	Format string
	Body   string
}

// StepRequest is one decoding step: the full token sequence evaluated so
// far (prompt plus any tokens generated in this request).
type StepRequest struct {
	Tokens      []int32
	Processors  []LogitsProcessor
	Stopping    []StoppingCriterion
	Grammar     *GrammarConstraint
	Temperature float32
	TopP        float32
	TopK        int
}

// StepResult is the outcome of one decoding step.
type StepResult struct {
	TokenID int32
	IsEOS   bool
}

// Backend is the capability set every model kind must implement (§9).
// Implementations must be safe for sequential use from a single worker
// goroutine; the worker pool never calls a Backend concurrently with
// itself (the per-worker semaphore bounds concurrency, not Backend).
type Backend interface {
	// Tokenize converts prompt text to token ids. An empty prompt yields a
	// BOS-seeded sequence (§4.3 step 1).
	Tokenize(ctx context.Context, text string) ([]int32, error)

	// Detokenize converts token ids back to raw bytes. Implementations may
	// return a byte sequence that is not valid UTF-8 on its own — the
	// generation loop accumulates bytes across calls to resynchronize
	// multi-byte characters split across tokens (§4.3 step 4).
	Detokenize(ctx context.Context, ids []int32) ([]byte, error)

	// Step produces exactly one token id from the given sequence.
	Step(ctx context.Context, req StepRequest) (StepResult, error)

	// SaveState serializes the backend's current KV/prefix state.
	SaveState(ctx context.Context) ([]byte, error)

	// LoadState restores a previously saved state, warming the backend so
	// it does not need to re-evaluate the tokens that produced it.
	LoadState(ctx context.Context, state []byte) error

	// SetCache is a lighter-weight hint than LoadState: some backends can
	// adopt a state blob for exactly the given token prefix without a full
	// restore. Implementations that cannot distinguish this from LoadState
	// may simply delegate to it.
	SetCache(ctx context.Context, tokens []int32, state []byte) error

	// SupportsEmbedding reports whether Embed is usable for this model.
	SupportsEmbedding() bool

	// Embed produces an embedding vector for text. Only valid when
	// SupportsEmbedding returns true.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Close releases any resources (connections, file handles) held by the
	// backend. It does not necessarily free native/device memory — see
	// §9 on worker-process recycling for that.
	Close() error
}

// EOSTokenID is the conventional end-of-sequence sentinel used by adapters
// in this package when the backend's wire protocol reports EOS out of band
// (e.g. a boolean flag) rather than as a specific token id.
const EOSTokenID int32 = -1
