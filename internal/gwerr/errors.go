// Package gwerr defines the sentinel error kinds shared by the dispatcher,
// worker pool, and generation loop. The HTTP layer is the only place that
// translates these into status codes; nothing below it imports net/http.
package gwerr

import "errors"

var (
	// ErrUnknownModel is returned when a request names a model that is not
	// in the registry and has no alias resolving to one.
	ErrUnknownModel = errors.New("unknown model")

	// ErrNoAvailableWorker is returned when the dispatcher's candidate set
	// of workers is empty: there are no workers, or every worker's
	// semaphore is fully held at the moment of selection. The dispatcher
	// does not wait for a permit to be released.
	ErrNoAvailableWorker = errors.New("no available worker")

	// ErrClientCancelled is returned when the caller disconnects before or
	// during worker acquisition or generation. Always swallowed at the
	// HTTP boundary; it triggers cleanup only.
	ErrClientCancelled = errors.New("client cancelled")

	// ErrModelLoadTimeout is returned when loading a model into a worker
	// exceeds the configured load timeout. The descriptor is not cached.
	ErrModelLoadTimeout = errors.New("model load timeout")

	// ErrBackendFailure is returned when the backend adapter fails during
	// tokenize, detokenize, or step. The generator that produced it must be
	// evicted from its worker's LRU.
	ErrBackendFailure = errors.New("backend failure")

	// ErrEmbeddingsDisabled is returned when the embeddings endpoint is
	// called while the gateway was started with no_embed.
	ErrEmbeddingsDisabled = errors.New("embeddings disabled")

	// ErrUnsupportedFeature is returned when a request asks for a
	// capability the target model descriptor does not advertise (e.g.
	// logprobs on a non-logits-all model). Always surfaced before the
	// first token is produced.
	ErrUnsupportedFeature = errors.New("unsupported feature")
)
