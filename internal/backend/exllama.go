package backend

import (
	"fmt"

	"github.com/llamagate/gateway/internal/registry"
)

// ExllamaBackend adapts an exllama-style model directory. It reuses
// LlamaCppBackend's HTTP wire protocol (the two native libraries differ in
// how they load weights — a single GGUF file versus a directory of
// safetensors shards — not in the tokenize/step/save-state surface this
// gateway consumes), matching §9's tagged-union design: the dispatcher only
// branches on Kind when choosing which constructor to call, never
// afterwards.
type ExllamaBackend struct {
	*LlamaCppBackend
}

// NewExllamaBackend checks that d is an exllama-kind descriptor and
// otherwise delegates to the shared HTTP adapter.
func NewExllamaBackend(d *registry.ModelDescriptor) (*ExllamaBackend, error) {
	if d.Kind != registry.KindExllama {
		return nil, fmt.Errorf("model %s: not an exllama descriptor", d.ID)
	}
	inner, err := NewLlamaCppBackend(d)
	if err != nil {
		return nil, err
	}
	return &ExllamaBackend{LlamaCppBackend: inner}, nil
}

var _ Backend = (*ExllamaBackend)(nil)
