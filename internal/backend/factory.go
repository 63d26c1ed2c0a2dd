package backend

import (
	"fmt"

	"github.com/llamagate/gateway/internal/registry"
)

// Load constructs the backend adapter for d, branching on Kind exactly
// once (§9: "Dispatcher branches on the tag only when selecting the load
// path"). Everything downstream of this call (the generation loop, the
// worker LRU) works purely against the Backend interface.
func Load(d *registry.ModelDescriptor) (Backend, error) {
	switch d.Kind {
	case registry.KindLlamaCpp:
		return NewLlamaCppBackend(d)
	case registry.KindExllama:
		return NewExllamaBackend(d)
	default:
		return nil, fmt.Errorf("model %s: unknown backend kind %q", d.ID, d.Kind)
	}
}
