package cache

import (
	"fmt"
	"path/filepath"

	"github.com/llamagate/gateway/internal/registry"
)

// New builds the Store for a model descriptor's cache policy, rooting any
// on-disk store under baseDir/<model-id> so multiple models' disk caches
// never collide.
func New(d *registry.ModelDescriptor, baseDir string) (Store, error) {
	switch d.Cache.Mode {
	case registry.CacheOff, "":
		return NoopStore{}, nil
	case registry.CacheRAM:
		return NewRAMStore(d.Cache.CapacityByte), nil
	case registry.CacheDisk:
		dir := filepath.Join(baseDir, d.ID)
		return NewDiskStore(dir, d.Cache.CapacityByte)
	default:
		return nil, fmt.Errorf("model %s: unknown cache mode %q", d.ID, d.Cache.Mode)
	}
}
