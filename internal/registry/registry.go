package registry

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// document is the on-disk shape of the registry YAML file: named
// descriptors plus the optional OpenAI-style alias map (§3, §6).
type document struct {
	Models  []ModelDescriptor `yaml:"models"`
	Aliases map[string]string `yaml:"openai_replacement_models"`
}

// Registry is the read-only-after-load model map (§5: "The model registry
// is read-only after startup"). Reload swaps in a new snapshot atomically;
// existing *ModelDescriptor values already handed to callers stay valid.
type Registry struct {
	snapshot atomic.Pointer[snap]
	logger   *slog.Logger

	watchOnce sync.Once
	watcher   *fsnotify.Watcher
}

type snap struct {
	models  map[string]*ModelDescriptor
	aliases map[string]string
}

// New loads the registry once from path.
func New(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	if err := r.reload(path); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading model registry %s: %w", path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing model registry %s: %w", path, err)
	}

	s := &snap{
		models:  make(map[string]*ModelDescriptor, len(doc.Models)),
		aliases: doc.Aliases,
	}
	for i := range doc.Models {
		d := doc.Models[i]
		if d.Cache.Mode == "" {
			d.Cache = DefaultCachePolicy()
		}
		s.models[d.ID] = &d
	}
	if s.aliases == nil {
		s.aliases = map[string]string{}
	}
	r.snapshot.Store(s)
	return nil
}

// Resolve maps a client-supplied model name to its descriptor, following
// the alias table first (supplemented feature #1 in SPEC_FULL.md): a name
// that matches an OpenAI replacement alias is redirected to its local
// target before the direct id lookup.
func (r *Registry) Resolve(name string) (*ModelDescriptor, bool) {
	s := r.snapshot.Load()
	if s == nil {
		return nil, false
	}
	if target, ok := s.aliases[name]; ok {
		name = target
	}
	d, ok := s.models[name]
	return d, ok
}

// Names lists every canonical (non-alias) model id, for GET /v1/models.
func (r *Registry) Names() []string {
	s := r.snapshot.Load()
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.models))
	for name := range s.models {
		names = append(names, name)
	}
	return names
}

// Watch starts an fsnotify watch on the registry file and reloads it on
// every write, logging (but not propagating) reload failures — a bad edit
// leaves the previous snapshot in place.
func (r *Registry) Watch(path string) error {
	var watchErr error
	r.watchOnce.Do(func() {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			watchErr = fmt.Errorf("creating registry watcher: %w", err)
			return
		}
		if err := w.Add(path); err != nil {
			watchErr = fmt.Errorf("watching %s: %w", path, err)
			_ = w.Close()
			return
		}
		r.watcher = w
		go func() {
			for {
				select {
				case ev, ok := <-w.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					if err := r.reload(path); err != nil {
						r.logger.Warn("model registry reload failed, keeping previous snapshot",
							"error", err, "path", path)
						continue
					}
					r.logger.Info("model registry reloaded", "path", path)
				case err, ok := <-w.Errors:
					if !ok {
						return
					}
					r.logger.Warn("model registry watch error", "error", err)
				}
			}
		}()
	})
	return watchErr
}

// Close stops the registry's fsnotify watch, if any.
func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
