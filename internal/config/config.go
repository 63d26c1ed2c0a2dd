// Package config loads the gateway's YAML configuration file and applies
// environment overrides, returning an explicit value rather than a
// package-level singleton: the dispatcher, worker pool, and HTTP layer all
// receive their configuration as constructor arguments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the gateway's full runtime configuration (§6).
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// MaxWorkers is W, the fixed number of worker processes (default 1).
	MaxWorkers int `yaml:"max_workers"`

	// MaxSemaphores is S, the per-worker concurrency budget (default 1).
	MaxSemaphores int `yaml:"max_semaphores"`

	// NoEmbed disables the /v1/embeddings endpoint when true.
	NoEmbed bool `yaml:"no_embed"`

	// RegistryPath points at the model registry YAML document.
	RegistryPath string `yaml:"registry_path"`

	// RecycleThreshold is the number of LRU evictions after which a
	// worker's Residency.ShouldRecycle reports true (zero: never). Nothing
	// acts on that report; the pool does not kill or respawn the worker's
	// OS process when the threshold is reached.
	RecycleThreshold int `yaml:"recycle_threshold"`

	// ModelLoadTimeout bounds how long a worker waits for backend.Load.
	ModelLoadTimeout time.Duration `yaml:"model_load_timeout"`

	// ChunkWaitTimeout bounds how long the HTTP layer waits for the
	// worker's terminal frame after sending an interrupt for a
	// disconnected client. There is no per-chunk deadline while a
	// generation is streaming.
	ChunkWaitTimeout time.Duration `yaml:"chunk_wait_timeout"`

	// DisconnectPollInterval is the cadence of the dispatcher's liveness
	// probe against the client connection (§5, default 1s).
	DisconnectPollInterval time.Duration `yaml:"disconnect_poll_interval"`

	// PrefixCache holds the gateway-wide prefix cache settings. Only
	// DiskDir is used, as the root directory of on-disk prefix caches; a
	// model descriptor without its own cache policy gets
	// registry.DefaultCachePolicy(), and Mode and CapacityByte here are
	// not applied to it.
	PrefixCache PrefixCacheConfig `yaml:"prefix_cache"`

	// AuditDBPath is the sqlite file backing the chat log sink.
	AuditDBPath string `yaml:"audit_db_path"`
}

// PrefixCacheConfig is the default cache policy (§3).
type PrefixCacheConfig struct {
	Mode         string `yaml:"mode"` // "off" | "ram" | "disk"
	CapacityByte int64  `yaml:"capacity_bytes"`
	DiskDir      string `yaml:"disk_dir"`
}

// Default returns the documented defaults (§6): one worker, one semaphore
// per worker, embeddings enabled, 2 GiB RAM prefix cache.
func Default() Config {
	return Config{
		Addr:                   ":8080",
		MaxWorkers:             1,
		MaxSemaphores:          1,
		NoEmbed:                false,
		RegistryPath:           "models.yaml",
		RecycleThreshold:       0,
		ModelLoadTimeout:       60 * time.Second,
		ChunkWaitTimeout:       30 * time.Second,
		DisconnectPollInterval: time.Second,
		PrefixCache: PrefixCacheConfig{
			Mode:         "ram",
			CapacityByte: 2 << 30, // 2 GiB
			DiskDir:      "./cache",
		},
		AuditDBPath: "./gateway-audit.db",
	}
}

// Load reads path (if present), layering it over Default(), then applies
// GATEWAY_* environment overrides. A missing file is not an error — the
// gateway runs with documented defaults, matching §6's "CLI/env flags the
// dispatcher honors".
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("GATEWAY_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv("GATEWAY_MAX_SEMAPHORES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSemaphores = n
		}
	}
	if v := os.Getenv("GATEWAY_NO_EMBED"); v != "" {
		cfg.NoEmbed = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("GATEWAY_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("GATEWAY_RECYCLE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RecycleThreshold = n
		}
	}
}
