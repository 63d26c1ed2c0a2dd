// Package httpapi is the HTTP surface of the gateway (§6): an
// OpenAI-compatible REST API in front of the dispatcher, worker pool, and
// model registry. Handlers do all request parsing, validation, and error
// mapping to status codes; the dispatcher and worker packages never import
// net/http (§7's stated boundary).
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/llamagate/gateway/internal/audit"
	"github.com/llamagate/gateway/internal/config"
	"github.com/llamagate/gateway/internal/dispatcher"
	"github.com/llamagate/gateway/internal/gwerr"
	"github.com/llamagate/gateway/internal/ipc"
	"github.com/llamagate/gateway/internal/registry"
	"github.com/llamagate/gateway/internal/worker"
)

// Gateway holds every dependency the HTTP handlers need: the model
// registry, the dispatcher (worker selection), the frame bridge (request-id
// demultiplexing over worker stdio), and the audit sink.
type Gateway struct {
	cfg        config.Config
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher[*worker.Handle]
	bridge     *bridge
	auditSink  *audit.Sink
	metrics    *metrics
	logger     *slog.Logger
	tracer     trace.Tracer
	validate   *validator.Validate
}

// New builds a Gateway and starts bridging every currently running worker's
// frame stream. Workers spawned later (respawn after a kill/recycle) must
// be registered with WatchWorker.
func New(cfg config.Config, reg *registry.Registry, disp *dispatcher.Dispatcher[*worker.Handle], workers []*worker.Handle, auditSink *audit.Sink, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	b := newBridge()
	for _, h := range workers {
		b.watch(h)
	}
	return &Gateway{
		cfg:        cfg,
		registry:   reg,
		dispatcher: disp,
		bridge:     b,
		auditSink:  auditSink,
		metrics:    newMetrics(),
		logger:     logger,
		tracer:     otel.Tracer("llamagate.httpapi"),
		validate:   validator.New(),
	}
}

// WatchWorker attaches the bridge to a freshly (re)spawned worker handle.
func (g *Gateway) WatchWorker(h *worker.Handle) {
	g.bridge.watch(h)
}

// RecordEviction increments the generator-LRU-eviction counter. It has the
// shape of a worker.Residency.OnEvict callback, but nothing in this module
// assigns it: each Residency lives in a separate worker process.
func (g *Gateway) RecordEviction() {
	g.metrics.lruEvictions.Inc()
}

func newRequestID() string {
	return uuid.NewString()
}

// acquire wraps dispatcher.Acquire to keep the workers_busy gauge in step
// with held semaphore permits. Callers must defer the returned release func
// exactly once, mirroring Lease.Release's own once-only semantics.
func (g *Gateway) acquire(ctx context.Context, modelID string) (*gatewayLease, func(), error) {
	lease, err := g.dispatcher.Acquire(ctx, modelID)
	if err != nil {
		return nil, nil, err
	}
	g.metrics.workersBusy.Inc()
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		lease.Release()
		g.metrics.workersBusy.Dec()
	}
	return lease, release, nil
}

// ensureModelLoaded sends a load_model frame and blocks for the worker's
// load confirmation. Residency.Ensure is idempotent for an already-resident
// model, so calling this on every request is cheap once warm (§4.2).
func (g *Gateway) ensureModelLoaded(ctx context.Context, h *worker.Handle, requestID string, d *registry.ModelDescriptor) error {
	ch := g.bridge.register(requestID)
	defer g.bridge.unregister(requestID)

	frame := ipc.Frame{
		Type:      ipc.TypeLoadModel,
		RequestID: requestID,
		LoadModel: &ipc.LoadModelPayload{
			ModelID:          d.ID,
			Kind:             string(d.Kind),
			Path:             d.Path,
			BaseURL:          d.Params.BaseURL,
			EmbeddingEnabled: d.Params.EmbeddingEnabled,
			CachePolicy: ipc.CachePolicyWire{
				Mode:         string(d.Cache.Mode),
				CapacityByte: d.Cache.CapacityByte,
			},
		},
	}
	if err := h.Send(frame); err != nil {
		g.metrics.modelLoadErrors.WithLabelValues("send_failed").Inc()
		return fmt.Errorf("sending load_model frame: %w", err)
	}

	select {
	case <-ctx.Done():
		return gwerr.ErrClientCancelled
	case f := <-ch:
		switch f.Type {
		case ipc.TypeDone:
			return nil
		case ipc.TypeError:
			g.metrics.modelLoadErrors.WithLabelValues(f.Error.Kind).Inc()
			return mapWireError(f.Error)
		default:
			return fmt.Errorf("unexpected frame %q while loading model", f.Type)
		}
	}
}

// runGenerate drives one completion end to end: send the generate frame,
// fan chunks to onChunk as they arrive, and return the terminal Done
// payload. On client disconnect (ctx cancelled) it sends an interrupt frame
// and gives the worker ChunkWaitTimeout to unwind cleanly before giving up,
// so the worker's semaphore is always released promptly (§5).
func (g *Gateway) runGenerate(ctx context.Context, h *worker.Handle, requestID string, p *ipc.GeneratePayload, onChunk func(string)) (*ipc.DonePayload, error) {
	ch := g.bridge.register(requestID)
	defer g.bridge.unregister(requestID)

	if err := h.Send(ipc.Frame{Type: ipc.TypeGenerate, RequestID: requestID, Generate: p}); err != nil {
		return nil, fmt.Errorf("sending generate frame: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			h.Send(ipc.Frame{Type: ipc.TypeInterrupt, RequestID: requestID})
			select {
			case f := <-ch:
				if f.Type == ipc.TypeDone {
					return f.Done, gwerr.ErrClientCancelled
				}
			case <-time.After(g.cfg.ChunkWaitTimeout):
			}
			return nil, gwerr.ErrClientCancelled
		case f := <-ch:
			switch f.Type {
			case ipc.TypeChunk:
				if f.Chunk != nil {
					onChunk(f.Chunk.Text)
				}
			case ipc.TypeDone:
				return f.Done, nil
			case ipc.TypeError:
				return nil, mapWireError(f.Error)
			}
		}
	}
}

func (g *Gateway) runEmbed(ctx context.Context, h *worker.Handle, requestID string, p *ipc.EmbedPayload) (*ipc.DonePayload, error) {
	ch := g.bridge.register(requestID)
	defer g.bridge.unregister(requestID)

	if err := h.Send(ipc.Frame{Type: ipc.TypeEmbed, RequestID: requestID, Embed: p}); err != nil {
		return nil, fmt.Errorf("sending embed frame: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, gwerr.ErrClientCancelled
	case f := <-ch:
		switch f.Type {
		case ipc.TypeDone:
			return f.Done, nil
		case ipc.TypeError:
			return nil, mapWireError(f.Error)
		default:
			return nil, fmt.Errorf("unexpected frame %q while embedding", f.Type)
		}
	}
}

// mapWireError recovers a gwerr sentinel from its wire-carried Error()
// text (ipc.ErrorPayload.Kind), matching it back to the shared sentinel so
// errors.Is keeps working across the process boundary.
func mapWireError(p *ipc.ErrorPayload) error {
	if p == nil {
		return gwerr.ErrBackendFailure
	}
	for _, sentinel := range []error{
		gwerr.ErrUnknownModel,
		gwerr.ErrNoAvailableWorker,
		gwerr.ErrClientCancelled,
		gwerr.ErrModelLoadTimeout,
		gwerr.ErrBackendFailure,
		gwerr.ErrEmbeddingsDisabled,
		gwerr.ErrUnsupportedFeature,
	} {
		if p.Kind == sentinel.Error() {
			if p.Detail != "" {
				return fmt.Errorf("%w: %s", sentinel, p.Detail)
			}
			return sentinel
		}
	}
	return errors.New(p.Detail)
}
