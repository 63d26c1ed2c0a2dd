package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/llamagate/gateway/internal/generation"
	"github.com/llamagate/gateway/internal/gwerr"
	"github.com/llamagate/gateway/internal/ipc"
	"github.com/llamagate/gateway/internal/registry"
)

// Server runs the worker side of the ipc protocol: it reads frames from
// Stdin, drives a Residency, and writes chunk/done/error frames back to
// Stdout. One Server per worker process.
type Server struct {
	residency   *Residency
	enc         *ipc.Encoder
	dec         *ipc.Decoder
	loadTimeout time.Duration
	logger      *slog.Logger
}

// NewServer builds a Server around an already-constructed Residency and
// the process's stdio pipes (or any io.Reader/io.Writer in tests).
func NewServer(residency *Residency, in io.Reader, out io.Writer, loadTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		residency:   residency,
		enc:         ipc.NewEncoder(out),
		dec:         ipc.NewDecoder(in),
		loadTimeout: loadTimeout,
		logger:      logger,
	}
}

// Serve reads frames until the stream closes or ctx is done. It returns
// nil on a clean TypeShutdown or EOF, and a non-nil error only for
// protocol-level failures (the dispatcher never sees a Backend failure
// here — that's reported in a TypeError frame instead).
func (s *Server) Serve(ctx context.Context) error {
	if err := s.enc.Encode(ipc.Frame{Type: ipc.TypeReady}); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := s.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch frame.Type {
		case ipc.TypeShutdown:
			return nil
		case ipc.TypeLoadModel:
			s.handleLoadModel(ctx, frame)
		case ipc.TypeGenerate:
			s.handleGenerate(ctx, frame)
		case ipc.TypeEmbed:
			s.handleEmbed(ctx, frame)
		case ipc.TypeInterrupt:
			s.handleInterrupt(frame)
		default:
			s.sendError(frame.RequestID, gwerr.ErrBackendFailure, "unknown frame type")
		}
	}
}

func (s *Server) handleLoadModel(ctx context.Context, frame ipc.Frame) {
	if frame.LoadModel == nil {
		s.sendError(frame.RequestID, gwerr.ErrBackendFailure, "load_model frame missing payload")
		return
	}
	p := frame.LoadModel
	d := &registry.ModelDescriptor{
		ID:   p.ModelID,
		Kind: registry.BackendKind(p.Kind),
		Path: p.Path,
		Cache: registry.CachePolicy{
			Mode:         registry.CacheMode(p.CachePolicy.Mode),
			CapacityByte: p.CachePolicy.CapacityByte,
		},
	}
	d.Params.BaseURL = p.BaseURL
	d.Params.EmbeddingEnabled = p.EmbeddingEnabled

	if _, err := s.residency.Ensure(ctx, d, s.loadTimeout); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.sendError(frame.RequestID, gwerr.ErrModelLoadTimeout, err.Error())
			return
		}
		s.sendError(frame.RequestID, gwerr.ErrBackendFailure, err.Error())
		return
	}
	s.enc.Encode(ipc.Frame{Type: ipc.TypeDone, RequestID: frame.RequestID, Done: &ipc.DonePayload{State: "loaded"}})
}

func (s *Server) handleGenerate(ctx context.Context, frame ipc.Frame) {
	if frame.Generate == nil {
		s.sendError(frame.RequestID, gwerr.ErrBackendFailure, "generate frame missing payload")
		return
	}
	p := frame.Generate
	gen, ok := s.residency.Get(p.ModelID)
	if !ok {
		s.sendError(frame.RequestID, gwerr.ErrUnknownModel, p.ModelID)
		return
	}

	settings := generation.Settings{
		MaxTokens:   p.MaxTokens,
		Stop:        p.Stop,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		TopK:        p.TopK,
		Processors:  p.Processors,
		Stopping:    p.Stopping,
		Grammar:     p.Grammar,
		Logprobs:    p.Logprobs,
	}

	status, err := gen.Run(ctx, frame.RequestID, p.Prompt, settings, func(chunk string) error {
		return s.enc.Encode(ipc.Frame{Type: ipc.TypeChunk, RequestID: frame.RequestID, Chunk: &ipc.ChunkPayload{Text: chunk}})
	})
	if err != nil {
		s.residency.Evict(p.ModelID)
		s.sendError(frame.RequestID, gwerr.ErrBackendFailure, err.Error())
		return
	}
	s.enc.Encode(ipc.Frame{
		Type:      ipc.TypeDone,
		RequestID: frame.RequestID,
		Done:      &ipc.DonePayload{State: string(status.State), GeneratedTokens: status.GeneratedTokens},
	})
}

func (s *Server) handleEmbed(ctx context.Context, frame ipc.Frame) {
	if frame.Embed == nil {
		s.sendError(frame.RequestID, gwerr.ErrBackendFailure, "embed frame missing payload")
		return
	}
	p := frame.Embed
	gen, ok := s.residency.Get(p.ModelID)
	if !ok {
		s.sendError(frame.RequestID, gwerr.ErrUnknownModel, p.ModelID)
		return
	}
	if !gen.Backend.SupportsEmbedding() {
		s.sendError(frame.RequestID, gwerr.ErrUnsupportedFeature, "model does not support embeddings")
		return
	}
	vec, err := gen.Backend.Embed(ctx, p.Text)
	if err != nil {
		s.residency.Evict(p.ModelID)
		s.sendError(frame.RequestID, gwerr.ErrBackendFailure, err.Error())
		return
	}
	s.enc.Encode(ipc.Frame{
		Type:      ipc.TypeDone,
		RequestID: frame.RequestID,
		Done:      &ipc.DonePayload{State: "done", Embedding: vec},
	})
}

func (s *Server) handleInterrupt(frame ipc.Frame) {
	// The interrupt targets whichever generator is running frame.RequestID;
	// since a worker runs one job at a time, the residency doesn't need to
	// search, but a generator keyed by model id might not be the one
	// currently streaming, so broadcast is harmless and simple.
	for _, modelID := range s.residency.residentModelIDs() {
		if gen, ok := s.residency.Get(modelID); ok {
			gen.Interrupt(frame.RequestID)
		}
	}
}

func (s *Server) sendError(requestID string, kind error, detail string) {
	s.enc.Encode(ipc.Frame{
		Type:      ipc.TypeError,
		RequestID: requestID,
		Error:     &ipc.ErrorPayload{Kind: kind.Error(), Detail: detail},
	})
}
