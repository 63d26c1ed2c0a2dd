package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/llamagate/gateway/internal/backend"
	"github.com/llamagate/gateway/internal/cache"
	"github.com/llamagate/gateway/internal/gwerr"
)

// Settings bundles the per-request generation parameters threaded from the
// request body down to the backend (§4.3 step 4, §9 supplemented feature
// #5).
type Settings struct {
	MaxTokens   int
	Stop        []string
	Temperature float32
	TopP        float32
	TopK        int
	Processors  []backend.LogitsProcessor
	Stopping    []backend.StoppingCriterion
	Grammar     *backend.GrammarConstraint
	Logprobs    bool
}

// Emit is called once per safe-to-send text chunk. Returning an error
// aborts generation (e.g. the SSE connection closed) without treating it
// as a backend failure.
type Emit func(chunk string) error

// Generator is a loaded model plus its companion mutable state (§3): the
// backend handle, its prefix cache, the last-evaluated token prefix, an
// interrupt flag, and the table of in-flight completion statuses. A
// Generator is bound to exactly one worker for its lifetime.
type Generator struct {
	ModelID string
	Backend backend.Backend
	Cache   cache.Store
	Logger  *slog.Logger

	mu             sync.Mutex
	lastEvalTokens []int32
	statuses       map[string]*Status

	interruptMu sync.Mutex
	interrupts  map[string]*bool
}

// NewGenerator constructs a Generator for a freshly loaded backend.
func NewGenerator(modelID string, b backend.Backend, store cache.Store, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		ModelID:    modelID,
		Backend:    b,
		Cache:      store,
		Logger:     logger,
		statuses:   map[string]*Status{},
		interrupts: map[string]*bool{},
	}
}

// Interrupt sets the interrupt flag for an in-flight request (§4.3,
// "Interruption"), causing the loop to exit cleanly at its next step
// boundary with state=interrupted.
func (g *Generator) Interrupt(requestID string) {
	g.interruptMu.Lock()
	defer g.interruptMu.Unlock()
	if flag, ok := g.interrupts[requestID]; ok {
		*flag = true
	}
}

// StatusOf returns a snapshot of a request's completion status, if one is
// currently tracked (§3 invariant: exists iff generation is in progress).
func (g *Generator) StatusOf(requestID string) (Status, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.statuses[requestID]
	if !ok {
		return Status{}, false
	}
	return st.Snapshot(), true
}

// Run executes the full generation loop (§4.3) for one request: tokenize,
// warm from the prefix cache, step until a terminal condition, detokenize
// with UTF-8 resynchronization, check stop strings, and write back to the
// cache on clean termination.
//
// Cache write-back happens on any clean termination — EOS, stop match, or
// max-tokens exhaustion — but never on interruption: an interrupted
// request's partial generation is deliberately not cached, since its
// prefix may not reflect a state worth resuming from.
func (g *Generator) Run(ctx context.Context, requestID, prompt string, settings Settings, emit Emit) (Status, error) {
	interruptFlag := new(bool)
	g.interruptMu.Lock()
	g.interrupts[requestID] = interruptFlag
	g.interruptMu.Unlock()
	defer func() {
		g.interruptMu.Lock()
		delete(g.interrupts, requestID)
		g.interruptMu.Unlock()
	}()

	promptTokens, err := g.Backend.Tokenize(ctx, prompt)
	if err != nil {
		return Status{}, fmt.Errorf("%w: tokenize: %v", gwerr.ErrBackendFailure, err)
	}

	status := &Status{
		RequestID: requestID,
		StartedAt: time.Now(),
		InputText: prompt,
		State:     StateRunning,
	}
	g.mu.Lock()
	g.statuses[requestID] = status
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.statuses, requestID)
		g.mu.Unlock()
	}()

	g.warmFromCache(ctx, promptTokens)

	generatedIDs := make([]int32, 0, settings.MaxTokens)
	var byteBuf []byte
	checker := NewStopChecker(settings.Stop)

	finalState := StateDone
	stepErr := error(nil)

stepLoop:
	for step := 0; settings.MaxTokens <= 0 || step < settings.MaxTokens; step++ {
		if *interruptFlag {
			finalState = StateInterrupted
			break
		}
		select {
		case <-ctx.Done():
			finalState = StateInterrupted
			break stepLoop
		default:
		}

		seq := append(append([]int32(nil), promptTokens...), generatedIDs...)
		result, err := g.Backend.Step(ctx, backend.StepRequest{
			Tokens:      seq,
			Processors:  settings.Processors,
			Stopping:    settings.Stopping,
			Grammar:     settings.Grammar,
			Temperature: settings.Temperature,
			TopP:        settings.TopP,
			TopK:        settings.TopK,
		})
		if err != nil {
			stepErr = fmt.Errorf("%w: step: %v", gwerr.ErrBackendFailure, err)
			break
		}
		if result.IsEOS {
			finalState = StateDone
			break
		}

		generatedIDs = append(generatedIDs, result.TokenID)
		status.GeneratedTokens++

		tokenBytes, err := g.Backend.Detokenize(ctx, []int32{result.TokenID})
		if err != nil {
			stepErr = fmt.Errorf("%w: detokenize: %v", gwerr.ErrBackendFailure, err)
			break
		}
		byteBuf = append(byteBuf, tokenBytes...)

		// A multi-byte character can straddle a token boundary (§4.3 step
		// 4, §8 scenario 5): FullRune on the buffer's last rune reports false
		// only for a valid lead byte sequence that is not yet long enough, in
		// which case we keep accumulating bytes rather than decoding a
		// truncated rune.
		last := len(byteBuf) - 1
		for last > 0 && len(byteBuf)-last < utf8.UTFMax && !utf8.RuneStart(byteBuf[last]) {
			last--
		}
		if !utf8.FullRune(byteBuf[last:]) {
			continue
		}

		text := string(byteBuf)
		byteBuf = nil

		chunk, matched := checker.Feed(text)
		if matched {
			finalState = StateDone
			break
		}
		if chunk != "" {
			status.GeneratedText += chunk
			if err := emit(chunk); err != nil {
				finalState = StateInterrupted
				break
			}
		}
	}

	if stepErr == nil {
		if tail := checker.Flush(); tail != "" && finalState != StateInterrupted {
			status.GeneratedText += tail
			if err := emit(tail); err != nil {
				finalState = StateInterrupted
			}
		}
	}

	status.State = finalState
	g.updateLastEval(promptTokens, generatedIDs)

	if stepErr == nil && finalState != StateInterrupted && g.Cache != nil {
		g.writeBack(ctx, promptTokens, generatedIDs)
	}

	g.Logger.Info("generation finished",
		"request_id", requestID,
		"model", g.ModelID,
		"tokens", status.GeneratedTokens,
		"elapsed", time.Since(status.StartedAt),
		"tokens_per_second", tokensPerSecond(status.GeneratedTokens, time.Since(status.StartedAt)),
		"state", status.State,
	)

	if stepErr != nil {
		return status.Snapshot(), stepErr
	}
	return status.Snapshot(), nil
}

func tokensPerSecond(tokens int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(tokens) / elapsed.Seconds()
}

func (g *Generator) warmFromCache(ctx context.Context, promptTokens []int32) {
	if g.Cache == nil {
		return
	}
	item, cachePrefixLen, ok := g.Cache.LongestPrefix(ctx, promptTokens)
	if !ok {
		return
	}

	g.mu.Lock()
	evalPrefixLen := 0
	if g.lastEvalTokens != nil {
		evalPrefixLen = cache.CommonPrefixLen(promptTokens, g.lastEvalTokens)
	}
	g.mu.Unlock()

	// §4.4 step 3: only load the cached state if it is strictly warmer
	// than what the backend already has evaluated.
	if cachePrefixLen > evalPrefixLen {
		if err := g.Backend.LoadState(ctx, item.State); err != nil {
			g.Logger.Warn("prefix cache load failed, continuing without it",
				"model", g.ModelID, "error", err)
			return
		}
		g.mu.Lock()
		g.lastEvalTokens = item.Tokens
		g.mu.Unlock()
	}
}

func (g *Generator) writeBack(ctx context.Context, promptTokens, generatedIDs []int32) {
	key := append(append([]int32(nil), promptTokens...), generatedIDs...)
	state, err := g.Backend.SaveState(ctx)
	if err != nil {
		g.Logger.Warn("prefix cache save-state failed, skipping write-back",
			"model", g.ModelID, "error", err)
		return
	}
	if err := g.Cache.Put(ctx, key, state); err != nil {
		g.Logger.Warn("prefix cache write-back failed", "model", g.ModelID, "error", err)
	}
}

func (g *Generator) updateLastEval(promptTokens, generatedIDs []int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastEvalTokens = append(append([]int32(nil), promptTokens...), generatedIDs...)
}
