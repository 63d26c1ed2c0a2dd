// Package backendtest provides an in-memory backend.Backend fake used by
// the generation loop, worker pool, and dispatcher tests: a hand-written
// fake over the interface rather than a mocking framework.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/llamagate/gateway/internal/backend"
)

// Fake is a scripted Backend: Tokenize splits on bytes, Step yields tokens
// from a pre-programmed Script (wrapping around when Loop is set, EOS once
// exhausted otherwise), and Detokenize maps a
// token id back to the byte(s) it was tokenized from via Vocab.
type Fake struct {
	mu sync.Mutex

	// Vocab maps token id -> the bytes it detokenizes to. Tests populate
	// this to control how token boundaries split UTF-8 characters.
	Vocab map[int32][]byte

	// Script is consumed step by step; Step returns EOS once exhausted
	// unless Loop is true.
	Script []int32
	Loop   bool
	pos    int

	EOSID int32

	SaveStateCalls int
	LoadStateCalls int
	SetCacheCalls  int
	StepCalls      int
	Closed         bool

	EmbeddingSupported bool
	EmbedFn            func(text string) []float32
}

// NewFake returns a Fake ready for use with an empty vocabulary; callers
// populate Vocab and Script before driving the generation loop.
func NewFake() *Fake {
	return &Fake{Vocab: map[int32][]byte{}, EOSID: -1}
}

func (f *Fake) Tokenize(_ context.Context, text string) ([]int32, error) {
	if text == "" {
		return []int32{0}, nil
	}
	ids := make([]int32, 0, len(text))
	for _, b := range []byte(text) {
		ids = append(ids, int32(b))
	}
	return ids, nil
}

func (f *Fake) Detokenize(_ context.Context, ids []int32) ([]byte, error) {
	var out []byte
	for _, id := range ids {
		b, ok := f.Vocab[id]
		if !ok {
			return nil, fmt.Errorf("fake backend: no vocab entry for token %d", id)
		}
		out = append(out, b...)
	}
	return out, nil
}

func (f *Fake) Step(_ context.Context, _ backend.StepRequest) (backend.StepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.StepCalls++

	if f.pos >= len(f.Script) {
		if f.Loop && len(f.Script) > 0 {
			f.pos = 0
		} else {
			return backend.StepResult{TokenID: f.EOSID, IsEOS: true}, nil
		}
	}
	tok := f.Script[f.pos]
	f.pos++
	return backend.StepResult{TokenID: tok, IsEOS: tok == f.EOSID}, nil
}

func (f *Fake) SaveState(_ context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SaveStateCalls++
	return []byte("state"), nil
}

func (f *Fake) LoadState(_ context.Context, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoadStateCalls++
	return nil
}

func (f *Fake) SetCache(_ context.Context, _ []int32, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetCacheCalls++
	return nil
}

func (f *Fake) SupportsEmbedding() bool { return f.EmbeddingSupported }

func (f *Fake) Embed(_ context.Context, text string) ([]float32, error) {
	if !f.EmbeddingSupported {
		return nil, fmt.Errorf("embedding not supported")
	}
	if f.EmbedFn != nil {
		return f.EmbedFn(text), nil
	}
	return []float32{1, 0, 0}, nil
}

func (f *Fake) Close() error {
	f.Closed = true
	return nil
}

var _ backend.Backend = (*Fake)(nil)
