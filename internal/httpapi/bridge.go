package httpapi

import (
	"sync"

	"github.com/llamagate/gateway/internal/ipc"
	"github.com/llamagate/gateway/internal/worker"
)

// bridge demultiplexes each worker's single Frames channel by request id, so
// concurrent requests sharing a worker (S > 1) each see only their own
// chunk/done/error frames. One bridge serves the whole pool.
type bridge struct {
	mu      sync.Mutex
	waiters map[string]chan ipc.Frame
}

func newBridge() *bridge {
	return &bridge{waiters: make(map[string]chan ipc.Frame)}
}

// watch starts (or restarts, after a respawn) pumping h's frames into
// whichever request-id channel is currently registered for them.
func (b *bridge) watch(h *worker.Handle) {
	go func() {
		for f := range h.Frames {
			b.mu.Lock()
			ch, ok := b.waiters[f.RequestID]
			b.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}()
}

// register opens a frame channel for requestID. Callers must unregister
// once the request's final frame (Done or Error) has been consumed.
func (b *bridge) register(requestID string) <-chan ipc.Frame {
	ch := make(chan ipc.Frame, 16)
	b.mu.Lock()
	b.waiters[requestID] = ch
	b.mu.Unlock()
	return ch
}

func (b *bridge) unregister(requestID string) {
	b.mu.Lock()
	delete(b.waiters, requestID)
	b.mu.Unlock()
}
