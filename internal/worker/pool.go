package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/llamagate/gateway/internal/ipc"
)

// ReExecArgs are the argv passed to the pool's binary when it spawns a
// worker process (§4.2, §9: workers are OS processes, not goroutines, so a
// native-library leak in one worker can be bounded by killing and
// respawning it without affecting the others). cmd/gateway's root command
// recognizes this hidden subcommand and runs (*worker.Server).Serve.
var ReExecArgs = []string{"worker", "--ipc"}

// Handle is the dispatcher-facing view of one worker OS process: its
// encoder/decoder pair and a channel of frames read by a background pump
// goroutine, demultiplexed by the dispatcher per request id.
type Handle struct {
	ID int

	cmd    *exec.Cmd
	enc    *ipc.Encoder
	Frames <-chan ipc.Frame

	mu      sync.Mutex
	killed  bool
	exited  chan struct{}
	baseDir string
	logger  *slog.Logger
}

// Send encodes a frame to the worker's stdin.
func (h *Handle) Send(f ipc.Frame) error {
	return h.enc.Encode(f)
}

// NewHandle builds a Handle around an already-open writer and frame
// channel, bypassing the OS-process spawn in spawn/NewPool. For tests
// that drive the dispatcher/httpapi layers against a fake worker speaking
// the real ipc wire format (e.g. over an io.Pipe) rather than a live
// process.
func NewHandle(id int, w io.Writer, frames <-chan ipc.Frame) *Handle {
	return &Handle{
		ID:     id,
		enc:    ipc.NewEncoder(w),
		Frames: frames,
		exited: make(chan struct{}),
	}
}

// Dead reports whether the process has exited (crashed, been killed, or
// recycled) and a replacement should be spawned in its slot.
func (h *Handle) Dead() bool {
	select {
	case <-h.exited:
		return true
	default:
		return false
	}
}

// Kill terminates the worker process. Shutdown calls it for every worker;
// nothing else in the module does.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.killed {
		return
	}
	h.killed = true
	if h.cmd.Process != nil {
		h.cmd.Process.Kill()
	}
}

// Pool owns the fixed set of W worker processes the dispatcher selects
// among (§4.1, §5). Respawn spawns a replacement process into a slot; the
// dispatcher keeps the Handles it was constructed with and does not pick
// up a replacement made later.
type Pool struct {
	binary  string
	baseDir string
	logger  *slog.Logger

	mu      sync.Mutex
	workers []*Handle
}

// NewPool spawns n worker processes re-executing binary (conventionally
// os.Args[0]) with ReExecArgs.
func NewPool(ctx context.Context, binary string, n int, baseDir string, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{binary: binary, baseDir: baseDir, logger: logger}
	for i := 0; i < n; i++ {
		h, err := p.spawn(ctx, i)
		if err != nil {
			p.Shutdown()
			return nil, fmt.Errorf("spawning worker %d: %w", i, err)
		}
		p.workers = append(p.workers, h)
	}
	return p, nil
}

func (p *Pool) spawn(ctx context.Context, id int) (*Handle, error) {
	cmd := exec.CommandContext(ctx, p.binary, ReExecArgs...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("GATEWAY_WORKER_ID=%d", id))
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	frames := make(chan ipc.Frame, 16)
	exited := make(chan struct{})
	h := &Handle{
		ID:      id,
		cmd:     cmd,
		enc:     ipc.NewEncoder(stdin),
		Frames:  frames,
		exited:  exited,
		baseDir: p.baseDir,
		logger:  p.logger,
	}

	go h.pump(stdout, frames, exited)
	return h, nil
}

// pump reads frames from the worker's stdout until it closes, then closes
// the exited channel so the dispatcher and pool notice.
func (h *Handle) pump(stdout io.Reader, frames chan<- ipc.Frame, exited chan struct{}) {
	dec := ipc.NewDecoder(stdout)
	defer close(frames)
	defer close(exited)
	for {
		f, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Warn("worker stream closed", "worker_id", h.ID, "error", err)
			}
			return
		}
		frames <- f
	}
}

// Workers returns the current slot handles. A dead handle's slot should be
// passed to Respawn before the dispatcher selects it again.
func (p *Pool) Workers() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Handle, len(p.workers))
	copy(out, p.workers)
	return out
}

// Respawn replaces a dead or recycled worker's slot with a freshly spawned
// process, preserving its slot index (§9: recycling kills and restarts a
// worker in place, it does not change W).
func (p *Pool) Respawn(ctx context.Context, id int) (*Handle, error) {
	h, err := p.spawn(ctx, id)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.workers {
		if existing.ID == id {
			p.workers[i] = h
			return h, nil
		}
	}
	p.workers = append(p.workers, h)
	return h, nil
}

// Shutdown sends every worker a shutdown frame, then kills every worker
// process without waiting for it to exit on its own.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.workers {
		h.Send(ipc.Frame{Type: ipc.TypeShutdown})
	}
	for _, h := range p.workers {
		h.Kill()
	}
}
