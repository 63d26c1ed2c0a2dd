// Package logging builds the gateway's slog.Logger (§4.3's "one info log
// line per finished request", and every other component's diagnostic
// output): a handler chosen by destination and terminal-ness, colorized
// text for an interactive TTY and structured JSON otherwise, with no
// multi-destination exporter machinery since this gateway only ever
// writes to its own stdout/stderr.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Config controls handler selection. The zero value logs Info+ to stdout,
// as JSON unless stdout is a terminal, which is the right default for a process running under a
// container supervisor or systemd.
type Config struct {
	// Level is the minimum level that reaches the handler.
	Level slog.Level

	// Writer overrides the output destination (defaults to os.Stdout).
	// Tests pass a bytes.Buffer here.
	Writer io.Writer

	// Color forces (or suppresses) the human-readable handler regardless
	// of whether Writer is a terminal. A zero value (ColorAuto) detects
	// via go-isatty.
	Color ColorMode
}

// ColorMode selects how New decides between the JSON and text handlers.
type ColorMode int

const (
	// ColorAuto picks text when Writer is a TTY, JSON otherwise.
	ColorAuto ColorMode = iota
	// ColorForce always uses the colorized text handler.
	ColorForce
	// ColorNever always uses the JSON handler.
	ColorNever
)

// New builds a slog.Logger per Config. Every gateway component takes a
// *slog.Logger directly rather than this package's own wrapper type, so
// the rest of the codebase never imports "logging" except at startup.
func New(cfg Config) *slog.Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: cfg.Level}

	var handler slog.Handler
	if useText(w, cfg.Color) {
		handler = newTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler)
}

// Default returns an Info-level JSON-to-stdout logger, switching to the
// colorized handler automatically when stdout is a terminal. cmd/gateway
// does not use it: it builds its loggers with New, writing to stderr.
func Default() *slog.Logger {
	return New(Config{Level: slog.LevelInfo})
}

func useText(w io.Writer, mode ColorMode) bool {
	switch mode {
	case ColorForce:
		return true
	case ColorNever:
		return false
	default:
		f, ok := w.(*os.File)
		return ok && isatty.IsTerminal(f.Fd())
	}
}

// textHandler is a minimal colorized handler for interactive use: level
// abbreviation in color, a short time, the message, then key=value
// attributes. It intentionally does not attempt slog.Handler's full
// group/attr nesting semantics beyond what gin/cobra output needs —
// anything structured belongs in the JSON handler.
type textHandler struct {
	opts   *slog.HandlerOptions
	w      io.Writer
	attrs  []slog.Attr
	groups []string
}

func newTextHandler(w io.Writer, opts *slog.HandlerOptions) *textHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textHandler{w: w, opts: opts}
}

func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	var buf []byte
	buf = append(buf, r.Time.Format(time.TimeOnly)...)
	buf = append(buf, ' ')
	buf = append(buf, levelColor(r.Level)...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	for _, a := range h.attrs {
		buf = appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, a)
		return true
	})
	buf = append(buf, '\n')

	_, err := h.w.Write(buf)
	return err
}

func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *textHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

func appendAttr(buf []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	buf = append(buf, ' ')
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	buf = append(buf, a.Value.String()...)
	return buf
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\x1b[31mERROR\x1b[0m"
	case level >= slog.LevelWarn:
		return "\x1b[33mWARN\x1b[0m"
	case level >= slog.LevelInfo:
		return "\x1b[36mINFO\x1b[0m"
	default:
		return "\x1b[90mDEBUG\x1b[0m"
	}
}

var _ slog.Handler = (*textHandler)(nil)
