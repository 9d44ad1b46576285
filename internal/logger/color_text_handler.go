package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// ColorTextHandler renders records with slog.TextHandler behind a level
// prefix. The prefix is written outside the text record so the message is
// never quoted because of escape codes. Colours are used only when the
// writer is a terminal.
type ColorTextHandler struct {
	inner *slog.TextHandler
	out   io.Writer
	color bool

	// shared by handlers derived through WithAttrs/WithGroup
	mu  *sync.Mutex
	buf *bytes.Buffer
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is false
// the time attribute is dropped, which keeps interactive output short.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	next := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			switch a.Key {
			case slog.TimeKey:
				if !showTime {
					return slog.Attr{}
				}
			case slog.LevelKey:
				// level is already rendered in the prefix
				return slog.Attr{}
			}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
	buf := &bytes.Buffer{}
	return &ColorTextHandler{
		inner: slog.NewTextHandler(buf, &o),
		out:   w,
		color: isTerminal(w),
		mu:    &sync.Mutex{},
		buf:   buf,
	}
}

// SetColor forces colours on or off.
func (h *ColorTextHandler) SetColor(on bool) *ColorTextHandler {
	h.color = on
	return h
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := make([]byte, 0, h.buf.Len()+24)
	line = append(line, h.prefix(r.Level)...)
	line = append(line, h.buf.Bytes()...)
	_, err := h.out.Write(line)
	return err
}

func (h *ColorTextHandler) prefix(l slog.Level) string {
	name := LevelName(l)
	pad := "  "
	if len(name) < 5 {
		pad += " "
	}
	if !h.color {
		return name + pad
	}
	var colorCode string
	switch {
	case l >= LevelCritical:
		colorCode = "\033[35m" // Magenta
	case l >= slog.LevelError:
		colorCode = "\033[31m" // Red
	case l >= slog.LevelWarn:
		colorCode = "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		colorCode = "\033[32m" // Green
	default:
		colorCode = "\033[36m" // Cyan
	}
	return colorCode + name + "\033[0m" + pad
}

func (h *ColorTextHandler) derive(inner slog.Handler) *ColorTextHandler {
	return &ColorTextHandler{inner: inner.(*slog.TextHandler), out: h.out, color: h.color, mu: h.mu, buf: h.buf}
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.derive(h.inner.WithAttrs(attrs))
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return h.derive(h.inner.WithGroup(name))
}
