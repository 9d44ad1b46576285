package output

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/loykin/easysvc/internal/metrics"
)

const (
	// LastLineFile holds only the most recent captured line.
	LastLineFile = "lastline.log"
	dayLayout    = "2006-01-02"
)

// DailyFileName is the output file a line captured at t is appended to.
func DailyFileName(t time.Time) string { return t.Format(dayLayout) + ".log" }

// Capture persists worker output lines. With a directory, each line is
// appended to the current day's file and replaces the last-line file.
// Without one, lines go to the console writer.
type Capture struct {
	name    string
	dir     string
	console io.Writer
	log     *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

type Option func(*Capture)

func WithLogger(l *slog.Logger) Option {
	return func(c *Capture) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock replaces time.Now, which picks the daily file.
func WithClock(now func() time.Time) Option {
	return func(c *Capture) { c.now = now }
}

func WithConsole(w io.Writer) Option {
	return func(c *Capture) { c.console = w }
}

// New creates a capture for the named worker writing into dir.
// An empty dir selects console mode.
func New(name, dir string, opts ...Option) *Capture {
	c := &Capture{
		name:    name,
		dir:     dir,
		console: os.Stdout,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Capture) Dir() string { return c.dir }

// Console reports whether lines are written to the console.
func (c *Capture) Console() bool { return c.dir == "" }

func (c *Capture) LastLinePath() string {
	if c.dir == "" {
		return ""
	}
	return filepath.Join(c.dir, LastLineFile)
}

// CleanLine strips a trailing NUL and trailing whitespace.
func CleanLine(line string) string {
	line = strings.TrimRight(line, "\x00")
	return strings.TrimRightFunc(line, unicode.IsSpace)
}

// WriteLine records one line. Failures are logged, never returned.
func (c *Capture) WriteLine(line string) {
	line = CleanLine(line)
	c.mu.Lock()
	defer c.mu.Unlock()
	metrics.IncOutputLine(c.name)

	if c.dir == "" {
		if _, err := fmt.Fprintln(c.console, line); err != nil {
			c.fail("write console", err)
		}
		return
	}
	if err := c.appendDaily(line); err != nil {
		c.fail("append output file", err)
	}
	if err := writeFileAtomic(c.LastLinePath(), []byte(line)); err != nil {
		c.fail("write last line", err)
	}
}

// ClearLastLine empties the last-line file.
func (c *Capture) ClearLastLine() error {
	if c.dir == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return writeFileAtomic(c.LastLinePath(), nil)
}

func (c *Capture) appendDaily(line string) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.dir, DailyFileName(c.now()))
	// #nosec G304 -- path is built from the configured output directory
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (c *Capture) fail(op string, err error) {
	metrics.IncOutputError(c.name)
	c.log.Error("output capture failed", "worker", c.name, "op", op, "error", err)
}
