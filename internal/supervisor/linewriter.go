package supervisor

import (
	"bytes"
	"io"
	"sync"

	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// maxLineBytes bounds the pending buffer for output without newlines.
const maxLineBytes = 64 * 1024

// lineWriter splits a byte stream into lines and hands each to emit.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLineBytes {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing line that never got its newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// outputStream is what a worker's stdout or stderr is attached to. Bytes
// are decoded to UTF-8 before being split into lines, so multi-byte
// encodings never get cut inside a character.
type outputStream struct {
	w     io.Writer
	dec   *transform.Writer
	lines *lineWriter
}

func newOutputStream(enc encoding.Encoding, emit func(string)) *outputStream {
	s := &outputStream{lines: &lineWriter{emit: emit}}
	s.w = s.lines
	if enc != nil {
		s.dec = transform.NewWriter(s.lines, enc.NewDecoder())
		s.w = s.dec
	}
	return s
}

func (s *outputStream) Write(p []byte) (int, error) { return s.w.Write(p) }

// Close drains the decoder and the partial line.
func (s *outputStream) Close() error {
	var err error
	if s.dec != nil {
		err = s.dec.Close()
	}
	s.lines.Flush()
	return err
}
