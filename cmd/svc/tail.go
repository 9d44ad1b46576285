package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loykin/easysvc/internal/output"
)

// Tail prints the worker's last output line, and with Follow every new
// one as the supervisor replaces lastline.log.
func (c *command) Tail(ctx context.Context, flags GlobalFlags, tf TailFlags) error {
	conf, err := c.load(flags)
	if err != nil {
		return err
	}
	if conf.OutFileDir == "" {
		return errors.New("worker output goes to the console; set OutFileDir to tail it")
	}
	path := filepath.Join(conf.OutFileDir, output.LastLineFile)

	// a replacement is new if its content or its mtime changed
	var (
		last    []byte
		lastMod time.Time
	)
	show := func() {
		fi, err := os.Stat(path)
		if err != nil {
			return
		}
		b, err := os.ReadFile(path)
		if err != nil || len(b) == 0 || (bytes.Equal(b, last) && fi.ModTime().Equal(lastMod)) {
			return
		}
		last, lastMod = b, fi.ModTime()
		_, _ = c.out.Write(b)
		if b[len(b)-1] != '\n' {
			_, _ = fmt.Fprintln(c.out)
		}
	}
	show()
	if !tf.Follow {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", conf.OutFileDir, err)
	}
	defer func() { _ = w.Close() }()
	// lastline.log is replaced by rename, so watch the directory
	if err := w.Add(conf.OutFileDir); err != nil {
		return fmt.Errorf("watch %s: %w", conf.OutFileDir, err)
	}

	sigs, stop := c.signals()
	defer stop()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) == output.LastLineFile && (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) {
				show()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			_, _ = fmt.Fprintln(c.errOut, "watch error:", err)
		case <-sigs:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
