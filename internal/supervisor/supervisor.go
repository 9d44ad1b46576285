package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/text/encoding"

	"github.com/loykin/easysvc/internal/history"
	"github.com/loykin/easysvc/internal/logger"
	"github.com/loykin/easysvc/internal/metrics"
	"github.com/loykin/easysvc/internal/output"
	"github.com/loykin/easysvc/internal/process"
)

// ErrAlreadyRunning is returned by Start while a worker is alive.
var ErrAlreadyRunning = errors.New("worker is already running")

const (
	// reapWait bounds how long Stop waits for the reaper after a tree kill.
	reapWait = 5 * time.Second
	// waitDelay lets Wait return even if a grandchild keeps the output pipes open.
	waitDelay = 2 * time.Second
	// historyTimeout bounds a single history export.
	historyTimeout = 5 * time.Second
)

// handle is one spawned worker process.
type handle struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	streams   []*outputStream
	pid       int
	startedAt time.Time

	done     chan struct{} // closed after Wait returns
	exitErr  error
	exitCode int
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
	}
	return false
}

// Supervisor keeps one worker process alive: it restarts the worker when it
// exits on its own, stops it cooperatively or by killing its whole process
// tree, and kills it when the tree outgrows its memory limit.
//
// Lock order: mu, then stMu. mu guards the current handle and is held for
// whole Start/Stop/restart sequences; stMu guards the status snapshot only.
type Supervisor struct {
	spec  process.Spec
	enc   encoding.Encoding
	log   *slog.Logger
	out   *output.Capture
	rot   *output.Rotator
	tree  process.Tree
	sinks []history.Sink
	fatal func(error)
	popup bool

	mu       sync.Mutex
	cur      *handle
	started  bool // the last-line file has been cleared
	rotating bool
	idle     chan struct{} // closed when the supervisor is stopped

	stMu   sync.Mutex
	status process.Status
	state  State
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the event sink.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithCapture overrides where worker output goes.
func WithCapture(c *output.Capture) Option {
	return func(s *Supervisor) { s.out = c }
}

// WithTree substitutes the process-tree implementation.
func WithTree(t process.Tree) Option {
	return func(s *Supervisor) { s.tree = t }
}

// WithHistory exports lifecycle events to the given sinks.
func WithHistory(sinks ...history.Sink) Option {
	return func(s *Supervisor) { s.sinks = append(s.sinks, sinks...) }
}

// WithFatal replaces the spawn-failure handler. The default logs at
// CRITICAL and exits the program with status 1.
func WithFatal(f func(error)) Option {
	return func(s *Supervisor) { s.fatal = f }
}

// WithPopup runs the worker on the supervisor's own stdio. Output is not
// captured and the cooperative exit is unavailable.
func WithPopup(popup bool) Option {
	return func(s *Supervisor) { s.popup = popup }
}

// New validates spec and builds a supervisor. Nothing is started.
func New(spec process.Spec, opts ...Option) (*Supervisor, error) {
	spec = spec.WithDefaults()
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker spec: %w", err)
	}
	enc, err := process.LookupEncoding(spec.Encoding)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{spec: spec, enc: enc}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("worker", spec.Name)
	if s.out == nil {
		s.out = output.New(spec.Name, spec.OutputDir, output.WithLogger(s.log))
	}
	if s.tree == nil {
		s.tree = process.NewTree()
	}
	if s.fatal == nil {
		s.fatal = func(err error) {
			logger.Critical(s.log, "cannot start worker, giving up", "error", err)
			os.Exit(1)
		}
	}
	s.rot = output.NewRotator(spec.Name, s.out.Dir(), spec.MaxLogFiles, spec.RotateInterval, s.log)
	s.status = process.Status{Name: spec.Name, Command: spec.DisplayCommand(), State: StateIdle.String()}
	if spec.HasMemoryLimit() {
		s.status.MemoryLimit = spec.MemoryLimitBytes()
	}
	return s, nil
}

// Spec returns the effective worker spec.
func (s *Supervisor) Spec() process.Spec { return s.spec }

// Start spawns the worker. Spawn failure is handed to the fatal handler and
// also returned.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && !s.cur.exited() {
		return ErrAlreadyRunning
	}
	if s.idle == nil || isClosed(s.idle) {
		s.idle = make(chan struct{})
	}
	return s.startLocked()
}

func (s *Supervisor) startLocked() error {
	if !s.started {
		s.started = true
		if err := s.out.ClearLastLine(); err != nil {
			s.log.Error("failed to clear last line file", "error", err)
		}
	}
	s.setState(StateStarting)

	cmd := s.spec.BuildCommand()
	process.ConfigureSysProcAttr(cmd, s.popup)
	cmd.WaitDelay = waitDelay
	h := &handle{cmd: cmd, done: make(chan struct{})}
	if s.popup {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return s.spawnFailed(err)
		}
		h.stdin = stdin
		stdout := newOutputStream(s.enc, s.out.WriteLine)
		stderr := newOutputStream(s.enc, s.out.WriteLine)
		cmd.Stdout, cmd.Stderr = stdout, stderr
		h.streams = []*outputStream{stdout, stderr}
	}

	if err := cmd.Start(); err != nil {
		return s.spawnFailed(err)
	}
	h.pid = cmd.Process.Pid
	h.startedAt = time.Now()
	s.cur = h

	s.stMu.Lock()
	s.status.PID = h.pid
	s.status.StartedAt = h.startedAt
	s.stMu.Unlock()
	s.setState(StateRunning)

	s.log.Info("worker started", "pid", h.pid, "command", s.spec.DisplayCommand())
	metrics.IncStart(s.spec.Name)
	s.record(history.EventStart, h, "")

	go s.wait(h)
	if s.spec.HasMemoryLimit() {
		go s.monitorMemory(h)
	}
	if s.rot.Enabled() && !s.rotating {
		s.rotating = true
		go s.rot.Run(s.rotationAlive)
	}
	return nil
}

// spawnFailed reports err to the fatal handler before Wait is released, so
// a handler that does not exit can hand the error to whoever waits.
func (s *Supervisor) spawnFailed(err error) error {
	s.cur = nil
	s.setState(StateIdle)
	err = fmt.Errorf("start %s: %w", s.spec.DisplayCommand(), err)
	s.log.Error("failed to start worker", "error", err)
	s.fatal(err)
	s.markIdleLocked()
	return err
}

// wait reaps h and reports its exit.
func (s *Supervisor) wait(h *handle) {
	err := h.cmd.Wait()
	for _, st := range h.streams {
		_ = st.Close()
	}
	h.exitErr = err
	h.exitCode = exitCode(err)
	close(h.done)
	s.handleExit(h)
}

// handleExit restarts the worker unless h was stopped or replaced.
// The lock is held through the restart delay so a concurrent Stop waits
// and then stops the replacement.
func (s *Supervisor) handleExit(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != h {
		return
	}

	s.log.Warn("worker exited unexpectedly", "pid", h.pid, "exit_code", h.exitCode, "error", h.exitErr)
	metrics.IncStop(s.spec.Name, metrics.StopExited)
	s.record(history.EventExit, h, errString(h.exitErr))
	s.stMu.Lock()
	s.status.LastExit = h.exitCode
	s.status.StoppedAt = time.Now()
	s.stMu.Unlock()
	s.setState(StateCrashRestarting)

	time.Sleep(s.spec.RestartWait)
	s.cur = nil
	if err := s.startLocked(); err != nil {
		// spawnFailed has logged and escalated
		return
	}
	s.stMu.Lock()
	s.status.Restarts++
	s.stMu.Unlock()
	metrics.IncRestart(s.spec.Name)
	s.log.Info("worker restarted", "pid", s.cur.pid, "previous_pid", h.pid)
	s.record(history.EventRestart, s.cur, "")
}

// Stop ends the current worker: first by asking it to exit through stdin,
// then by killing its whole process tree.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

func (s *Supervisor) stopLocked() error {
	h := s.cur
	s.cur = nil
	defer s.markIdleLocked()

	if h == nil {
		s.log.Info("worker is not running, nothing to stop")
		s.setState(StateIdle)
		return nil
	}
	if h.exited() {
		s.log.Warn("worker had already exited", "pid", h.pid, "exit_code", h.exitCode)
		s.finishStop(h)
		return nil
	}

	if s.popup || h.stdin == nil || s.spec.StopWait <= 0 {
		s.log.Info("cooperative stop unavailable, killing worker tree", "pid", h.pid)
	} else {
		s.setState(StateStoppingGraceful)
		if _, err := io.WriteString(h.stdin, process.ExitToken); err != nil {
			s.log.Error("failed to send exit to worker", "pid", h.pid, "error", err)
		} else {
			s.log.Info("sent exit to worker, waiting", "pid", h.pid, "timeout", s.spec.StopWait)
			timer := time.NewTimer(s.spec.StopWait)
			select {
			case <-h.done:
				timer.Stop()
				s.log.Info("worker exited", "pid", h.pid, "exit_code", h.exitCode)
				metrics.IncStop(s.spec.Name, metrics.StopGraceful)
				s.record(history.EventStop, h, "")
				s.finishStop(h)
				return nil
			case <-timer.C:
				s.log.Info("worker refused to exit, killing worker tree", "pid", h.pid, "timeout", s.spec.StopWait)
			}
		}
	}

	s.setState(StateStoppingForced)
	s.killTree(h, history.EventKill)
	select {
	case <-h.done:
	case <-time.After(reapWait):
		s.log.Warn("worker not reaped after kill", "pid", h.pid)
	}
	s.finishStop(h)
	return nil
}

func (s *Supervisor) finishStop(h *handle) {
	s.stMu.Lock()
	if h.exited() {
		s.status.LastExit = h.exitCode
	}
	s.status.StoppedAt = time.Now()
	s.status.PID = 0
	s.stMu.Unlock()
	s.setState(StateIdle)
}

// killTree force-kills h's process tree, reporting every member.
// Callers hold mu.
func (s *Supervisor) killTree(h *handle, reason history.EventType) {
	results := s.tree.KillTree(h.pid, func(r process.KillResult) {
		switch r.Outcome {
		case process.OutcomeFailed:
			s.log.Error(r.String(), "pid", r.Node.PID, "error", r.Err)
		default:
			s.log.Info(r.String(), "pid", r.Node.PID)
		}
	})
	killed := 0
	for _, r := range results {
		if r.Outcome == process.OutcomeKilled {
			killed++
		}
	}
	if reason == history.EventMemoryKill {
		metrics.IncMemoryKill(s.spec.Name)
	} else {
		metrics.IncStop(s.spec.Name, metrics.StopForced)
	}
	s.record(reason, h, fmt.Sprintf("killed %d of %d tree members", killed, len(results)))
}

// monitorMemory polls h's tree memory until h stops being current or the
// limit is hit. It never reschedules itself after a kill; the restart gets
// its own monitor.
func (s *Supervisor) monitorMemory(h *handle) {
	limit := s.spec.MemoryLimitBytes()
	for {
		time.Sleep(s.spec.MonitorInterval)
		s.mu.Lock()
		if s.cur != h {
			s.mu.Unlock()
			return
		}
		mem := s.tree.AggregateMemory(h.pid)
		metrics.SetTreeMemory(s.spec.Name, mem)
		if mem >= limit {
			s.log.Warn("worker tree exceeds memory limit, killing",
				"pid", h.pid, "memory_mb", mem/1024/1024, "limit_mb", s.spec.MemoryLimitMB)
			s.killTree(h, history.EventMemoryKill)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// rotationAlive keeps the rotation loop running while a worker exists.
// The flag is cleared in the same critical section so a later Start can
// launch a fresh loop.
func (s *Supervisor) rotationAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		s.rotating = false
		return false
	}
	return true
}

// Wait blocks until the supervisor is stopped. It returns at once if the
// worker was never started.
func (s *Supervisor) Wait() {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	if idle != nil {
		<-idle
	}
}

// Status reports the current state and the live tree memory.
func (s *Supervisor) Status() process.Status {
	s.stMu.Lock()
	st := s.status
	s.stMu.Unlock()
	if st.Running && st.PID > 0 {
		st.MemoryBytes = s.tree.AggregateMemory(st.PID)
	}
	return st
}

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	s.stMu.Lock()
	defer s.stMu.Unlock()
	return s.state
}

func (s *Supervisor) setState(to State) {
	s.stMu.Lock()
	from := s.state
	s.state = to
	s.status.State = to.String()
	s.status.Running = to == StateRunning
	s.stMu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(s.spec.Name, from.String(), to.String())
	metrics.SetCurrentState(s.spec.Name, from.String(), false)
	metrics.SetCurrentState(s.spec.Name, to.String(), true)
}

func (s *Supervisor) markIdleLocked() {
	if s.idle != nil && !isClosed(s.idle) {
		close(s.idle)
	}
}

func (s *Supervisor) record(t history.EventType, h *handle, detail string) {
	if len(s.sinks) == 0 {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Worker:     s.spec.Name,
		PID:        h.pid,
		Detail:     detail,
	}
	if h.exited() {
		e.ExitCode = h.exitCode
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := history.SendAll(ctx, s.sinks, e); err != nil {
		s.log.Error("history export failed", "event", string(t), "error", err)
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
	}
	return false
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
