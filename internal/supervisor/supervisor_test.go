//go:build !windows

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/easysvc/internal/history"
	"github.com/loykin/easysvc/internal/logger"
	"github.com/loykin/easysvc/internal/output"
	"github.com/loykin/easysvc/internal/process"
)

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

// recordingTree delegates to the OS but records kills and can fake memory.
type recordingTree struct {
	inner  process.Tree
	memory func(pid int) uint64

	mu    sync.Mutex
	kills []int
}

func (r *recordingTree) Enumerate(pid int) []process.Node { return r.inner.Enumerate(pid) }

func (r *recordingTree) AggregateMemory(pid int) uint64 {
	if r.memory != nil {
		return r.memory(pid)
	}
	return r.inner.AggregateMemory(pid)
}

func (r *recordingTree) KillTree(pid int, report func(process.KillResult)) []process.KillResult {
	r.mu.Lock()
	r.kills = append(r.kills, pid)
	r.mu.Unlock()
	return r.inner.KillTree(pid, report)
}

func (r *recordingTree) Kills() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.kills...)
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memSink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Count(t history.EventType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (m *memSink) Find(t history.EventType) (history.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Type == t {
			return e, true
		}
	}
	return history.Event{}, false
}

type fixture struct {
	sup  *Supervisor
	tree *recordingTree
	out  *lockedBuffer
	sink *memSink
}

func newFixture(t *testing.T, script string, mut func(*process.Spec), opts ...Option) *fixture {
	t.Helper()
	spec := process.Spec{
		Name:            "w",
		Path:            "/bin/sh",
		Args:            []string{"-c", script},
		RestartWait:     50 * time.Millisecond,
		StopWait:        2 * time.Second,
		MonitorInterval: 50 * time.Millisecond,
	}
	if mut != nil {
		mut(&spec)
	}
	f := &fixture{
		tree: &recordingTree{inner: &process.OSTree{Pause: 10 * time.Millisecond}},
		out:  &lockedBuffer{},
		sink: &memSink{},
	}
	base := []Option{
		WithLogger(logger.Discard()),
		WithTree(f.tree),
		WithHistory(f.sink),
		WithFatal(func(err error) { t.Logf("fatal: %v", err) }),
	}
	if spec.OutputDir == "" {
		base = append(base, WithCapture(output.New(spec.Name, "", output.WithConsole(f.out))))
	}
	sup, err := New(spec, append(base, opts...)...)
	require.NoError(t, err)
	f.sup = sup
	t.Cleanup(func() { _ = sup.Stop() })
	return f
}

func TestGracefulStopUsesExitToken(t *testing.T) {
	f := newFixture(t, `read line; echo "got $line"; exit 0`, nil)
	require.NoError(t, f.sup.Start())
	assert.Equal(t, StateRunning, f.sup.State())

	require.NoError(t, f.sup.Stop())
	assert.Empty(t, f.tree.Kills(), "cooperative stop must not kill")
	assert.Contains(t, f.out.String(), "got exit")
	assert.Equal(t, StateIdle, f.sup.State())
	assert.Equal(t, 1, f.sink.Count(history.EventStop))
	assert.Equal(t, 0, f.sink.Count(history.EventExit))
	assert.Equal(t, 0, f.sup.Status().LastExit)
}

func TestStopEscalatesWhenWorkerRefuses(t *testing.T) {
	f := newFixture(t, `while true; do sleep 1; done`, func(s *process.Spec) {
		s.StopWait = 200 * time.Millisecond
	})
	require.NoError(t, f.sup.Start())
	pid := f.sup.Status().PID

	begin := time.Now()
	require.NoError(t, f.sup.Stop())
	assert.Less(t, time.Since(begin), reapWait)
	assert.Equal(t, []int{pid}, f.tree.Kills())
	assert.Equal(t, 1, f.sink.Count(history.EventKill))
	assert.Equal(t, 0, f.sink.Count(history.EventRestart))
	assert.Equal(t, StateIdle, f.sup.State())
}

func TestStopWithoutGracePeriodKillsImmediately(t *testing.T) {
	f := newFixture(t, `sleep 30`, func(s *process.Spec) { s.StopWait = 0 })
	require.NoError(t, f.sup.Start())
	require.NoError(t, f.sup.Stop())
	assert.Len(t, f.tree.Kills(), 1)
}

func TestCrashTriggersRestart(t *testing.T) {
	f := newFixture(t, `echo boom; exit 3`, nil)
	require.NoError(t, f.sup.Start())

	require.Eventually(t, func() bool { return f.sup.Status().Restarts >= 2 }, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, f.sup.Stop())

	e, ok := f.sink.Find(history.EventExit)
	require.True(t, ok)
	assert.Equal(t, 3, e.ExitCode)
	assert.GreaterOrEqual(t, f.sink.Count(history.EventRestart), 2)
	assert.Contains(t, f.out.String(), "boom")
}

func TestStopBeforeExitNotificationDoesNotRestart(t *testing.T) {
	f := newFixture(t, `sleep 30`, func(s *process.Spec) { s.StopWait = 0 })
	require.NoError(t, f.sup.Start())
	require.NoError(t, f.sup.Stop())

	// the reaper reports the killed worker after Stop detached it
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0, f.sup.Status().Restarts)
	assert.Equal(t, 1, f.sink.Count(history.EventStart))
	assert.Equal(t, 0, f.sink.Count(history.EventExit))
	assert.Equal(t, StateIdle, f.sup.State())
}

func TestAtMostOneWorker(t *testing.T) {
	f := newFixture(t, `sleep 30`, nil)
	require.NoError(t, f.sup.Start())
	assert.ErrorIs(t, f.sup.Start(), ErrAlreadyRunning)
	assert.Equal(t, 1, f.sink.Count(history.EventStart))
}

func TestStopWhenNothingRuns(t *testing.T) {
	f := newFixture(t, `sleep 30`, nil)
	assert.NoError(t, f.sup.Stop())
	assert.Empty(t, f.tree.Kills())
	f.sup.Wait() // never started: returns at once
}

func TestSpawnFailureCallsFatal(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, "", func(s *process.Spec) {
		s.Path = "/nonexistent/easysvc-worker"
		s.Args = nil
	}, WithFatal(func(error) { calls.Add(1) }))

	err := f.sup.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateIdle, f.sup.State())

	done := make(chan struct{})
	go func() { f.sup.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked after a failed start")
	}
}

func TestMemoryMonitorKillsOncePerWorker(t *testing.T) {
	var target atomic.Int64
	f := newFixture(t, `sleep 30`, func(s *process.Spec) {
		s.MemoryLimitMB = 1
		s.RestartWait = 100 * time.Millisecond
	})
	f.tree.memory = func(pid int) uint64 {
		if int64(pid) == target.Load() {
			return 10 * 1024 * 1024
		}
		return 0
	}
	require.NoError(t, f.sup.Start())
	first := f.sup.Status().PID
	target.Store(int64(first))

	require.Eventually(t, func() bool { return f.sup.Status().Restarts == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.NotEqual(t, first, f.sup.Status().PID)

	// several more monitor intervals: the replacement is under the limit
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, []int{first}, f.tree.Kills())
	assert.Equal(t, 1, f.sink.Count(history.EventMemoryKill))
	assert.Equal(t, 1, f.sup.Status().Restarts)
}

func TestWaitReturnsAfterStop(t *testing.T) {
	f := newFixture(t, `sleep 30`, func(s *process.Spec) { s.StopWait = 0 })
	require.NoError(t, f.sup.Start())

	done := make(chan struct{})
	go func() { f.sup.Wait(); close(done) }()
	select {
	case <-done:
		t.Fatal("Wait returned while the worker runs")
	case <-time.After(100 * time.Millisecond):
	}
	require.NoError(t, f.sup.Stop())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}

func TestOutputDirectoryAndLastLine(t *testing.T) {
	dir := t.TempDir()
	lastLine := filepath.Join(dir, output.LastLineFile)
	require.NoError(t, os.WriteFile(lastLine, []byte("stale"), 0o644))

	f := newFixture(t, `sleep 0.3; echo hello; echo world; sleep 30`, func(s *process.Spec) {
		s.OutputDir = dir
		s.MaxLogFiles = 2
	})
	require.NoError(t, f.sup.Start())

	data, err := os.ReadFile(lastLine)
	require.NoError(t, err)
	assert.Empty(t, data, "first start clears the last line")

	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(lastLine)
		return string(b) == "world"
	}, 5*time.Second, 20*time.Millisecond)

	daily, err := os.ReadFile(filepath.Join(dir, output.DailyFileName(time.Now())))
	require.NoError(t, err)
	assert.Contains(t, string(daily), "hello\nworld\n")
}

func TestDecodesWorkerEncoding(t *testing.T) {
	f := newFixture(t, `printf '\304\343\272\303\n'; sleep 30`, func(s *process.Spec) {
		s.Encoding = "gbk"
	})
	require.NoError(t, f.sup.Start())
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(f.out.String()), []byte("你好"))
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStatusReportsRunningWorker(t *testing.T) {
	f := newFixture(t, `sleep 30`, func(s *process.Spec) { s.MemoryLimitMB = 512 })
	st := f.sup.Status()
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.Running)

	require.NoError(t, f.sup.Start())
	st = f.sup.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "running", st.State)
	assert.Greater(t, st.PID, 0)
	assert.Equal(t, uint64(512*1024*1024), st.MemoryLimit)
	assert.Contains(t, st.Command, "/bin/sh")
	assert.False(t, st.StartedAt.IsZero())
}

func TestNewRejectsInvalidSpec(t *testing.T) {
	_, err := New(process.Spec{Name: "bad"})
	assert.Error(t, err)
	_, err = New(process.Spec{Name: "bad", Path: "x", Encoding: "nope"})
	assert.Error(t, err)
}

func TestStopDuringRestartWaitStopsReplacement(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed")
	script := `if [ -f "` + marker + `" ]; then read l; exit 0; fi; touch "` + marker + `"; exit 4`
	f := newFixture(t, script, func(s *process.Spec) {
		s.RestartWait = 500 * time.Millisecond
	})
	require.NoError(t, f.sup.Start())
	require.Eventually(t, func() bool { return f.sup.State() == StateCrashRestarting }, 5*time.Second, 5*time.Millisecond)

	begin := time.Now()
	require.NoError(t, f.sup.Stop())
	assert.GreaterOrEqual(t, time.Since(begin), 200*time.Millisecond, "Stop must wait for the pending restart")

	assert.Equal(t, StateIdle, f.sup.State())
	assert.Equal(t, 1, f.sup.Status().Restarts)
	assert.Equal(t, 2, f.sink.Count(history.EventStart))
	assert.Equal(t, 1, f.sink.Count(history.EventStop), "the replacement stops cooperatively")
	assert.Empty(t, f.tree.Kills())

	time.Sleep(700 * time.Millisecond)
	assert.Equal(t, 1, f.sup.Status().Restarts)
	assert.Equal(t, 2, f.sink.Count(history.EventStart))
	assert.Equal(t, StateIdle, f.sup.State())
}

func TestStopAfterWorkerExitedDoesNotRestart(t *testing.T) {
	f := newFixture(t, `exit 5`, nil)

	// hold the lock so the reaper cannot restart before the stop
	f.sup.mu.Lock()
	require.NoError(t, f.sup.startLocked())
	h := f.sup.cur
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		f.sup.mu.Unlock()
		t.Fatal("worker did not exit")
	}
	require.NoError(t, f.sup.stopLocked())
	f.sup.mu.Unlock()

	time.Sleep(300 * time.Millisecond)
	st := f.sup.Status()
	assert.Equal(t, StateIdle, f.sup.State())
	assert.Equal(t, 5, st.LastExit)
	assert.Equal(t, 0, st.PID)
	assert.Equal(t, 0, st.Restarts)
	assert.Empty(t, f.tree.Kills())
	assert.Equal(t, 1, f.sink.Count(history.EventStart))
	assert.Equal(t, 0, f.sink.Count(history.EventExit))
}

func TestRespawnFailureIsLoggedAndEscalated(t *testing.T) {
	script := filepath.Join(t.TempDir(), "once.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nrm -f \"$0\"\nexit 3\n"), 0o755))
	logs := &lockedBuffer{}
	fatal := make(chan error, 1)
	f := newFixture(t, "", func(s *process.Spec) {
		s.Path = script
		s.Args = nil
	}, WithLogger(logger.NewConsole(logs, slog.LevelInfo)), WithFatal(func(err error) { fatal <- err }))

	require.NoError(t, f.sup.Start())
	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, os.ErrNotExist)
	case <-time.After(5 * time.Second):
		t.Fatal("respawn failure never reached the fatal handler")
	}
	f.sup.Wait()
	assert.Equal(t, StateIdle, f.sup.State())
	assert.Equal(t, 0, f.sup.Status().Restarts)
	assert.Contains(t, logs.String(), "failed to start worker")
}
