package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/easysvc/internal/config"
	"github.com/loykin/easysvc/internal/registry"
)

// memRegistry is an in-memory service manager.
type memRegistry struct {
	mu       sync.Mutex
	services map[string]*registry.Service
	created  []registry.CreateOptions
}

func newMemRegistry() *memRegistry {
	return &memRegistry{services: map[string]*registry.Service{}}
}

func (m *memRegistry) get(name string) (*registry.Service, error) {
	s, ok := m.services[name]
	if !ok {
		return nil, registry.ErrNotInstalled
	}
	return s, nil
}

func (m *memRegistry) Create(_ context.Context, o registry.CreateOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[o.Name]; ok {
		return registry.ErrAlreadyInstalled
	}
	m.created = append(m.created, o)
	m.services[o.Name] = &registry.Service{
		Name: o.Name, DisplayName: o.DisplayName, Status: registry.StatusStopped,
		Dependencies: o.Dependencies, InstallPath: o.Executable,
	}
	return nil
}

func (m *memRegistry) SetDescription(_ context.Context, name, desc string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(name)
	if err != nil {
		return err
	}
	s.Description = desc
	if _, dir, ok := registry.ParseDescription(desc); ok {
		s.ConfigDir = dir
	}
	return nil
}

func (m *memRegistry) Description(_ context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(name)
	if err != nil {
		return "", err
	}
	return s.Description, nil
}

func (m *memRegistry) setStatus(name string, st registry.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.get(name)
	if err != nil {
		return err
	}
	s.Status = st
	return nil
}

func (m *memRegistry) Start(_ context.Context, name string) error {
	return m.setStatus(name, registry.StatusRunning)
}

func (m *memRegistry) Stop(_ context.Context, name string) error {
	return m.setStatus(name, registry.StatusStopped)
}

func (m *memRegistry) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(name); err != nil {
		return err
	}
	delete(m.services, name)
	return nil
}

func (m *memRegistry) Query(_ context.Context, name string) (registry.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.services[name]
	if !ok {
		return registry.StatusNotInstalled, nil
	}
	return s.Status, nil
}

func (m *memRegistry) List(context.Context) ([]registry.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]registry.Service, 0, len(m.services))
	for _, s := range m.services {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type testEnv struct {
	cmd  *command
	reg  *memRegistry
	out  *bytes.Buffer
	sigs chan os.Signal
	dirs []string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{reg: newMemRegistry(), out: &bytes.Buffer{}, sigs: make(chan os.Signal, 1)}
	e.cmd = &command{
		out:      e.out,
		errOut:   &bytes.Buffer{},
		registry: func() (registry.Registry, error) { return e.reg, nil },
		self:     func() (string, error) { return "/usr/local/bin/svc", nil },
		chdir: func(dir string) error {
			e.dirs = append(e.dirs, dir)
			return nil
		},
		signals: func() (<-chan os.Signal, func()) { return e.sigs, func() {} },
	}
	return e
}

// execute runs the CLI the way main does.
func (e *testEnv) execute(t *testing.T, args ...string) error {
	t.Helper()
	root := buildRoot(e.cmd)
	root.SetArgs(args)
	root.SetErr(&bytes.Buffer{})
	return root.ExecuteContext(context.Background())
}

func writeProject(t *testing.T, name string, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "ServiceName: " + name + "\nWorker: sleep 30\n" + extra
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(body), 0o644))
	return dir
}

func TestVersion(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.execute(t, "version"))
	assert.Equal(t, "easysvc dev\n", e.out.String())
}

func TestInitThenCheck(t *testing.T) {
	e := newTestEnv(t)
	dir := filepath.Join(t.TempDir(), "proj")
	require.NoError(t, e.execute(t, "init", dir))
	assert.FileExists(t, filepath.Join(dir, config.FileName))
	assert.DirExists(t, filepath.Join(dir, "logs"))

	e.out.Reset()
	require.NoError(t, e.execute(t, "status", "--dir", dir))
	assert.Contains(t, e.out.String(), "ServiceName: my-worker")
	assert.Contains(t, e.out.String(), "Service status: NotInstalled")
}

func TestCheckReportsConfigErrors(t *testing.T) {
	e := newTestEnv(t)
	dir := writeProject(t, "api", "WaitSecondsForWorkerToExit: 999\n")
	err := e.execute(t, "check", "-d", dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.ErrorContains(t, err, "configuration error")
}

func TestInstallCreatesAndStarts(t *testing.T) {
	e := newTestEnv(t)
	dir := writeProject(t, "api", "Dependencies: db\nDescription: the api\nUser: svc\n")

	require.NoError(t, e.execute(t, "install", "--dir", dir))
	require.Len(t, e.reg.created, 1)
	o := e.reg.created[0]
	assert.Equal(t, "/usr/local/bin/svc", o.Executable)
	assert.Equal(t, []string{"run", "--service", "api"}, o.Args)
	assert.Equal(t, []string{"db"}, o.Dependencies)
	assert.Equal(t, dir, o.WorkingDir)
	assert.True(t, o.AutoStart)
	require.NotNil(t, o.Credentials)
	assert.Equal(t, "svc", o.Credentials.User)

	st, _ := e.reg.Query(context.Background(), "api")
	assert.Equal(t, registry.StatusRunning, st)
	desc, _ := e.reg.Description(context.Background(), "api")
	assert.Equal(t, "the api @<"+dir+">", desc)
	assert.Contains(t, e.out.String(), `Installed service "api"`)
	assert.Contains(t, e.out.String(), `Started service "api"`)

	err := e.execute(t, "install", "--dir", dir)
	assert.ErrorIs(t, err, registry.ErrAlreadyInstalled)
}

func TestLifecycleCommands(t *testing.T) {
	e := newTestEnv(t)
	dir := writeProject(t, "api", "")

	assert.ErrorIs(t, e.execute(t, "start", "-d", dir), registry.ErrNotInstalled)
	require.NoError(t, e.execute(t, "install", "-d", dir))

	assert.ErrorIs(t, e.execute(t, "start", "-d", dir), errAlreadyInState)
	require.NoError(t, e.execute(t, "stop", "-d", dir))
	assert.ErrorIs(t, e.execute(t, "stop", "-d", dir), errAlreadyInState)
	require.NoError(t, e.execute(t, "restart", "-d", dir))
	require.NoError(t, e.execute(t, "restart", "-d", dir))

	st, _ := e.reg.Query(context.Background(), "api")
	assert.Equal(t, registry.StatusRunning, st)

	require.NoError(t, e.execute(t, "remove", "-d", dir))
	assert.Empty(t, e.reg.services)
	assert.ErrorIs(t, e.execute(t, "remove", "-d", dir), registry.ErrNotInstalled)
}

func TestFleetCommands(t *testing.T) {
	e := newTestEnv(t)
	dbDir := writeProject(t, "db", "")
	apiDir := writeProject(t, "api", "Dependencies: db\n")
	require.NoError(t, e.execute(t, "install", "-d", dbDir))
	require.NoError(t, e.execute(t, "install", "-d", apiDir))

	e.dirs = nil
	e.out.Reset()
	require.NoError(t, e.execute(t, "stop-all"))
	assert.Equal(t, []string{apiDir, dbDir}, e.dirs[:2])
	assert.Contains(t, e.out.String(), "Before stop")
	assert.Contains(t, e.out.String(), "After stop")

	e.dirs = nil
	require.NoError(t, e.execute(t, "start-all"))
	assert.Equal(t, []string{dbDir, apiDir}, e.dirs[:2])

	require.NoError(t, e.execute(t, "restart-all"))
	for _, name := range []string{"api", "db"} {
		st, _ := e.reg.Query(context.Background(), name)
		assert.Equal(t, registry.StatusRunning, st, name)
	}

	e.out.Reset()
	require.NoError(t, e.execute(t, "remove-all"))
	assert.Empty(t, e.reg.services)
	assert.Contains(t, e.out.String(), "Removed 2 of 2 services.")
}

func TestProjectDirRecovery(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.reg.Create(ctx, registry.CreateOptions{Name: "api"}))

	_, err := e.cmd.projectDir(ctx, "api")
	assert.ErrorContains(t, err, "does not record a project directory")

	require.NoError(t, e.reg.SetDescription(ctx, "api", "API <v2> @</srv/my <odd> dir>"))
	dir, err := e.cmd.projectDir(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "/srv/my <odd> dir", dir)

	_, err = e.cmd.projectDir(ctx, "missing")
	assert.ErrorIs(t, err, registry.ErrNotInstalled)
}

func TestRunRejectsMismatchedProject(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	dir := writeProject(t, "other", "")
	require.NoError(t, e.reg.Create(ctx, registry.CreateOptions{Name: "api"}))
	require.NoError(t, e.reg.SetDescription(ctx, "api", registry.FormatDescription("api", dir)))

	err := e.execute(t, "run", "--service", "api")
	assert.ErrorContains(t, err, `names service "other"`)
	assert.Equal(t, []string{dir}, e.dirs)
}

func TestTailOnce(t *testing.T) {
	e := newTestEnv(t)
	dir := writeProject(t, "api", "OutFileDir: out\n")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out", "lastline.log"), []byte("hello"), 0o644))

	require.NoError(t, e.execute(t, "tail", "-d", dir, "--follow=false"))
	assert.Equal(t, "hello\n", e.out.String())
}

func TestTailRequiresOutputDir(t *testing.T) {
	e := newTestEnv(t)
	dir := writeProject(t, "api", "")
	err := e.execute(t, "tail", "-d", dir)
	assert.ErrorContains(t, err, "set OutFileDir")
}

func TestUnknownCommand(t *testing.T) {
	e := newTestEnv(t)
	err := e.execute(t, "frobnicate")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown command"))
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestTailFollowPrintsRepeatedLine(t *testing.T) {
	e := newTestEnv(t)
	out := &syncBuffer{}
	e.cmd.out = out
	dir := writeProject(t, "api", "OutFileDir: out\n")
	outDir := filepath.Join(dir, "out")
	require.NoError(t, os.Mkdir(outDir, 0o755))
	lastLine := filepath.Join(outDir, "lastline.log")
	require.NoError(t, os.WriteFile(lastLine, []byte("hello"), 0o644))

	errCh := make(chan error, 1)
	go func() { errCh <- e.execute(t, "tail", "-d", dir) }()
	require.Eventually(t, func() bool { return out.String() == "hello\n" }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond) // let the watch start

	// the worker printed the same line again: replaced by rename with a newer mtime
	tmp := filepath.Join(outDir, ".lastline.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("hello"), 0o644))
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(tmp, later, later))
	require.NoError(t, os.Rename(tmp, lastLine))

	require.Eventually(t, func() bool { return out.String() == "hello\nhello\n" }, 5*time.Second, 10*time.Millisecond)
	e.sigs <- os.Interrupt
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tail did not return after a signal")
	}
}
