//go:build linux

package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/loykin/easysvc/internal/process"
)

// Runner executes a command and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%s %s: %w (stderr: %s)", name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Systemd manages services as systemd units.
type Systemd struct {
	// UnitDir is where unit files are written (default: /etc/systemd/system).
	UnitDir string
	// SystemctlPath is the systemctl binary.
	SystemctlPath string
	// Self is this tool's executable; List only reports units running it.
	Self         string
	Runner       Runner
	PollInterval time.Duration
	MaxWait      time.Duration
}

// NewSystemd returns a registry for the local systemd instance.
func NewSystemd() (*Systemd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(self); err == nil {
		self = resolved
	}
	return &Systemd{
		UnitDir:       "/etc/systemd/system",
		SystemctlPath: "systemctl",
		Self:          self,
		Runner:        execRunner{},
		PollInterval:  PollInterval,
		MaxWait:       MaxWait,
	}, nil
}

// Default returns the registry for this platform.
func Default() (Registry, error) { return NewSystemd() }

func (s *Systemd) unitPath(name string) string { return filepath.Join(s.UnitDir, unitName(name)) }

func (s *Systemd) systemctl(ctx context.Context, args ...string) (string, error) {
	return s.Runner.Run(ctx, s.SystemctlPath, args...)
}

func (s *Systemd) readUnit(name string) (unitFile, error) {
	data, err := os.ReadFile(s.unitPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return unitFile{}, fmt.Errorf("%s: %w", name, ErrNotInstalled)
		}
		return unitFile{}, err
	}
	return parseUnit(string(data))
}

func (s *Systemd) writeUnit(ctx context.Context, name string, u unitFile) error {
	if err := renameio.WriteFile(s.unitPath(name), []byte(u.render()), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if _, err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

func (s *Systemd) Create(ctx context.Context, opts CreateOptions) error {
	if opts.Name == "" {
		return errors.New("service name is required")
	}
	if _, err := os.Stat(s.unitPath(opts.Name)); err == nil {
		return fmt.Errorf("%s: %w", opts.Name, ErrAlreadyInstalled)
	}
	exe := opts.Executable
	if exe == "" {
		exe = s.Self
	}
	u := unitFile{
		Description: opts.DisplayName,
		DisplayName: opts.DisplayName,
		Requires:    opts.Dependencies,
		ExecStart:   process.Spec{Path: exe, Args: opts.Args}.DisplayCommand(),
		WorkingDir:  opts.WorkingDir,
		StopTimeout: opts.StopTimeout,
	}
	// systemd runs units as a local account; domain and password have no meaning
	if opts.Credentials != nil {
		u.User = opts.Credentials.User
	}
	if err := s.writeUnit(ctx, opts.Name, u); err != nil {
		return err
	}
	if opts.AutoStart {
		if _, err := s.systemctl(ctx, "enable", unitName(opts.Name)); err != nil {
			return fmt.Errorf("enable %s: %w", opts.Name, err)
		}
	}
	return nil
}

func (s *Systemd) SetDescription(ctx context.Context, name, description string) error {
	u, err := s.readUnit(name)
	if err != nil {
		return err
	}
	if u.Description == description {
		return nil
	}
	u.Description = description
	return s.writeUnit(ctx, name, u)
}

func (s *Systemd) Description(_ context.Context, name string) (string, error) {
	u, err := s.readUnit(name)
	if err != nil {
		return "", err
	}
	return u.Description, nil
}

func (s *Systemd) Start(ctx context.Context, name string) error {
	if _, err := s.systemctl(ctx, "start", unitName(name)); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return s.waitFor(ctx, name, StatusRunning)
}

func (s *Systemd) Stop(ctx context.Context, name string) error {
	if _, err := s.systemctl(ctx, "stop", unitName(name)); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	return s.waitFor(ctx, name, StatusStopped)
}

// Remove stops, disables and deletes the unit.
func (s *Systemd) Remove(ctx context.Context, name string) error {
	if _, err := os.Stat(s.unitPath(name)); err != nil {
		return fmt.Errorf("%s: %w", name, ErrNotInstalled)
	}
	st, err := s.Query(ctx, name)
	if err != nil {
		return err
	}
	if st != StatusStopped && st != StatusNotInstalled {
		if err := s.Stop(ctx, name); err != nil {
			return err
		}
	}
	if _, err := s.systemctl(ctx, "disable", unitName(name)); err != nil {
		return fmt.Errorf("disable %s: %w", name, err)
	}
	if err := os.Remove(s.unitPath(name)); err != nil {
		return fmt.Errorf("remove unit file: %w", err)
	}
	if _, err := s.systemctl(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

func (s *Systemd) Query(ctx context.Context, name string) (Status, error) {
	out, err := s.systemctl(ctx, "show", "-p", "LoadState,ActiveState,SubState", unitName(name))
	if err != nil {
		return StatusUnknown, fmt.Errorf("query %s: %w", name, err)
	}
	return parseShow(out), nil
}

// parseShow maps `systemctl show` properties to a Status.
func parseShow(out string) Status {
	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			props[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if props["LoadState"] == "not-found" {
		return StatusNotInstalled
	}
	switch props["ActiveState"] {
	case "active", "reloading":
		return StatusRunning
	case "activating":
		return StatusStartPending
	case "deactivating":
		return StatusStopPending
	case "inactive", "failed":
		return StatusStopped
	}
	return StatusUnknown
}

// waitFor polls every PollInterval until the service reaches want or
// MaxWait passes.
func (s *Systemd) waitFor(ctx context.Context, name string, want Status) error {
	deadline := time.Now().Add(s.MaxWait)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	last := StatusUnknown
	for {
		st, err := s.Query(ctx, name)
		if err == nil {
			if st == want {
				return nil
			}
			last = st
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s is %s, not %s: %w", name, last, want, ErrTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// List reads every unit in UnitDir whose ExecStart runs Self.
func (s *Systemd) List(ctx context.Context) ([]Service, error) {
	entries, err := os.ReadDir(s.UnitDir)
	if err != nil {
		return nil, fmt.Errorf("read unit dir: %w", err)
	}
	var out []Service
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), unitSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), unitSuffix)
		u, err := s.readUnit(name)
		if err != nil || u.execPath() != s.Self {
			continue
		}
		st, err := s.Query(ctx, name)
		if err != nil {
			st = StatusUnknown
		}
		svc := Service{
			Name:         name,
			DisplayName:  u.DisplayName,
			Description:  u.Description,
			Status:       st,
			Dependencies: u.Requires,
			InstallPath:  u.execPath(),
		}
		if _, dir, ok := ParseDescription(u.Description); ok {
			svc.ConfigDir = dir
		}
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
