package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/loykin/easysvc/internal/config"
	"github.com/loykin/easysvc/internal/logger"
	"github.com/loykin/easysvc/internal/orchestrator"
	"github.com/loykin/easysvc/internal/output"
	"github.com/loykin/easysvc/internal/registry"
	"github.com/loykin/easysvc/internal/supervisor"
)

// command carries the collaborators the CLI handlers need so tests can
// swap them.
type command struct {
	out      io.Writer
	errOut   io.Writer
	registry func() (registry.Registry, error)
	self     func() (string, error)
	chdir    func(string) error
	signals  func() (<-chan os.Signal, func())
}

func newCommand() *command {
	return &command{
		out:      os.Stdout,
		errOut:   os.Stderr,
		registry: registry.Default,
		self:     os.Executable,
		chdir:    os.Chdir,
		signals:  notifySignals,
	}
}

func notifySignals() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

func (c *command) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *command) load(flags GlobalFlags) (*config.Config, error) {
	conf, err := config.Load(flags.Dir)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return conf, nil
}

func (c *command) Init(dir string) error {
	path, err := config.WriteSample(dir)
	if err != nil {
		return err
	}
	c.printf("Created an easysvc project in %s\n", filepath.Dir(path))
	return nil
}

// Check validates svc.conf, prints it and reports the service status.
func (c *command) Check(ctx context.Context, flags GlobalFlags) error {
	conf, err := c.load(flags)
	if err != nil {
		return err
	}
	conf.Show(c.out)
	status := "unknown"
	if reg, err := c.registry(); err == nil {
		if st, err := reg.Query(ctx, conf.ServiceName); err == nil {
			status = st.String()
		}
	}
	c.printf("\nService status: %s\n", status)
	return nil
}

// TestWorker supervises the worker in the foreground until interrupted.
func (c *command) TestWorker(flags GlobalFlags, tf TestWorkerFlags) error {
	conf, err := c.load(flags)
	if err != nil {
		return err
	}
	level := slog.LevelWarn
	if tf.Verbose {
		level = slog.LevelInfo
	}
	log := logger.NewConsole(c.errOut, level)
	spec := conf.ToSpec()
	// a failed respawn ends the test run with that error
	fatal := make(chan error, 1)
	sup, err := supervisor.New(spec,
		supervisor.WithLogger(log),
		supervisor.WithPopup(tf.Popup),
		supervisor.WithCapture(output.New(spec.Name, "", output.WithLogger(log), output.WithConsole(c.out))),
		supervisor.WithFatal(func(err error) {
			select {
			case fatal <- err:
			default:
			}
		}),
	)
	if err != nil {
		return err
	}
	sigs, stop := c.signals()
	defer stop()
	if err := sup.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-sigs:
		_, _ = fmt.Fprintln(c.errOut, "stopping worker...")
		return sup.Stop()
	case <-done:
		select {
		case err := <-fatal:
			return fmt.Errorf("worker stopped: %w", err)
		default:
			return nil
		}
	}
}

// service loads the project and resolves its registry state.
func (c *command) service(ctx context.Context, flags GlobalFlags) (*config.Config, registry.Registry, registry.Status, error) {
	conf, err := c.load(flags)
	if err != nil {
		return nil, nil, registry.StatusUnknown, err
	}
	reg, err := c.registry()
	if err != nil {
		return nil, nil, registry.StatusUnknown, err
	}
	st, err := reg.Query(ctx, conf.ServiceName)
	if err != nil {
		return nil, nil, registry.StatusUnknown, err
	}
	return conf, reg, st, nil
}

// Install creates the service, records the project dir in its
// description and starts it.
func (c *command) Install(ctx context.Context, flags GlobalFlags) error {
	conf, reg, st, err := c.service(ctx, flags)
	if err != nil {
		return err
	}
	if st != registry.StatusNotInstalled {
		return fmt.Errorf("service %q: %w", conf.ServiceName, registry.ErrAlreadyInstalled)
	}
	self, err := c.self()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	display := conf.DisplayName
	if display == "" {
		display = conf.ServiceName
	}
	opts := registry.CreateOptions{
		Name:         conf.ServiceName,
		DisplayName:  display,
		Executable:   self,
		Args:         []string{"run", "--service", conf.ServiceName},
		Dependencies: conf.DependencyList(),
		AutoStart:    true,
		WorkingDir:   conf.Dir,
		StopTimeout:  conf.ToSpec().StopWait + reapGrace,
	}
	if conf.User != "" {
		opts.Credentials = &registry.Credentials{Domain: conf.Domain, User: conf.User, Password: conf.Password}
	}
	if err := reg.Create(ctx, opts); err != nil {
		return fmt.Errorf("install service %q: %w", conf.ServiceName, err)
	}
	c.printf("Installed service %q\n", conf.ServiceName)

	text := conf.Description
	if text == "" {
		text = display
	}
	if err := reg.SetDescription(ctx, conf.ServiceName, registry.FormatDescription(text, conf.Dir)); err != nil {
		c.printf("Please run `svc remove` to remove the service\n")
		return fmt.Errorf("set description for service %q: %w", conf.ServiceName, err)
	}
	return c.start(ctx, reg, conf.ServiceName, registry.StatusStopped)
}

func (c *command) Start(ctx context.Context, flags GlobalFlags) error {
	conf, reg, st, err := c.service(ctx, flags)
	if err != nil {
		return err
	}
	return c.start(ctx, reg, conf.ServiceName, st)
}

func (c *command) Stop(ctx context.Context, flags GlobalFlags) error {
	conf, reg, st, err := c.service(ctx, flags)
	if err != nil {
		return err
	}
	return c.stop(ctx, reg, conf.ServiceName, st)
}

// Restart stops the service if needed, then starts it.
func (c *command) Restart(ctx context.Context, flags GlobalFlags) error {
	conf, reg, st, err := c.service(ctx, flags)
	if err != nil {
		return err
	}
	if st == registry.StatusNotInstalled {
		return fmt.Errorf("service %q: %w", conf.ServiceName, registry.ErrNotInstalled)
	}
	if st != registry.StatusStopped {
		if err := c.stop(ctx, reg, conf.ServiceName, st); err != nil {
			return err
		}
	}
	return c.start(ctx, reg, conf.ServiceName, registry.StatusStopped)
}

func (c *command) Remove(ctx context.Context, flags GlobalFlags) error {
	conf, reg, st, err := c.service(ctx, flags)
	if err != nil {
		return err
	}
	if st == registry.StatusNotInstalled {
		return fmt.Errorf("service %q: %w", conf.ServiceName, registry.ErrNotInstalled)
	}
	if err := reg.Remove(ctx, conf.ServiceName); err != nil {
		return fmt.Errorf("remove service %q: %w", conf.ServiceName, err)
	}
	c.printf("Removed service %q\n", conf.ServiceName)
	return nil
}

var errAlreadyInState = errors.New("service is already in the requested state")

func (c *command) start(ctx context.Context, reg registry.Registry, name string, st registry.Status) error {
	switch st {
	case registry.StatusNotInstalled:
		return fmt.Errorf("service %q: %w", name, registry.ErrNotInstalled)
	case registry.StatusRunning:
		return fmt.Errorf("service %q is already started: %w", name, errAlreadyInState)
	}
	if err := reg.Start(ctx, name); err != nil {
		return err
	}
	c.printf("Started service %q\n", name)
	return nil
}

func (c *command) stop(ctx context.Context, reg registry.Registry, name string, st registry.Status) error {
	switch st {
	case registry.StatusNotInstalled:
		return fmt.Errorf("service %q: %w", name, registry.ErrNotInstalled)
	case registry.StatusStopped:
		return fmt.Errorf("service %q is already stopped: %w", name, errAlreadyInState)
	}
	if err := reg.Stop(ctx, name); err != nil {
		return err
	}
	c.printf("Stopped service %q\n", name)
	return nil
}

type fleetOp string

const (
	opStartAll   fleetOp = "start-all"
	opStopAll    fleetOp = "stop-all"
	opRestartAll fleetOp = "restart-all"
	opRemoveAll  fleetOp = "remove-all"
)

var fleetShort = map[fleetOp]string{
	opStartAll:   "Start every installed service in dependency order",
	opStopAll:    "Stop every installed service in reverse dependency order",
	opRestartAll: "Stop every installed service, then start them all again",
	opRemoveAll:  "Remove every installed service in reverse dependency order",
}

// Fleet applies op to all services installed by this executable.
func (c *command) Fleet(ctx context.Context, op fleetOp) error {
	reg, err := c.registry()
	if err != nil {
		return err
	}
	orch := orchestrator.New(reg,
		orchestrator.WithLogger(logger.NewConsole(c.errOut, slog.LevelInfo)),
		orchestrator.WithOutput(c.out),
		orchestrator.WithChdir(c.chdir, os.Getwd),
	)
	var rep orchestrator.Report
	switch op {
	case opStartAll:
		rep, err = orch.StartAll(ctx)
	case opStopAll:
		rep, err = orch.StopAll(ctx)
	case opRestartAll:
		rep, err = orch.RestartAll(ctx)
	case opRemoveAll:
		rep, err = orch.RemoveAll(ctx)
	default:
		return fmt.Errorf("unknown fleet operation %q", op)
	}
	if err != nil {
		return err
	}
	if rep.Degraded() {
		_, _ = fmt.Fprintf(c.errOut, "dependency cycle involving %v, order is partial\n", rep.Cycles)
	}
	return rep.Err()
}
