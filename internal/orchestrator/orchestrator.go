// Package orchestrator applies lifecycle operations to every installed
// service in dependency order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/loykin/easysvc/internal/metrics"
	"github.com/loykin/easysvc/internal/ordering"
	"github.com/loykin/easysvc/internal/registry"
)

// Op is a fleet operation.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
	OpRemove  Op = "remove"
)

// Failure is one service the operation could not handle.
type Failure struct {
	Service string
	Err     error
}

// Report summarises a fleet run.
type Report struct {
	Op       Op
	Order    []string // forward order
	Cycles   []string // services placed by the cycle fallback
	Skipped  []string
	Done     []string
	Failures []Failure
}

// Degraded reports whether a dependency cycle forced a partial order.
func (r Report) Degraded() bool { return len(r.Cycles) > 0 }

// Err joins every per-service failure.
func (r Report) Err() error {
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, fmt.Errorf("%s: %w", f.Service, f.Err))
	}
	return errors.Join(errs...)
}

// Orchestrator runs fleet operations sequentially against a registry.
type Orchestrator struct {
	reg   registry.Registry
	log   *slog.Logger
	out   io.Writer
	chdir func(string) error
	getwd func() (string, error)
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

// WithOutput sets where status tables are printed.
func WithOutput(w io.Writer) Option { return func(o *Orchestrator) { o.out = w } }

// WithChdir replaces os.Chdir and os.Getwd.
func WithChdir(chdir func(string) error, getwd func() (string, error)) Option {
	return func(o *Orchestrator) {
		o.chdir = chdir
		o.getwd = getwd
	}
}

func New(reg registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:   reg,
		log:   slog.Default(),
		out:   os.Stdout,
		chdir: os.Chdir,
		getwd: os.Getwd,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) StartAll(ctx context.Context) (Report, error) {
	return o.run(ctx, OpStart)
}

func (o *Orchestrator) StopAll(ctx context.Context) (Report, error) {
	return o.run(ctx, OpStop)
}

// RestartAll stops everything in reverse order, then starts everything in
// forward order.
func (o *Orchestrator) RestartAll(ctx context.Context) (Report, error) {
	return o.run(ctx, OpRestart)
}

func (o *Orchestrator) RemoveAll(ctx context.Context) (Report, error) {
	return o.run(ctx, OpRemove)
}

// run returns an error only when the service snapshot cannot be taken.
// Per-service failures are collected in the report.
func (o *Orchestrator) run(ctx context.Context, op Op) (Report, error) {
	rep := Report{Op: op}
	services, err := o.reg.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list services: %w", err)
	}

	res := ordering.ByDependencies(services,
		func(s registry.Service) string { return s.Name },
		func(s registry.Service) []string { return s.Dependencies })
	for _, s := range res.Ordered {
		rep.Order = append(rep.Order, s.Name)
	}
	for _, s := range res.Cycles {
		rep.Cycles = append(rep.Cycles, s.Name)
		o.log.Error("dependency cycle, ordering is partial", "service", s.Name, "dependencies", s.Dependencies)
	}

	if len(services) == 0 {
		o.log.Info("no installed services found")
		return rep, nil
	}
	if op != OpRemove {
		o.printTable("Before "+string(op), res.Ordered)
	}

	if wd, err := o.getwd(); err == nil {
		defer func() {
			if err := o.chdir(wd); err != nil {
				o.log.Warn("failed to restore working directory", "dir", wd, "error", err)
			}
		}()
	}

	switch op {
	case OpStart:
		o.each(ctx, &rep, op, res.Ordered, o.startOne)
	case OpStop:
		o.each(ctx, &rep, op, res.Reverse(), o.stopOne)
	case OpRestart:
		o.each(ctx, &rep, OpStop, res.Reverse(), o.stopOne)
		o.each(ctx, &rep, OpStart, res.Ordered, o.startOne)
	case OpRemove:
		o.each(ctx, &rep, op, res.Reverse(), o.removeOne)
	default:
		return rep, fmt.Errorf("unknown operation %q", op)
	}

	if op == OpRemove {
		_, _ = fmt.Fprintf(o.out, "Removed %d of %d services.\n", len(rep.Done), len(services))
	} else {
		after, err := o.reg.List(ctx)
		if err != nil {
			o.log.Error("failed to list services after "+string(op), "error", err)
		} else {
			o.printTable("After "+string(op), ordering.ByDependencies(after,
				func(s registry.Service) string { return s.Name },
				func(s registry.Service) []string { return s.Dependencies }).Ordered)
		}
	}
	return rep, nil
}

type action func(ctx context.Context, svc registry.Service, status registry.Status) (bool, error)

// each visits services one at a time; a transition completes before the
// next service is touched.
func (o *Orchestrator) each(ctx context.Context, rep *Report, op Op, services []registry.Service, act action) {
	for _, svc := range services {
		if err := ctx.Err(); err != nil {
			rep.Failures = append(rep.Failures, Failure{Service: svc.Name, Err: err})
			continue
		}
		if svc.ConfigDir != "" {
			if err := o.chdir(svc.ConfigDir); err != nil {
				o.fail(rep, op, svc.Name, fmt.Errorf("enter config dir: %w", err))
				continue
			}
		}
		st, err := o.reg.Query(ctx, svc.Name)
		if err != nil {
			o.fail(rep, op, svc.Name, err)
			continue
		}
		did, err := act(ctx, svc, st)
		switch {
		case err != nil:
			o.fail(rep, op, svc.Name, err)
		case did:
			metrics.IncFleetOp(string(op), "ok")
			rep.Done = append(rep.Done, svc.Name)
		default:
			metrics.IncFleetOp(string(op), "skipped")
			rep.Skipped = append(rep.Skipped, svc.Name)
		}
	}
}

func (o *Orchestrator) fail(rep *Report, op Op, name string, err error) {
	metrics.IncFleetOp(string(op), "error")
	o.log.Error("service "+string(op)+" failed", "service", name, "error", err)
	rep.Failures = append(rep.Failures, Failure{Service: name, Err: err})
}

func (o *Orchestrator) startOne(ctx context.Context, svc registry.Service, st registry.Status) (bool, error) {
	if st == registry.StatusRunning {
		o.log.Info("service already running", "service", svc.Name)
		return false, nil
	}
	o.log.Info("starting service", "service", svc.Name)
	return true, o.reg.Start(ctx, svc.Name)
}

func (o *Orchestrator) stopOne(ctx context.Context, svc registry.Service, st registry.Status) (bool, error) {
	if st == registry.StatusStopped {
		o.log.Info("service already stopped", "service", svc.Name)
		return false, nil
	}
	o.log.Info("stopping service", "service", svc.Name)
	return true, o.reg.Stop(ctx, svc.Name)
}

func (o *Orchestrator) removeOne(ctx context.Context, svc registry.Service, _ registry.Status) (bool, error) {
	o.log.Info("removing service", "service", svc.Name)
	return true, o.reg.Remove(ctx, svc.Name)
}
