package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/easysvc/internal/config"
	"github.com/loykin/easysvc/internal/history"
	"github.com/loykin/easysvc/internal/history/factory"
	"github.com/loykin/easysvc/internal/logger"
	"github.com/loykin/easysvc/internal/metrics"
	"github.com/loykin/easysvc/internal/registry"
	"github.com/loykin/easysvc/internal/server"
	"github.com/loykin/easysvc/internal/supervisor"
)

// reapGrace is added to the worker's stop window when telling the service
// manager how long a stop may take.
const reapGrace = 15 * time.Second

// projectDir recovers the project directory stored in the service
// description at install time.
func (c *command) projectDir(ctx context.Context, name string) (string, error) {
	reg, err := c.registry()
	if err != nil {
		return "", err
	}
	desc, err := reg.Description(ctx, name)
	if err != nil {
		return "", fmt.Errorf("read description of service %q: %w", name, err)
	}
	_, dir, ok := registry.ParseDescription(desc)
	if !ok {
		return "", fmt.Errorf("description of service %q does not record a project directory", name)
	}
	return dir, nil
}

// Run is the service entry point. It relocates into the project directory,
// supervises the worker and stops it when the service manager signals.
func (c *command) Run(ctx context.Context, rf RunFlags) error {
	dir, err := c.projectDir(ctx, rf.Service)
	if err != nil {
		return err
	}
	if err := c.chdir(dir); err != nil {
		return fmt.Errorf("enter project dir: %w", err)
	}

	conf, err := config.Load(dir)
	if err != nil {
		log, closer := logger.NewService(logger.Config{File: filepath.Join(dir, config.LogFile)})
		defer func() { _ = closer.Close() }()
		logger.Critical(log, "failed to read configuration", "service", rf.Service, "error", err)
		return err
	}
	if conf.ServiceName != rf.Service {
		return fmt.Errorf("%s in %s names service %q, not %q", config.FileName, dir, conf.ServiceName, rf.Service)
	}

	log, closer := logger.NewService(logger.Config{File: conf.LogPath()})
	defer func() { _ = closer.Close() }()

	opts := []supervisor.Option{supervisor.WithLogger(log)}
	if conf.HistoryDSN != "" {
		sink, err := factory.NewSinkFromDSN(conf.HistoryDSN)
		if err != nil {
			log.Error("history export disabled", "error", err)
		} else {
			sinks := []history.Sink{sink}
			defer func() { _ = history.CloseAll(sinks) }()
			opts = append(opts, supervisor.WithHistory(sinks...))
		}
	}

	sup, err := supervisor.New(conf.ToSpec(), opts...)
	if err != nil {
		logger.Critical(log, "invalid worker configuration", "error", err)
		return err
	}

	if conf.MetricsAddr != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Error("metrics registration failed", "error", err)
		}
		srv, err := server.NewServer(conf.MetricsAddr, "", sup, func(err error) {
			log.Error("status api stopped", "error", err)
		})
		if err != nil {
			log.Error("status api disabled", "error", err)
		} else {
			defer func() { _ = srv.Close() }()
			log.Info("status api listening", "addr", srv.Addr)
		}
	}

	sigs, stop := c.signals()
	defer stop()

	if err := sup.Start(); err != nil {
		return err
	}
	log.Info("service started", "service", conf.ServiceName, "dir", dir)

	select {
	case sig := <-sigs:
		log.Info("received signal, stopping service", slog.String("signal", sig.String()))
	case <-ctx.Done():
		log.Info("context cancelled, stopping service")
	}
	if err := sup.Stop(); err != nil {
		log.Error("stop failed", "error", err)
		return err
	}
	log.Info("service stopped", "service", conf.ServiceName)
	return nil
}
