// Package easysvc is the public facade for embedding the worker supervisor
// and the fleet orchestrator.
package easysvc

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/easysvc/internal/config"
	"github.com/loykin/easysvc/internal/history"
	"github.com/loykin/easysvc/internal/history/factory"
	"github.com/loykin/easysvc/internal/metrics"
	"github.com/loykin/easysvc/internal/orchestrator"
	"github.com/loykin/easysvc/internal/process"
	"github.com/loykin/easysvc/internal/registry"
	iapi "github.com/loykin/easysvc/internal/server"
	"github.com/loykin/easysvc/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type Supervisor = supervisor.Supervisor

type SupervisorOption = supervisor.Option

type Config = config.Config

type Registry = registry.Registry

type Service = registry.Service

type Orchestrator = orchestrator.Orchestrator

type Report = orchestrator.Report

type HistorySink = history.Sink

type HistoryEvent = history.Event

var (
	WithLogger  = supervisor.WithLogger
	WithHistory = supervisor.WithHistory
	WithFatal   = supervisor.WithFatal
	WithPopup   = supervisor.WithPopup

	ErrNotInstalled = registry.ErrNotInstalled
)

// NewSupervisor validates spec and returns an idle supervisor.
func NewSupervisor(spec Spec, opts ...SupervisorOption) (*Supervisor, error) {
	return supervisor.New(spec, opts...)
}

// LoadConfig reads and validates svc.conf from dir.
func LoadConfig(dir string) (*Config, error) { return config.Load(dir) }

// DefaultRegistry returns the host service manager backend.
func DefaultRegistry() (Registry, error) { return registry.Default() }

func NewOrchestrator(reg Registry, opts ...orchestrator.Option) *Orchestrator {
	return orchestrator.New(reg, opts...)
}

// NewHistorySink opens a sqlite, postgres or clickhouse sink from a DSN.
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPServer binds addr and serves the status API for s. Errors after
// a successful bind go to onErr.
func NewHTTPServer(addr, basePath string, s *Supervisor, onErr func(error)) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s, onErr)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the default registry.
// It runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
