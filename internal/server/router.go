package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/easysvc/internal/metrics"
	"github.com/loykin/easysvc/internal/process"
	"github.com/loykin/easysvc/internal/supervisor"
)

// Controller is the slice of a supervisor the API drives.
type Controller interface {
	Start() error
	Stop() error
	Status() process.Status
}

// Router provides embeddable HTTP handlers for one supervised worker.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/start
//	POST {basePath}/stop
//	GET  {basePath}/metrics
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	metrics  http.Handler
}

// NewRouter constructs a Router. Metrics are served from the default
// Prometheus gatherer.
func NewRouter(ctl Controller, basePath string) *Router {
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath), metrics: metrics.Handler()}
}

// WithMetricsHandler replaces the /metrics handler.
func (r *Router) WithMetricsHandler(h http.Handler) *Router {
	r.metrics = h
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/metrics", gin.WrapH(r.metrics))
	return g
}

// NewServer binds addr and serves the API on it in the background. A bind
// failure is returned; errors after that go to onErr when it is non-nil.
// Stop the server with Close or Shutdown.
// The write timeout covers a stop that waits out the worker's full stop
// window before killing it.
func NewServer(addr, basePath string, ctl Controller, onErr func(error)) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           NewRouter(ctl, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      process.MaxStopWait + time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && onErr != nil {
			onErr(err)
		}
	}()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleStart(c *gin.Context) {
	if err := r.ctl.Start(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrAlreadyRunning) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.ctl.Stop(); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
