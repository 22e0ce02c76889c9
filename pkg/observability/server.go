// Package observability serves the runtime's diagnostics over HTTP:
// Prometheus metrics, health, kind introspection and registry stats.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/navigatorhq/navigator/pkg/core"
	"github.com/navigatorhq/navigator/pkg/manager"
)

// Server is the ambient diagnostics endpoint.
type Server struct {
	addr    string
	mgr     *manager.Manager
	logger  core.Logger
	httpSrv *fasthttp.Server
	started time.Time
}

// NewServer creates a diagnostics server bound to addr.
func NewServer(addr string, mgr *manager.Manager, logger core.Logger) *Server {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	s := &Server{
		addr:    addr,
		mgr:     mgr,
		logger:  core.WithComponent(logger, "diagnostics"),
		started: time.Now(),
	}
	s.httpSrv = &fasthttp.Server{
		Handler:      s.route,
		Name:         "navigator-diagnostics",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/metrics":
		s.handleMetrics(ctx)
	case "/healthz":
		s.handleHealth(ctx)
	case "/kinds":
		s.handleKinds(ctx)
	case "/stats":
		s.handleStats(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	handler := fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(s.mgr.Telemetry().Metrics.Registry(), promhttp.HandlerOpts{}),
	)
	handler(ctx)
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	body, err := core.JSONEncode(map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *Server) handleKinds(ctx *fasthttp.RequestCtx) {
	body, err := core.JSONEncode(s.mgr.AvailableKinds())
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	body, err := core.JSONEncode(s.mgr.Stats())
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("diagnostics listening on %s", s.addr)
	return s.httpSrv.ListenAndServe(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.ShutdownWithContext(ctx)
}
