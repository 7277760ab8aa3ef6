package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/etienne-leroy/FTILlite/metrics"
	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"
)

// RouteRegistrar is a component serving routes on a node's listener.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// HTTPServerConfig configures a node's HTTP listener and its metrics
// listener.
type HTTPServerConfig struct {
	ListenAddr string
	// MetricsAddr is where Prometheus is served. Empty disables it.
	MetricsAddr string
	// MetricsNamespace defaults to DefaultMetricsNamespace.
	MetricsNamespace string
	// AllowedOrigins enables CORS for the listed origins when non-empty.
	AllowedOrigins []string

	Log *slog.Logger

	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}

const DefaultMetricsNamespace = "ftillite"

// BaseServer serves component routes plus health and drain endpoints.
// While drained, component routes answer 503 so the coordinator stops
// sending the node work; health endpoints keep answering.
type BaseServer struct {
	cfg   *HTTPServerConfig
	ready atomic.Bool
	log   *slog.Logger

	mux        *chi.Mux
	srv        *http.Server
	metricsSrv *metrics.MetricsServer
}

func New(cfg *HTTPServerConfig, routeRegistrars ...RouteRegistrar) (*BaseServer, error) {
	namespace := cfg.MetricsNamespace
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}
	metricsSrv, err := metrics.New(namespace, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	srv := &BaseServer{cfg: cfg, log: log, metricsSrv: metricsSrv}
	srv.ready.Store(true)

	srv.mux = chi.NewRouter()
	srv.mux.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		srv.mux.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	health := srv.mux.With(srv.httpLogger)
	health.Get("/livez", srv.handleLive)
	health.Get("/readyz", srv.handleReady)
	health.Get("/drain", srv.handleDrain)
	health.Get("/undrain", srv.handleUndrain)

	srv.AddRoutes(routeRegistrars...)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

// AddRoutes registers components built after the server, typically those
// that need its metrics registry. It must be called before RunInBackground.
func (srv *BaseServer) AddRoutes(routeRegistrars ...RouteRegistrar) {
	gated := srv.mux.With(srv.whenReady)
	for _, registrar := range routeRegistrars {
		registrar.RegisterRoutes(gated)
	}
}

// Metrics returns the metrics server, whose registry components register
// their collectors with.
func (srv *BaseServer) Metrics() *metrics.MetricsServer {
	return srv.metricsSrv
}

func (srv *BaseServer) Ready() bool {
	return srv.ready.Load()
}

func (srv *BaseServer) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

func (srv *BaseServer) whenReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !srv.ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, "draining")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write([]byte(`{"status":"` + status + `"}`))
}

func (srv *BaseServer) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

func (srv *BaseServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !srv.ready.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

func (srv *BaseServer) handleDrain(w http.ResponseWriter, _ *http.Request) {
	if !srv.ready.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("node drained, rejecting commands")
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *BaseServer) handleUndrain(w http.ResponseWriter, _ *http.Request) {
	if srv.ready.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("node undrained, accepting commands")
	writeStatus(w, http.StatusOK, "ready")
}

// RunInBackground starts the HTTP listener and, when configured, the
// metrics listener.
func (srv *BaseServer) RunInBackground() {
	if srv.cfg.MetricsAddr != "" {
		go func() {
			srv.log.Info("starting metrics server", "metricsAddress", srv.cfg.MetricsAddr)
			if err := srv.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error("metrics server failed", "err", err)
			}
		}()
	}
	go func() {
		srv.log.Info("starting HTTP server", "listenAddress", srv.cfg.ListenAddr)
		if err := srv.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srv.log.Error("HTTP server failed", "err", err)
		}
	}()
}

// Shutdown stops both listeners, waiting up to GracefulShutdownDuration for
// each to finish in-flight requests.
func (srv *BaseServer) Shutdown() {
	shutdown := func(name string, stop func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()
		if err := stop(ctx); err != nil {
			srv.log.Error("graceful shutdown failed", "server", name, "err", err)
			return
		}
		srv.log.Info("server stopped", "server", name)
	}
	shutdown("http", srv.srv.Shutdown)
	if srv.cfg.MetricsAddr != "" {
		shutdown("metrics", srv.metricsSrv.Shutdown)
	}
}
