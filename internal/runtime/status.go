package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcstep/meshrpc/internal/runtime/jsoncodec"
	loggingpkg "github.com/arcstep/meshrpc/internal/runtime/logging"
	registrypkg "github.com/arcstep/meshrpc/internal/runtime/registry"
	transportpkg "github.com/arcstep/meshrpc/transport"
)

// statusServer serves the read-only status API. No authentication: bind it
// to a loopback or otherwise trusted interface.
type statusServer struct {
	srv    *http.Server
	logger loggingpkg.ServiceLogger
}

func newStatusHTTPServer(port int, mux *http.ServeMux, logger loggingpkg.ServiceLogger) *statusServer {
	return &statusServer{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (s *statusServer) start() {
	s.logger.Info("Starting status server", loggingpkg.LogFields{"address": s.srv.Addr})
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Status server failed", err, loggingpkg.LogFields{"address": s.srv.Addr})
		}
	}()
}

func (s *statusServer) stop(ctx context.Context) {
	shutCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutCtx); err != nil {
		s.logger.Error("Status server shutdown failed", err, nil)
	}
}

// routerStatus is the /api/services document.
type routerStatus struct {
	Endpoint      string                    `json:"endpoint"`
	Transport     string                    `json:"transport"`
	Capabilities  transportpkg.Capabilities `json:"capabilities"`
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Resources     ResourceUsage             `json:"resources"`
	Services      []registrypkg.Record      `json:"services"`
}

func newStatusServer(r *Router) *statusServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/services", r.handleServices)
	mux.HandleFunc("/api/healthz", r.handleHealthz)
	if r.Conf.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(r.metrics.registry, promhttp.HandlerOpts{}))
	}
	return newStatusHTTPServer(r.Conf.StatusPort, mux, r.Logger)
}

func (r *Router) handleServices(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc := routerStatus{
		Endpoint:      r.Endpoint(),
		Transport:     r.transport.Name(),
		Capabilities:  transportpkg.GetCapabilities(r.transport.Name()),
		UptimeSeconds: time.Since(r.startAt).Seconds(),
		Resources:     r.resources.Snapshot(),
		Services:      r.Services(),
	}
	writeJSON(w, r.Logger, doc)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, r.Logger, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(r.startAt).Seconds(),
	})
}

// dealerStatus is the per-instance /api/handlers document.
type dealerStatus struct {
	Identity  string         `json:"identity"`
	Group     string         `json:"group"`
	State     string         `json:"state"`
	Resources ResourceUsage  `json:"resources"`
	Handlers  []*HandlerInfo `json:"handlers"`
}

func newDealerStatusServer(d *Dealer) *statusServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/handlers", d.handleHandlers)
	if d.Conf.MetricsEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(d.metrics.registry, promhttp.HandlerOpts{}))
	}
	return newStatusHTTPServer(d.Conf.StatusPort, mux, d.Logger)
}

func (d *Dealer) handleHandlers(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	doc := dealerStatus{
		Identity:  d.identity,
		Group:     d.Conf.Group,
		State:     d.State().String(),
		Resources: d.resources.Snapshot(),
		Handlers:  d.Handlers(),
	}
	writeJSON(w, d.Logger, doc)
}

func writeJSON(w http.ResponseWriter, logger loggingpkg.ServiceLogger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := jsoncodec.Encode(w, v); err != nil {
		logger.Error("Failed to encode status response", err, nil)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
