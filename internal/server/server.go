// Package server wires the chi router: the per-network JSON-RPC endpoint
// plus the operational surface (health, metrics, cache stats/clear).
//
// Grounded on the teacher's server.New (same chi.NewRouter/bearer-auth
// group/promhttp.Handler/graceful-shutdown shape), generalized from one
// upstream+db pair to the router/dispatcher/cache trio a multi-network
// proxy needs, and expanded with the operational endpoints spec.md's
// external-interfaces section calls for beyond the teacher's bare /health.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/clems4ever/evmcacheproxy/internal/cachemgr"
	"github.com/clems4ever/evmcacheproxy/internal/cleanup"
	"github.com/clems4ever/evmcacheproxy/internal/dispatch"
	"github.com/clems4ever/evmcacheproxy/internal/netrouter"
	"github.com/clems4ever/evmcacheproxy/internal/proxy"
	"github.com/clems4ever/evmcacheproxy/internal/rpctypes"
	"github.com/clems4ever/evmcacheproxy/internal/upstream"
)

const healthCheckTimeout = 3 * time.Second

// Server is the process's single HTTP listener.
type Server struct {
	logger         *zap.Logger
	httpServer     *http.Server
	cleanupManager *cleanup.Manager
}

// New builds a Server. cleanupManager may be nil (no size-based cleanup
// configured); authToken empty disables bearer-token auth.
func New(
	logger *zap.Logger,
	addr string,
	router *netrouter.Router,
	dispatcher *dispatch.Dispatcher,
	cache *cachemgr.Manager,
	client *upstream.Client,
	cleanupManager *cleanup.Manager,
	authToken string,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := proxy.NewHandler(logger, router, dispatcher)

	r := chi.NewRouter()

	r.Get("/health", healthHandler(router, client))

	r.Group(func(r chi.Router) {
		if authToken != "" {
			r.Use(bearerAuth(authToken))
		}

		r.Handle("/metrics", promhttp.Handler())
		r.Get("/stats", statsHandler(router))
		r.Get("/cache/stats", cacheStatsHandler(cache))
		r.Post("/cache/clear", cacheClearHandler(logger, cache))

		r.Post("/", handler.ServeHTTP)
		r.Post("/{network}", handler.ServeHTTP)
	})

	return &Server{
		logger: logger,
		httpServer: &http.Server{
			Addr:    addr,
			Handler: r,
		},
		cleanupManager: cleanupManager,
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// healthHandler issues a short-timeout net_version call against the default
// network's primary upstream, rather than the teacher's static 200 -- a
// listening process whose only upstream is down should not report healthy.
func healthHandler(router *netrouter.Router, client *upstream.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		network, err := router.Resolve("")
		if err != nil {
			http.Error(w, "no default network configured", http.StatusServiceUnavailable)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		req := &rpctypes.Request{JSONRPC: "2.0", Method: "net_version", ID: json.RawMessage("1")}
		if _, err := client.Post(ctx, network.Key, network.Primary, req, healthCheckTimeout); err != nil {
			http.Error(w, "upstream unreachable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

func statsHandler(router *netrouter.Router) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"networks": router.Keys()})
	}
}

func cacheStatsHandler(cache *cachemgr.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := cache.Stats(r.Context())
		if err != nil {
			http.Error(w, "failed to read cache stats: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, stats)
	}
}

func cacheClearHandler(logger *zap.Logger, cache *cachemgr.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cache.ClearAll(r.Context()); err != nil {
			logger.Warn("cache clear failed", zap.Error(err))
			http.Error(w, "failed to clear cache: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Start launches the cleanup manager (if configured) and blocks serving
// HTTP until Shutdown is called.
func (s *Server) Start() error {
	if s.cleanupManager != nil {
		s.cleanupManager.Start()
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the cleanup manager and gracefully drains HTTP.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cleanupManager != nil {
		s.cleanupManager.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}
