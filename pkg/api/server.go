// Package api exposes the record store over HTTP: listing and reading
// recovered records, removing them, posting user messages, and triggering
// test captures, plus Prometheus metrics for the write path.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ssargent/muninn/pkg/pstore"
	"github.com/ssargent/muninn/pkg/view"
)

// Router builds the chi router with all routes configured.
func Router(server *Server, metrics *Metrics) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Prometheus metrics endpoint (unprotected for scraping)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", metrics.InstrumentHandler("GET", "/health", server.handleHealth))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiKeyMiddleware(server.config.APIKey))

		r.Get("/records", metrics.InstrumentHandler("GET", "/api/v1/records", server.handleListRecords))
		r.Get("/records/{name}", metrics.InstrumentHandler("GET", "/api/v1/records/{name}", server.handleGetRecord))
		r.Delete("/records/{name}", metrics.InstrumentHandler("DELETE", "/api/v1/records/{name}", server.handleDeleteRecord))

		r.Post("/msg", metrics.InstrumentHandler("POST", "/api/v1/msg", server.handleWriteMsg))
		r.Post("/dump", metrics.InstrumentHandler("POST", "/api/v1/dump", server.handleDump))
		r.Post("/refresh", metrics.InstrumentHandler("POST", "/api/v1/refresh", server.handleRefresh))

		r.Get("/stats", metrics.InstrumentHandler("GET", "/api/v1/stats", server.handleStats))
	})

	return r
}

// StartServer starts the HTTP server with all routes configured and blocks
// until ctx is cancelled.
func StartServer(ctx context.Context, tree *view.Tree, registry *pstore.Registry, ecc ECCStats,
	config ServerConfig, log zerolog.Logger) error {

	metrics := NewMetrics(tree.Len, ecc)
	server := NewServer(tree, registry, ecc, config, metrics)

	addr := fmt.Sprintf("%s:%d", config.Bind, config.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           Router(server, metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("record store API listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
