// Package server exposes the scheduler over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/plexchat/internal/config"
	"github.com/gaspardpetit/plexchat/internal/openai"
	"github.com/gaspardpetit/plexchat/internal/plexchat"
	"github.com/gaspardpetit/plexchat/internal/scheduler"
	"github.com/gaspardpetit/plexchat/internal/statestore"
)

// Service is the scheduling surface served over HTTP. *plexchat.Client
// implements it.
type Service interface {
	Chat(ctx context.Context, input openai.ChatInput, opts plexchat.Options) (*openai.ChatOutput, error)
	ChatStream(ctx context.Context, input openai.ChatInput, opts plexchat.Options) *scheduler.Stream
	Embed(ctx context.Context, inputs []string, opts plexchat.Options) ([]openai.Embedding, error)
	Abort(handle string)
	AbortAll()
	Status() scheduler.Status
}

// New constructs the HTTP handler for the server. /metrics is mounted only
// when metrics share the API port.
func New(cfg config.ServerConfig, svc Service, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}

	a := &api{svc: svc, timeout: cfg.RequestTimeout, origins: cfg.AllowedOrigins, draining: statestore.IsDraining}
	return routes(r, cfg, a, gatherer)
}

func routes(r chi.Router, cfg config.ServerConfig, a *api, gatherer prometheus.Gatherer) http.Handler {
	r.Get("/healthz", a.healthz)
	r.Get("/status", StatusPageHandler())
	r.Route("/api", func(ar chi.Router) {
		ar.Use(APIKeyMiddleware(cfg.APIKey))
		ar.Group(func(g chi.Router) {
			g.Use(a.rejectWhenDraining, submissions.Middleware())
			g.Post("/chat", a.chat)
			g.Post("/embeddings", a.embeddings)
		})
		ar.Post("/abort", a.abortAll)
		ar.Post("/abort/{handle}", a.abort)
		ar.Get("/status", a.status)
		ar.Get("/status/stream", a.statusStream)
		ar.Get("/status/ws", a.statusWS)
	})

	if gatherer != nil && cfg.MetricsAddr == fmt.Sprintf(":%d", cfg.Port) {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// MetricsHandler serves metrics on a dedicated listener.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return r
}
