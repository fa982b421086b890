// Package api exposes the engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/predex/engine/internal/metrics"
	"github.com/predex/engine/internal/model"
	"github.com/predex/engine/internal/pump"
	"github.com/predex/engine/internal/settlement"
	"github.com/predex/engine/internal/trade"
	"github.com/predex/engine/internal/ws"
)

// Handler carries the services behind the HTTP surface.
type Handler struct {
	markets    *trade.Service
	settlement *settlement.Engine
	pump       *pump.Pump
	hub        *ws.Hub
}

// NewHandler wires the HTTP surface.
func NewHandler(markets *trade.Service, se *settlement.Engine, p *pump.Pump, hub *ws.Hub) *Handler {
	return &Handler{markets: markets, settlement: se, pump: p, hub: hub}
}

// Router builds the chi router with the standard middleware stack.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware(routePattern))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"predex-engine"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", h.hub.HandleWS)

		r.Post("/messages", h.postMessage)

		r.Get("/markets", h.listMarkets)
		r.Post("/markets", h.createMarket)
		r.Get("/markets/{marketID}", h.getMarket)
		r.Get("/markets/{marketID}/stats", h.getStats)
		r.Get("/markets/{marketID}/history", h.getHistory)
		r.Post("/markets/{marketID}/quote", h.quotePreview)
		r.Post("/markets/{marketID}/resolve", h.resolveMarket)

		r.Post("/settlement/close-expired", h.closeExpired)

		r.Post("/users", h.ensureUser)
		r.Get("/portfolio/{userID}", h.getPortfolio)

		r.Post("/broadcast-cycles", h.recordBroadcastCycle)
	})
	return r
}

func routePattern(r *http.Request) string {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		if p := ctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyResolved),
		errors.Is(err, model.ErrMarketInactive),
		errors.Is(err, model.ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
