package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/autoreply/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/autoreply/internal/http/middleware"
	"github.com/wolfman30/autoreply/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger            *logging.Logger
	InboundHandler    *handlers.InboundHandler
	ServiceAuthSecret string
	MetricsHandler    http.Handler

	// per-tenant token bucket on /v1; zero disables it
	RateLimitRPS   float64
	RateLimitBurst int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	if cfg.InboundHandler != nil {
		r.Route("/v1", func(v1 chi.Router) {
			v1.Use(httpmiddleware.ServiceJWT(cfg.ServiceAuthSecret))
			v1.Use(httpmiddleware.RequireTenant)
			if cfg.RateLimitRPS > 0 {
				v1.Use(httpmiddleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
			}
			v1.Post("/inbound", cfg.InboundHandler.Inbound)
			v1.Post("/inbound/async", cfg.InboundHandler.InboundAsync)
			v1.Route("/friends/{friendID}", func(fr chi.Router) {
				fr.Post("/scenarios/{scenarioID}/start", cfg.InboundHandler.StartScenario)
				fr.Post("/conversation/cancel", cfg.InboundHandler.CancelConversation)
			})
		})
	}

	return r
}
