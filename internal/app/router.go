package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/broadcast-hub/internal/adapter/httpserver"
	"github.com/fairyhunter13/broadcast-hub/internal/adapter/observability"
	"github.com/fairyhunter13/broadcast-hub/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input means "*".
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
// The SSE stream is mounted outside the timeout middleware; everything else
// gets a 30s deadline.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready Readiness) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Long-lived stream, no request timeout.
	r.Get("/v1/stream", srv.Stream)

	r.Group(func(gr chi.Router) {
		gr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		gr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))

		gr.Route("/v1/admin", func(ar chi.Router) {
			ar.Post("/broadcasts", srv.CreateBroadcast)
			ar.Get("/broadcasts", srv.ListBroadcasts)
			ar.Post("/broadcasts/{id}/cancel", srv.CancelBroadcast)
			ar.Get("/broadcasts/{id}/deliveries", srv.GetDeliveries)
			ar.Get("/connections/stats", srv.ConnectionStats)
			ar.Get("/dlt", srv.ListDlt)
			ar.Post("/dlt/{id}/redrive", srv.RedriveDlt)
			ar.Post("/dlt/{id}/purge", srv.PurgeDlt)
			ar.Delete("/dlt/{id}", srv.DeleteDlt)
		})

		gr.Get("/v1/messages", srv.ListMessages)
		gr.Post("/v1/messages/{broadcastID}/read", srv.MarkRead)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", ready.Handler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
