package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/erazemk/najdeno/internal/metrics"
	"github.com/erazemk/najdeno/internal/registry"
)

// Deps are the collaborators of the HTTP API.
type Deps struct {
	DB            *sql.DB
	Registry      *registry.Registry
	JWTSecret     string
	JWTExpiry     time.Duration
	DefaultRadius float64
	RateLimiter   *RateLimiter

	// Metrics and Gatherer are optional. When Gatherer is set the metrics
	// are served on /metrics.
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
}

// NewRouter creates the API router with all endpoints registered.
//
// Middleware order for authenticated routes: Auth → RateLimit(general), with
// the contact limiter added on the contact route.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)
	if deps.Metrics != nil {
		r.Use(MetricsMiddleware(deps.Metrics))
	}

	authHandler := &AuthHandler{DB: deps.DB, JWTSecret: deps.JWTSecret, JWTExpiry: deps.JWTExpiry}
	thingsHandler := &ThingsHandler{Registry: deps.Registry, DB: deps.DB, DefaultRadius: deps.DefaultRadius}
	quotaHandler := &QuotaHandler{Registry: deps.Registry}

	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRateLimiterConfig())
	}

	r.Get("/healthz", Healthz(deps.DB))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// Public: account creation and login.
	r.Post("/api/auth/register", authHandler.Register)
	r.Post("/api/auth/login", authHandler.Login)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(deps.JWTSecret))
		r.Use(limiter.GeneralMiddleware())

		r.Get("/api/auth/me", authHandler.Me)
		r.Put("/api/auth/password", authHandler.ChangePassword)
		r.Get("/api/quota", quotaHandler.Get)

		r.Route("/api/things", func(r chi.Router) {
			r.Post("/", thingsHandler.Create)
			r.Get("/nearby", thingsHandler.Nearby)
			r.Get("/my-things", thingsHandler.Mine)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", thingsHandler.Get)
				r.Put("/", thingsHandler.Update)
				r.Delete("/", thingsHandler.Delete)
				r.With(limiter.ContactMiddleware()).Post("/contact", thingsHandler.Contact)
				r.Put("/photo", thingsHandler.UploadPhoto)
				r.Get("/photo", thingsHandler.GetPhoto)
			})
		})
	})

	return r
}

// Healthz reports whether the database answers.
func Healthz(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			jsonError(w, http.StatusServiceUnavailable, "unavailable", "database unavailable")
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
