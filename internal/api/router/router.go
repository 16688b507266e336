package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/availability"
	"github.com/wolfman30/clinic-scheduler/internal/clinic"
	httpmiddleware "github.com/wolfman30/clinic-scheduler/internal/http/middleware"
	"github.com/wolfman30/clinic-scheduler/internal/jobs"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

// Config holds router configuration. Nil handlers are not mounted.
type Config struct {
	Logger             *logging.Logger
	Availability       *availability.Handler
	Appointments       *appointments.Handler
	ClinicHandler      *clinic.Handler
	JobsHandler        *jobs.Handler
	TwilioStatus       http.Handler
	MetricsHandler     http.Handler
	AdminAuthSecret    string
	CORSAllowedOrigins []string
	PublicRateLimiter  *httpmiddleware.RateLimiter

	// HealthCheck reports dependency health for /health. Nil means always ok.
	HealthCheck func(ctx context.Context) error
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", healthHandler(cfg.HealthCheck))
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.TwilioStatus != nil {
		r.Post("/webhooks/twilio/status", cfg.TwilioStatus.ServeHTTP)
	}

	// Patient-facing routes.
	r.Group(func(public chi.Router) {
		if cfg.PublicRateLimiter != nil {
			public.Use(httpmiddleware.RateLimit(cfg.PublicRateLimiter))
		}
		if cfg.Availability != nil {
			public.Get("/availability", cfg.Availability.GetAvailability)
		}
		if cfg.Appointments != nil {
			cfg.Appointments.RegisterPublic(public)
		}
	})

	// Office routes.
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
		if cfg.Appointments != nil {
			cfg.Appointments.RegisterAdmin(admin)
		}
		if cfg.ClinicHandler != nil {
			admin.Mount("/clinic", cfg.ClinicHandler.Routes())
		}
		if cfg.JobsHandler != nil {
			admin.Mount("/jobs", cfg.JobsHandler.Routes())
		}
	})

	return otelhttp.NewHandler(r, "clinic-api")
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
