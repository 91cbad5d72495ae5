package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"

	"templateshop.app/api/internal/fulfillment"
	"templateshop.app/api/internal/logger"
	"templateshop.app/api/internal/ratelimit"
	"templateshop.app/api/internal/webhook"
	"templateshop.app/api/storage"
)

type Options struct {
	Version            string
	WebhookTimeout     time.Duration
	CORSAllowedOrigins []string
	LicenseRateLimit   int
	LicenseRateWindow  time.Duration
}

type Server struct {
	Mux     *chi.Mux
	Storage storage.Storage

	engine   *fulfillment.Engine
	verifier *webhook.Verifier
	opts     Options
	stats    webhookStats
	now      func() time.Time
}

type webhookStats struct {
	received  atomic.Uint64
	processed atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
}

func NewHttpServer(db storage.Storage, engine *fulfillment.Engine, verifier *webhook.Verifier, opts Options) *Server {
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = 10 * time.Second
	}
	if opts.LicenseRateWindow <= 0 {
		opts.LicenseRateWindow = time.Minute
	}
	if len(opts.CORSAllowedOrigins) == 0 {
		opts.CORSAllowedOrigins = []string{"*"}
	}

	s := &Server{
		Mux:      chi.NewRouter(),
		Storage:  db,
		engine:   engine,
		verifier: verifier,
		opts:     opts,
		now:      time.Now,
	}

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})

	s.Mux.Use(middleware.RequestID)
	s.Mux.Use(middleware.RealIP)
	s.Mux.Use(middleware.Recoverer)
	s.Mux.Use(sentryHandler.Handle)

	s.Mux.Get("/health", s.Health)
	s.Mux.Post("/webhook/{provider}", s.Webhook)

	limiter := ratelimit.New(opts.LicenseRateLimit, opts.LicenseRateWindow)
	s.Mux.Route("/api/v1/licenses", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
		r.Use(ratelimit.Middleware(limiter, opts.LicenseRateWindow))
		r.Post("/validate", s.ValidateLicense)
		r.Post("/activate", s.ActivateLicense)
	})

	return s
}

type WebhookCounters struct {
	Received  uint64 `json:"received"`
	Processed uint64 `json:"processed"`
	Rejected  uint64 `json:"rejected"`
	Failed    uint64 `json:"failed"`
}

type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Webhooks  WebhookCounters `json:"webhooks"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.opts.Version,
		Timestamp: s.now().UTC(),
		Webhooks: WebhookCounters{
			Received:  s.stats.received.Load(),
			Processed: s.stats.processed.Load(),
			Rejected:  s.stats.rejected.Load(),
			Failed:    s.stats.failed.Load(),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", logger.Fields{
			"error": err.Error(),
		})
	}
}

// capture reports err to Sentry on the request's hub.
func capture(r *http.Request, err error, tags map[string]string) {
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		hub.CaptureException(err)
	})
}
