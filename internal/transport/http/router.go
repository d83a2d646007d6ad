package http

import (
	"net/http"
	"strings"
	"time"

	"chorus/internal/authz"
	"chorus/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterOptions struct {
	CORSOrigins  string
	RateLimit    int
	RatePeriod   time.Duration
	LinkTokenTTL time.Duration
}

func NewRouter(svc *service.Service, validator *authz.Validator, opts RouterOptions) http.Handler {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 200
	}
	if opts.RatePeriod <= 0 {
		opts.RatePeriod = time.Minute
	}
	h := &Handler{svc: svc, linkTTL: opts.LinkTokenTTL}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(httprate.LimitByIP(opts.RateLimit, opts.RatePeriod))

	origins := strings.Split(opts.CORSOrigins, ",")
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsIfSet(origins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/mls", func(mr chi.Router) {
		mr.Use(validator.Middleware)
		mr.Use(h.touchDevice)

		mr.Get("/welcome", h.takeWelcome)
		mr.Post("/welcome", h.depositWelcome)
		mr.Get("/key_packages", h.fetchKeyPackage)
		mr.Post("/key_packages", h.publishKeyPackage)
		mr.Post("/bootstrap/request", h.requestBootstrap)
		mr.Get("/bootstrap/requests", h.listBootstrapRequests)
	})

	r.Route("/devices", func(dr chi.Router) {
		dr.Group(func(ar chi.Router) {
			ar.Use(validator.Middleware)
			ar.Use(h.touchDevice)

			ar.Get("/", h.listDevices)
			ar.Post("/register", h.registerDevice)
			ar.Post("/{deviceID}/revoke", h.revokeDevice)
			ar.Post("/link/start", h.startLink)
			ar.Post("/link/bundle", h.uploadBundle)
		})

		// The claiming device has no bearer token yet; the link secret is
		// its credential.
		dr.Post("/link/claim", h.claimBundle)
	})

	return r
}

// touchDevice records device liveness when the token carries a device claim.
func (h *Handler) touchDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if deviceID, ok := authz.DeviceFrom(r.Context()); ok {
			h.svc.TouchDevice(r.Context(), deviceID)
		}
		next.ServeHTTP(w, r)
	})
}

func originsIfSet(origins []string) []string {
	var out []string
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
