package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetwatch/pkg/telemetry"
)

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.Middleware(a.config.ServiceName, a.log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", actorHeader},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.config.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		if a.config.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(a.config.RateLimitPerMinute, time.Minute))
		}

		r.Get("/servers", a.handleListServers)
		r.Post("/servers", a.handleRegisterServer)
		r.Delete("/servers/{id}", a.handleRemoveServer)

		r.Get("/files/risky", a.handleRiskyFiles)

		r.Get("/storage/summary", a.handleStorageSummary)
		r.Get("/storage/servers", a.handleStorageServers)
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
