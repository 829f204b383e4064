package agent

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// MetricsPath is where the poller expects the agent document.
const MetricsPath = "/api/metrics"

// Handler serves the agent endpoints backed by c.
func Handler(c Collector, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get(MetricsPath, func(w http.ResponseWriter, r *http.Request) {
		reading, err := c.Collect(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			log.Error().Err(err).Msg("collect metrics")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(reading)
	})

	return r
}
