package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Health is the /healthz response body.
type Health struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	Latency string `json:"latency,omitempty"`
	Queued  int    `json:"queued"`
}

// Pinger reports whether the agent can reach its channel.
type Pinger interface {
	Ping(ctx context.Context) error
	Queued() int
}

// NewRouter serves /metrics and /healthz.
func NewRouter(logger zerolog.Logger, svc Pinger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler(svc))

	return r
}

func healthHandler(svc Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		health := Health{Status: "healthy", Channel: "pass", Queued: svc.Queued()}
		status := http.StatusOK

		start := time.Now()
		if err := svc.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Channel = "fail"
			status = http.StatusServiceUnavailable
		} else {
			health.Latency = time.Since(start).String()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(health) //nolint:errcheck // Client went away
	}
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
