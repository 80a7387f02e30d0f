package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// HealthChecker reports whether a dependency is reachable
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to HealthChecker
type CheckFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.Label }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewRouter builds the ops HTTP surface: /healthz and /metrics
func NewRouter(metrics http.Handler, checkers []HealthChecker, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(checkers, logger))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func healthHandler(checkers []HealthChecker, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checkers))}
		code := http.StatusOK
		for _, c := range checkers {
			if err := c.Check(ctx); err != nil {
				logger.Warn("health check failed", zap.String("check", c.Name()), zap.Error(err))
				resp.Checks[c.Name()] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name()] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
