// Package httptransport assembles the public router: shared middleware,
// health and metrics endpoints, and every bounded context's handlers behind
// bearer authentication.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	jwttoken "nser/internal/jwt_token"
	"nser/pkg/platform/httputil"
	"nser/pkg/platform/middleware/admin"
	authmw "nser/pkg/platform/middleware/auth"
	"nser/pkg/platform/middleware/metadata"
	"nser/pkg/platform/middleware/request"
	"nser/pkg/platform/middleware/requesttime"
)

const healthCheckTimeout = 2 * time.Second

// Registrar mounts a context's authenticated routes.
type Registrar interface {
	Register(r chi.Router)
}

// AdminRegistrar mounts routes that additionally need the admin role.
type AdminRegistrar interface {
	RegisterAdmin(r chi.Router)
}

// HealthCheck is a dependency probed by /healthz.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

type Deps struct {
	Logger    *slog.Logger
	Validator authmw.JWTValidator
	Metrics   http.Handler
	Checks    []HealthCheck
	Routes    []Registrar
	Admin     []AdminRegistrar
}

func NewRouter(d Deps) http.Handler {
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(request.Recover(d.Logger))
	r.Use(request.Logger(d.Logger))
	r.Use(metadata.ClientMetadata)
	r.Use(requesttime.Middleware)

	r.Get("/healthz", healthHandler(d.Checks))
	r.Handle("/metrics", d.Metrics)

	r.Group(func(r chi.Router) {
		r.Use(authmw.RequireAuth(d.Validator, d.Logger))
		for _, reg := range d.Routes {
			reg.Register(r)
		}
		r.Group(func(r chi.Router) {
			r.Use(admin.RequireRole(d.Logger, jwttoken.RoleAdmin))
			for _, reg := range d.Admin {
				reg.RegisterAdmin(r)
			}
		})
	})
	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				resp.Checks[c.Name()] = err.Error()
				resp.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[c.Name()] = "ok"
		}
		httputil.WriteJSON(w, status, resp)
	}
}
