package admin

import (
	"log/slog"
	"net/http"
	"slices"

	dErrors "nser/pkg/domain-errors"
	"nser/pkg/platform/httputil"
	"nser/pkg/requestcontext"
)

// RequireRole rejects callers that hold none of roles. Must run after the
// auth middleware.
func RequireRole(logger *slog.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !slices.ContainsFunc(roles, func(role string) bool { return requestcontext.HasRole(ctx, role) }) {
				logger.WarnContext(ctx, "forbidden - missing role",
					"actor", requestcontext.Actor(ctx),
					"required", roles,
					"request_id", requestcontext.RequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
