package testutil

import (
	"net/http"

	"nser/pkg/requestcontext"
)

// WithActor attaches the operator or admin identity the JWT middleware
// would have resolved.
func WithActor(req *http.Request, actor string, roles ...string) *http.Request {
	return req.WithContext(requestcontext.WithActor(req.Context(), actor, roles...))
}
