package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nser/internal/token/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	"nser/pkg/platform/httputil"
	"nser/pkg/requestcontext"
)

// Service defines the token operations exposed over HTTP.
type Service interface {
	Issue(ctx context.Context, owner id.PersonID) (*models.Token, error)
	Validate(ctx context.Context, value string) (models.ValidationResult, error)
	Rotate(ctx context.Context, tokenID id.TokenID) (*models.Token, error)
	MarkCompromised(ctx context.Context, tokenID id.TokenID) (*models.Token, error)
	Deactivate(ctx context.Context, tokenID id.TokenID) (*models.Token, error)
	Get(ctx context.Context, tokenID id.TokenID) (*models.Token, error)
	ListByOwner(ctx context.Context, owner id.PersonID) ([]*models.Token, error)
}

// Handler serves the /v1/tokens routes.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the token routes on r. Authentication is applied by the
// caller's router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/tokens", h.handleIssue)
	r.Get("/v1/tokens", h.handleListByOwner)
	r.Post("/v1/tokens/validate", h.handleValidate)
	r.Get("/v1/tokens/{id}", h.handleGet)
	r.Post("/v1/tokens/{id}/rotate", h.handleRotate)
	r.Post("/v1/tokens/{id}/compromised", h.handleMarkCompromised)
	r.Post("/v1/tokens/{id}/deactivate", h.handleDeactivate)
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req IssueTokenRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	owner, err := req.Parse()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tok, err := h.service.Issue(ctx, owner)
	if err != nil {
		h.logFailure(ctx, "issue token", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toTokenResponse(tok))
}

func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req ValidateTokenRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.service.Validate(ctx, req.Token)
	if err != nil {
		h.logFailure(ctx, "validate token", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toValidationResponse(res))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	h.withTokenID(w, r, "get token", h.service.Get, http.StatusOK)
}

func (h *Handler) handleRotate(w http.ResponseWriter, r *http.Request) {
	h.withTokenID(w, r, "rotate token", h.service.Rotate, http.StatusCreated)
}

func (h *Handler) handleMarkCompromised(w http.ResponseWriter, r *http.Request) {
	h.withTokenID(w, r, "mark token compromised", h.service.MarkCompromised, http.StatusOK)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.withTokenID(w, r, "deactivate token", h.service.Deactivate, http.StatusOK)
}

func (h *Handler) handleListByOwner(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, err := id.ParsePersonID(r.URL.Query().Get("owner_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tokens, err := h.service.ListByOwner(ctx, owner)
	if err != nil {
		h.logFailure(ctx, "list tokens", err)
		httputil.WriteError(w, err)
		return
	}
	out := make([]TokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, toTokenResponse(t))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

func (h *Handler) withTokenID(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(context.Context, id.TokenID) (*models.Token, error),
	status int,
) {
	ctx := r.Context()
	tokenID, err := id.ParseTokenID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	tok, err := fn(ctx, tokenID)
	if err != nil {
		h.logFailure(ctx, op, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, status, toTokenResponse(tok))
}

func (h *Handler) logFailure(ctx context.Context, op string, err error) {
	attrs := []any{
		"op", op,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "token request failed", attrs...)
		return
	}
	h.logger.WarnContext(ctx, "token request rejected", attrs...)
}
