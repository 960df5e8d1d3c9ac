package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"nser/internal/exclusion/models"
	identity "nser/internal/identity/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	"nser/pkg/platform/httputil"
	"nser/pkg/requestcontext"
)

// Service defines the ledger operations exposed over HTTP.
type Service interface {
	Register(ctx context.Context, in models.RegisterInput) (*models.Record, error)
	Terminate(ctx context.Context, exclusionID id.ExclusionID, reason, actor string) (*models.Record, error)
	Renew(ctx context.Context, exclusionID id.ExclusionID) (*models.Record, error)
	Get(ctx context.Context, exclusionID id.ExclusionID) (*models.Record, error)
	ListByPerson(ctx context.Context, person id.PersonID) ([]*models.Record, error)
	IsExcluded(ctx context.Context, person id.PersonID) (models.LookupResult, error)
	LookupByIdentifier(ctx context.Context, ident identity.Identifier) (models.LookupResult, error)
	LookupByToken(ctx context.Context, value string) (models.LookupResult, error)
}

// Handler serves the /v1/exclusions routes.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the operator-facing routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/exclusions", h.handleRegister)
	r.Post("/v1/exclusions/lookup", h.handleLookup)
	r.Get("/v1/exclusions/{id}", h.handleGet)
	r.Post("/v1/exclusions/{id}/renew", h.handleRenew)
	r.Get("/v1/persons/{id}/exclusions", h.handleListByPerson)
}

// RegisterAdmin mounts termination, which needs an authorized actor. The
// caller's router enforces the admin role.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/v1/exclusions/{id}/terminate", h.handleTerminate)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RegisterRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	in, err := req.Parse()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := h.service.Register(ctx, in)
	if err != nil {
		h.logFailure(ctx, "register exclusion", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toExclusionResponse(rec))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exclusionID, err := id.ParseExclusionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := h.service.Get(ctx, exclusionID)
	if err != nil {
		h.logFailure(ctx, "get exclusion", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toExclusionResponse(rec))
}

func (h *Handler) handleListByPerson(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	person, err := id.ParsePersonID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	records, err := h.service.ListByPerson(ctx, person)
	if err != nil {
		h.logFailure(ctx, "list exclusions", err)
		httputil.WriteError(w, err)
		return
	}
	out := make([]ExclusionResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, toExclusionResponse(rec))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"exclusions": out})
}

func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exclusionID, err := id.ParseExclusionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req TerminateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	actor := requestcontext.Actor(ctx)
	if actor == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "an authenticated actor is required"))
		return
	}
	rec, err := h.service.Terminate(ctx, exclusionID, req.Reason, actor)
	if err != nil {
		h.logFailure(ctx, "terminate exclusion", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toExclusionResponse(rec))
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exclusionID, err := id.ParseExclusionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := h.service.Renew(ctx, exclusionID)
	if err != nil {
		h.logFailure(ctx, "renew exclusion", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toExclusionResponse(rec))
}

// handleLookup answers 200 for every decided lookup, fail-closed included.
// Only malformed input and unknown tokens are errors.
func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req LookupRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	var res models.LookupResult
	var err error
	switch {
	case req.Identifier != nil:
		ident, perr := req.Identifier.Parse()
		if perr != nil {
			httputil.WriteError(w, perr)
			return
		}
		res, err = h.service.LookupByIdentifier(ctx, ident)
	case req.Token != "":
		res, err = h.service.LookupByToken(ctx, strings.TrimSpace(req.Token))
	default:
		person, perr := id.ParsePersonID(strings.TrimSpace(req.PersonID))
		if perr != nil {
			httputil.WriteError(w, perr)
			return
		}
		res, err = h.service.IsExcluded(ctx, person)
	}
	if err != nil {
		h.logFailure(ctx, "lookup exclusion", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toLookupResponse(res))
}

func (h *Handler) logFailure(ctx context.Context, op string, err error) {
	attrs := []any{
		"op", op,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "exclusion request failed", attrs...)
		return
	}
	h.logger.WarnContext(ctx, "exclusion request rejected", attrs...)
}
