package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"nser/internal/identity/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	"nser/pkg/platform/httputil"
	"nser/pkg/requestcontext"
)

// Service defines the identity graph operations exposed over HTTP.
type Service interface {
	Link(ctx context.Context, ident models.Identifier, person id.PersonID) (*models.LinkResult, error)
	Resolve(ctx context.Context, ident models.Identifier) (id.PersonID, error)
	Members(ctx context.Context, person id.PersonID) ([]id.PersonID, error)
	DetectDuplicates(ctx context.Context) ([]models.DuplicateCandidate, error)
	ListFlags(ctx context.Context, status models.FlagStatus) ([]*models.ReviewFlag, error)
	ResolveFlag(ctx context.Context, flagID id.FlagID) error
}

// Handler serves the /v1/identity routes.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the operator-facing identity routes.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/identity/links", h.handleLink)
	r.Post("/v1/identity/resolve", h.handleResolve)
	r.Get("/v1/identity/persons/{id}", h.handlePerson)
}

// RegisterAdmin mounts the review routes. The caller's router enforces the
// admin role.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/v1/identity/duplicates/scan", h.handleScan)
	r.Get("/v1/identity/flags", h.handleListFlags)
	r.Post("/v1/identity/flags/{id}/resolve", h.handleResolveFlag)
}

func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req LinkRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	person, idents, err := req.Parse()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	resp := LinkResponse{PersonID: person.String()}
	for _, ident := range idents {
		res, err := h.service.Link(ctx, ident, person)
		if err != nil {
			h.logFailure(ctx, "link identifier", err)
			httputil.WriteError(w, err)
			return
		}
		person = res.PersonID
		resp.PersonID = person.String()
		if res.Created {
			resp.Created++
		}
		for _, absorbed := range res.Absorbed {
			resp.Absorbed = append(resp.Absorbed, absorbed.String())
		}
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req IdentifierRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	ident, err := req.Parse()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	person, err := h.service.Resolve(ctx, ident)
	if err != nil {
		h.logFailure(ctx, "resolve identifier", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"person_id": person.String()})
}

func (h *Handler) handlePerson(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	person, err := id.ParsePersonID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	members, err := h.service.Members(ctx, person)
	if err != nil {
		h.logFailure(ctx, "get person", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, PersonResponse{
		PersonID: members[0].String(),
		Members:  id.PersonIDStrings(members),
	})
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	candidates, err := h.service.DetectDuplicates(ctx)
	if err != nil {
		h.logFailure(ctx, "scan duplicates", err)
		httputil.WriteError(w, err)
		return
	}
	out := make([]DuplicateResponse, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, toDuplicateResponse(c))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"candidates": out})
}

func (h *Handler) handleListFlags(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := models.FlagStatus(r.URL.Query().Get("status"))
	flags, err := h.service.ListFlags(ctx, status)
	if err != nil {
		h.logFailure(ctx, "list flags", err)
		httputil.WriteError(w, err)
		return
	}
	out := make([]FlagResponse, 0, len(flags))
	for _, f := range flags {
		out = append(out, toFlagResponse(f))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"flags": out})
}

func (h *Handler) handleResolveFlag(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flagID, err := id.ParseFlagID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.service.ResolveFlag(ctx, flagID); err != nil {
		h.logFailure(ctx, "resolve flag", err)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logFailure(ctx context.Context, op string, err error) {
	attrs := []any{
		"op", op,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "identity request failed", attrs...)
		return
	}
	h.logger.WarnContext(ctx, "identity request rejected", attrs...)
}
