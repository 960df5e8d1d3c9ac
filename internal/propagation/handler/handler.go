// Package handler serves propagation status and the manual retry action.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"nser/internal/propagation/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	"nser/pkg/platform/httputil"
	"nser/pkg/requestcontext"
)

type Service interface {
	Status(ctx context.Context, exclusionID id.ExclusionID) (models.Report, error)
	RetryFailed(ctx context.Context) (int, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/exclusions/{id}/propagation", h.handleStatus)
}

// RegisterAdmin mounts the manual retry. The caller's router enforces the
// admin role.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/v1/propagation/retry-failed", h.handleRetryFailed)
}

type MappingResponse struct {
	OperatorID          string     `json:"operator_id"`
	Status              string     `json:"status"`
	StateVersion        int64      `json:"state_version"`
	EventType           string     `json:"event_type"`
	AttemptCount        int        `json:"attempt_count"`
	MaxAttempts         int        `json:"max_attempts"`
	NextRetryAt         *time.Time `json:"next_retry_at,omitempty"`
	LastHTTPStatus      int        `json:"last_http_status,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	AcknowledgedAt      *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedVersion int64      `json:"acknowledged_version"`
	ManualRetries       int        `json:"manual_retries"`
}

type AttemptResponse struct {
	OperatorID     string    `json:"operator_id"`
	StateVersion   int64     `json:"state_version"`
	Attempt        int       `json:"attempt"`
	IdempotencyKey string    `json:"idempotency_key"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	HTTPStatus     int       `json:"http_status,omitempty"`
	Outcome        string    `json:"outcome"`
	Error          string    `json:"error,omitempty"`
}

type StatusResponse struct {
	ExclusionID string            `json:"exclusion_id"`
	Mappings    []MappingResponse `json:"mappings"`
	Attempts    []AttemptResponse `json:"attempts"`
}

type RetryResponse struct {
	Retried int `json:"retried"`
}

func toStatusResponse(rep models.Report) StatusResponse {
	out := StatusResponse{
		ExclusionID: rep.ExclusionID.String(),
		Mappings:    make([]MappingResponse, 0, len(rep.Mappings)),
		Attempts:    make([]AttemptResponse, 0, len(rep.Attempts)),
	}
	for _, m := range rep.Mappings {
		mr := MappingResponse{
			OperatorID:          m.OperatorID.String(),
			Status:              string(m.Status),
			StateVersion:        m.StateVersion,
			EventType:           string(m.EventType),
			AttemptCount:        m.AttemptCount,
			MaxAttempts:         m.MaxAttempts,
			LastHTTPStatus:      m.LastHTTPStatus,
			LastError:           m.LastError,
			AcknowledgedAt:      m.AcknowledgedAt,
			AcknowledgedVersion: m.AcknowledgedVersion,
			ManualRetries:       m.ManualRetries,
		}
		if m.Status == models.StatusPending {
			next := m.NextRetryAt
			mr.NextRetryAt = &next
		}
		out.Mappings = append(out.Mappings, mr)
	}
	for _, a := range rep.Attempts {
		out.Attempts = append(out.Attempts, AttemptResponse{
			OperatorID:     a.OperatorID.String(),
			StateVersion:   a.StateVersion,
			Attempt:        a.Attempt,
			IdempotencyKey: a.IdempotencyKey.String(),
			StartedAt:      a.StartedAt,
			FinishedAt:     a.FinishedAt,
			HTTPStatus:     a.HTTPStatus,
			Outcome:        string(a.Outcome),
			Error:          a.Error,
		})
	}
	return out
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	exclusionID, err := id.ParseExclusionID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rep, err := h.service.Status(ctx, exclusionID)
	if err != nil {
		h.logFailure(ctx, "propagation status", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toStatusResponse(rep))
}

func (h *Handler) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if requestcontext.Actor(ctx) == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "an authenticated actor is required"))
		return
	}
	n, err := h.service.RetryFailed(ctx)
	if err != nil {
		h.logFailure(ctx, "retry failed propagations", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, RetryResponse{Retried: n})
}

func (h *Handler) logFailure(ctx context.Context, op string, err error) {
	attrs := []any{
		"op", op,
		"request_id", requestcontext.RequestID(ctx),
		"error", err,
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "propagation request failed", attrs...)
		return
	}
	h.logger.WarnContext(ctx, "propagation request rejected", attrs...)
}
