// Package handler serves operator compliance scores.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"nser/internal/compliance"
	dErrors "nser/pkg/domain-errors"
	"nser/pkg/platform/httputil"
	"nser/pkg/requestcontext"
)

const defaultWindow = 24 * time.Hour

type Service interface {
	Scores(ctx context.Context, window time.Duration) (compliance.Report, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/v1/compliance/operators", h.handleScores)
}

type ScoreResponse struct {
	OperatorID   string  `json:"operator_id"`
	Name         string  `json:"name"`
	Completed    int     `json:"completed"`
	Failed       int     `json:"failed"`
	Dead         int     `json:"dead"`
	InFlight     int     `json:"in_flight"`
	SuccessRate  float64 `json:"success_rate"`
	LatencyP50Ms int64   `json:"latency_p50_ms"`
	LatencyP90Ms int64   `json:"latency_p90_ms"`
	LatencyP99Ms int64   `json:"latency_p99_ms"`
	Score        float64 `json:"score"`
}

type ScoresResponse struct {
	From            time.Time       `json:"from"`
	To              time.Time       `json:"to"`
	LatencyTargetMs int64           `json:"latency_target_ms"`
	Operators       []ScoreResponse `json:"operators"`
}

func toScoresResponse(rep compliance.Report) ScoresResponse {
	out := ScoresResponse{
		From:            rep.From,
		To:              rep.To,
		LatencyTargetMs: rep.Target.Milliseconds(),
		Operators:       make([]ScoreResponse, 0, len(rep.Scores)),
	}
	for _, s := range rep.Scores {
		out.Operators = append(out.Operators, ScoreResponse{
			OperatorID:   s.OperatorID.String(),
			Name:         s.Name,
			Completed:    s.Completed,
			Failed:       s.Failed,
			Dead:         s.Dead,
			InFlight:     s.InFlight,
			SuccessRate:  s.SuccessRate,
			LatencyP50Ms: s.P50.Milliseconds(),
			LatencyP90Ms: s.P90.Milliseconds(),
			LatencyP99Ms: s.P99.Milliseconds(),
			Score:        s.Score,
		})
	}
	return out
}

// handleScores accepts an optional ?window= Go duration, 24h by default.
func (h *Handler) handleScores(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	window := defaultWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "window must be a duration such as 24h"))
			return
		}
		window = d
	}
	rep, err := h.service.Scores(ctx, window)
	if err != nil {
		attrs := []any{"request_id", requestcontext.RequestID(ctx), "error", err}
		if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
			h.logger.ErrorContext(ctx, "compliance scores failed", attrs...)
		} else {
			h.logger.WarnContext(ctx, "compliance scores rejected", attrs...)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toScoresResponse(rep))
}
