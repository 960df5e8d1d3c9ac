package handler

import (
	"strings"
	"time"

	"nser/internal/token/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

type IssueTokenRequest struct {
	OwnerID string `json:"owner_id"`
}

func (r *IssueTokenRequest) Parse() (id.PersonID, error) {
	return id.ParsePersonID(strings.TrimSpace(r.OwnerID))
}

// maxTokenValueLen rejects absurd bodies before they reach the codec.
const maxTokenValueLen = 128

type ValidateTokenRequest struct {
	Token string `json:"token"`
}

func (r *ValidateTokenRequest) Validate() error {
	r.Token = strings.TrimSpace(r.Token)
	if r.Token == "" {
		return dErrors.New(dErrors.CodeValidation, "token is required")
	}
	if len(r.Token) > maxTokenValueLen {
		return dErrors.New(dErrors.CodeMalformed, "malformed token")
	}
	return nil
}

type TokenResponse struct {
	ID              string     `json:"id"`
	Token           string     `json:"token"`
	OwnerID         string     `json:"owner_id"`
	Version         uint32     `json:"version"`
	Status          string     `json:"status"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RotationOf      string     `json:"rotation_of,omitempty"`
	StatusChangedAt time.Time  `json:"status_changed_at"`
}

func toTokenResponse(t *models.Token) TokenResponse {
	resp := TokenResponse{
		ID:              t.ID.String(),
		Token:           t.Value,
		OwnerID:         t.OwnerID.String(),
		Version:         t.Version,
		Status:          string(t.Status),
		IssuedAt:        t.IssuedAt,
		ExpiresAt:       t.ExpiresAt,
		StatusChangedAt: t.StatusChangedAt,
	}
	if t.RotationOf != nil {
		resp.RotationOf = t.RotationOf.String()
	}
	return resp
}

type ValidationResponse struct {
	Valid   bool   `json:"valid"`
	OwnerID string `json:"owner_id,omitempty"`
	TokenID string `json:"token_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func toValidationResponse(r models.ValidationResult) ValidationResponse {
	resp := ValidationResponse{
		Valid:  r.Valid,
		Status: string(r.Status),
		Reason: r.Reason,
	}
	if !r.OwnerID.IsNil() {
		resp.OwnerID = r.OwnerID.String()
	}
	if !r.TokenID.IsNil() {
		resp.TokenID = r.TokenID.String()
	}
	return resp
}
