package handler

import (
	"strings"
	"time"

	"nser/internal/exclusion/models"
	identity "nser/internal/identity/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

const maxIdentifiersPerRequest = 16

type IdentifierRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (r IdentifierRequest) Parse() (identity.Identifier, error) {
	t, err := identity.ParseIdentifierType(r.Type)
	if err != nil {
		return identity.Identifier{}, err
	}
	if strings.TrimSpace(r.Value) == "" {
		return identity.Identifier{}, dErrors.New(dErrors.CodeValidation, "identifier value is required")
	}
	return identity.Identifier{Type: t, Value: r.Value}, nil
}

type RegisterRequest struct {
	PersonID    string              `json:"person_id"`
	Period      string              `json:"period"`
	Reason      string              `json:"reason"`
	AutoRenew   bool                `json:"auto_renew"`
	StartAt     *time.Time          `json:"start_at,omitempty"`
	Identifiers []IdentifierRequest `json:"identifiers,omitempty"`
}

func (r *RegisterRequest) Parse() (models.RegisterInput, error) {
	person, err := id.ParsePersonID(strings.TrimSpace(r.PersonID))
	if err != nil {
		return models.RegisterInput{}, err
	}
	period, err := models.ParsePeriod(r.Period)
	if err != nil {
		return models.RegisterInput{}, err
	}
	if len(r.Identifiers) > maxIdentifiersPerRequest {
		return models.RegisterInput{}, dErrors.New(dErrors.CodeValidation, "too many identifiers")
	}
	in := models.RegisterInput{
		PersonID:  person,
		Period:    period,
		Reason:    r.Reason,
		AutoRenew: r.AutoRenew,
		StartAt:   r.StartAt,
	}
	for _, raw := range r.Identifiers {
		ident, err := raw.Parse()
		if err != nil {
			return models.RegisterInput{}, err
		}
		in.Identifiers = append(in.Identifiers, ident)
	}
	return in, nil
}

type TerminateRequest struct {
	Reason string `json:"reason"`
}

// LookupRequest names the subject of a lookup by exactly one of person id,
// identifier or BST token.
type LookupRequest struct {
	PersonID   string             `json:"person_id,omitempty"`
	Identifier *IdentifierRequest `json:"identifier,omitempty"`
	Token      string             `json:"token,omitempty"`
}

func (r *LookupRequest) Validate() error {
	set := 0
	if strings.TrimSpace(r.PersonID) != "" {
		set++
	}
	if r.Identifier != nil {
		set++
	}
	if strings.TrimSpace(r.Token) != "" {
		set++
	}
	if set != 1 {
		return dErrors.New(dErrors.CodeValidation, "exactly one of person_id, identifier or token is required")
	}
	return nil
}

type ExclusionResponse struct {
	ID                string     `json:"id"`
	PersonID          string     `json:"person_id"`
	Period            string     `json:"period"`
	Status            string     `json:"status"`
	StartDate         time.Time  `json:"start_date"`
	EndDate           *time.Time `json:"end_date"`
	AutoRenew         bool       `json:"auto_renew"`
	RenewalCount      int        `json:"renewal_count"`
	Reason            string     `json:"reason,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
	TerminatedBy      string     `json:"terminated_by,omitempty"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	ExpiredAt         *time.Time `json:"expired_at,omitempty"`
	StateVersion      int64      `json:"state_version"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func toExclusionResponse(r *models.Record) ExclusionResponse {
	return ExclusionResponse{
		ID:                r.ID.String(),
		PersonID:          r.PersonID.String(),
		Period:            string(r.Period),
		Status:            string(r.Status),
		StartDate:         r.StartDate,
		EndDate:           r.EndDate,
		AutoRenew:         r.AutoRenew,
		RenewalCount:      r.RenewalCount,
		Reason:            r.Reason,
		TerminationReason: r.TerminationReason,
		TerminatedBy:      r.TerminatedBy,
		TerminatedAt:      r.TerminatedAt,
		ExpiredAt:         r.ExpiredAt,
		StateVersion:      r.Version,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type LookupResponse struct {
	Excluded   bool               `json:"excluded"`
	FailClosed bool               `json:"fail_closed"`
	Source     string             `json:"source"`
	PersonID   string             `json:"person_id,omitempty"`
	Exclusion  *ExclusionResponse `json:"exclusion,omitempty"`
}

func toLookupResponse(res models.LookupResult) LookupResponse {
	out := LookupResponse{
		Excluded:   res.Excluded,
		FailClosed: res.FailClosed,
		Source:     res.Source,
	}
	if !res.PersonID.IsNil() {
		out.PersonID = res.PersonID.String()
	}
	if res.Record != nil && res.Excluded {
		rec := toExclusionResponse(res.Record)
		out.Exclusion = &rec
	}
	return out
}
