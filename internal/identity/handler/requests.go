package handler

import (
	"strings"
	"time"

	"nser/internal/identity/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	pstrings "nser/pkg/platform/strings"
)

// maxIdentifiersPerRequest bounds the identifiers linked by one call.
const maxIdentifiersPerRequest = 16

type IdentifierRequest struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (r IdentifierRequest) Parse() (models.Identifier, error) {
	t, err := models.ParseIdentifierType(r.Type)
	if err != nil {
		return models.Identifier{}, err
	}
	if strings.TrimSpace(r.Value) == "" {
		return models.Identifier{}, dErrors.New(dErrors.CodeValidation, "identifier value is required")
	}
	return models.Identifier{Type: t, Value: r.Value}, nil
}

type LinkRequest struct {
	PersonID    string              `json:"person_id"`
	Identifiers []IdentifierRequest `json:"identifiers"`
}

// Parse validates the request and drops repeated identifiers.
func (r *LinkRequest) Parse() (id.PersonID, []models.Identifier, error) {
	person, err := id.ParsePersonID(strings.TrimSpace(r.PersonID))
	if err != nil {
		return id.PersonID{}, nil, err
	}
	if len(r.Identifiers) == 0 {
		return id.PersonID{}, nil, dErrors.New(dErrors.CodeValidation, "at least one identifier is required")
	}
	if len(r.Identifiers) > maxIdentifiersPerRequest {
		return id.PersonID{}, nil, dErrors.New(dErrors.CodeValidation, "too many identifiers")
	}
	parsed := make([]models.Identifier, 0, len(r.Identifiers))
	for _, raw := range r.Identifiers {
		ident, err := raw.Parse()
		if err != nil {
			return id.PersonID{}, nil, err
		}
		parsed = append(parsed, ident)
	}
	out := pstrings.DedupeBy(parsed, func(ident models.Identifier) string {
		return string(ident.Type) + ":" + ident.Value
	})
	return person, out, nil
}

type LinkResponse struct {
	PersonID string   `json:"person_id"`
	Created  int      `json:"created"`
	Absorbed []string `json:"absorbed,omitempty"`
}

type PersonResponse struct {
	PersonID string   `json:"person_id"`
	Members  []string `json:"members"`
}

type DuplicateResponse struct {
	PersonID    string   `json:"person_id"`
	Conflicting string   `json:"conflicting_person_id"`
	Score       float64  `json:"score"`
	SharedKeys  []string `json:"shared_keys"`
	Exclusions  []string `json:"exclusions"`
}

func toDuplicateResponse(c models.DuplicateCandidate) DuplicateResponse {
	resp := DuplicateResponse{
		PersonID:    c.PersonID.String(),
		Conflicting: c.Conflicting.String(),
		Score:       c.Score,
		SharedKeys:  c.SharedKeys,
		Exclusions:  make([]string, 0, len(c.Exclusions)),
	}
	for _, e := range c.Exclusions {
		resp.Exclusions = append(resp.Exclusions, e.String())
	}
	return resp
}

type FlagResponse struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	PersonIDs  []string  `json:"person_ids"`
	Score      float64   `json:"score"`
	SharedKeys []string  `json:"shared_keys"`
	Exclusions []string  `json:"exclusions"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

func toFlagResponse(f *models.ReviewFlag) FlagResponse {
	resp := FlagResponse{
		ID:         f.ID.String(),
		Kind:       string(f.Kind),
		PersonIDs:  id.PersonIDStrings(f.PersonIDs),
		Score:      f.Score,
		SharedKeys: f.SharedKeys,
		Exclusions: make([]string, 0, len(f.Exclusions)),
		Status:     string(f.Status),
		CreatedAt:  f.CreatedAt,
	}
	for _, e := range f.Exclusions {
		resp.Exclusions = append(resp.Exclusions, e.String())
	}
	return resp
}
