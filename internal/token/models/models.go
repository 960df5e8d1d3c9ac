package models

import (
	"time"

	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

// Status is the lifecycle state of a BST token.
type Status string

const (
	StatusActive      Status = "active"
	StatusRotated     Status = "rotated"
	StatusCompromised Status = "compromised"
	StatusDeactivated Status = "deactivated"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusRotated, StatusCompromised, StatusDeactivated:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompromised || s == StatusDeactivated
}

// allowedTransitions is the token state machine. A rotated token can still
// be reported compromised; nothing ever returns to active.
var allowedTransitions = map[Status][]Status{
	StatusActive:  {StatusRotated, StatusCompromised, StatusDeactivated},
	StatusRotated: {StatusCompromised},
}

// Token is a cross-operator identity token.
type Token struct {
	ID              id.TokenID
	Value           string
	OwnerID         id.PersonID
	Version         uint32 // per-owner generation, embedded in Value
	Status          Status
	IssuedAt        time.Time
	ExpiresAt       *time.Time
	RotationOf      *id.TokenID
	RowVersion      int64
	StatusChangedAt time.Time
}

// NewToken creates an active token.
func NewToken(tokenID id.TokenID, value string, owner id.PersonID, version uint32, now time.Time, ttl time.Duration) (*Token, error) {
	if tokenID.IsNil() || owner.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "token id and owner are required")
	}
	if value == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "token value is required")
	}
	t := &Token{
		ID:              tokenID,
		Value:           value,
		OwnerID:         owner,
		Version:         version,
		Status:          StatusActive,
		IssuedAt:        now,
		RowVersion:      1,
		StatusChangedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		t.ExpiresAt = &exp
	}
	return t, nil
}

// CanTransition reports whether the token may move to status to.
func (t *Token) CanTransition(to Status) bool {
	for _, allowed := range allowedTransitions[t.Status] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves the token to status to, or fails with InvalidTransition
// leaving the token unchanged.
func (t *Token) Transition(to Status, now time.Time) error {
	if !t.CanTransition(to) {
		return dErrors.New(dErrors.CodeInvalidTransition,
			"cannot move token from "+string(t.Status)+" to "+string(to))
	}
	t.Status = to
	t.StatusChangedAt = now
	return nil
}

// IsExpired reports whether the token's validity window has passed.
func (t *Token) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Validation reasons reported to callers.
const (
	ReasonOK            = ""
	ReasonNotFound      = "not_found"
	ReasonExpired       = "expired"
	ReasonOwnerMismatch = "owner_mismatch"
)

// ValidationResult is the answer to a validate call. Status is empty when
// the token is unknown.
type ValidationResult struct {
	Valid   bool
	OwnerID id.PersonID
	TokenID id.TokenID
	Status  Status
	Reason  string
}
