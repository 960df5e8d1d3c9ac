package domain

import (
	"regexp"

	"github.com/google/uuid"

	dErrors "nser/pkg/domain-errors"
)

// Typed identifiers. Each is a distinct type so a PersonID can never be passed
// where an ExclusionID is expected.
type (
	PersonID    uuid.UUID
	TokenID     uuid.UUID
	ExclusionID uuid.UUID
	MappingID   uuid.UUID
	FlagID      uuid.UUID
)

// OperatorID is the registry slug of a gambling operator (e.g. "op-northbet").
// Operators are configured, not generated, so the id is human-readable.
type OperatorID string

var operatorIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,62}$`)

func parseUUID(s, kind string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > 36 {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	return u, nil
}

// ParsePersonID parses external input into a PersonID.
func ParsePersonID(s string) (PersonID, error) {
	u, err := parseUUID(s, "person id")
	return PersonID(u), err
}

// ParseTokenID parses external input into a TokenID.
func ParseTokenID(s string) (TokenID, error) {
	u, err := parseUUID(s, "token id")
	return TokenID(u), err
}

// ParseExclusionID parses external input into an ExclusionID.
func ParseExclusionID(s string) (ExclusionID, error) {
	u, err := parseUUID(s, "exclusion id")
	return ExclusionID(u), err
}

// ParseOperatorID validates an operator slug.
func ParseOperatorID(s string) (OperatorID, error) {
	if !operatorIDPattern.MatchString(s) {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid operator id")
	}
	return OperatorID(s), nil
}

func NewPersonID() PersonID       { return PersonID(uuid.New()) }
func NewTokenID() TokenID         { return TokenID(uuid.New()) }
func NewExclusionID() ExclusionID { return ExclusionID(uuid.New()) }
func NewMappingID() MappingID     { return MappingID(uuid.New()) }
func NewFlagID() FlagID           { return FlagID(uuid.New()) }

func (id PersonID) String() string    { return uuid.UUID(id).String() }
func (id TokenID) String() string     { return uuid.UUID(id).String() }
func (id ExclusionID) String() string { return uuid.UUID(id).String() }
func (id MappingID) String() string   { return uuid.UUID(id).String() }
func (id FlagID) String() string      { return uuid.UUID(id).String() }
func (id OperatorID) String() string  { return string(id) }

func (id PersonID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id TokenID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ExclusionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id MappingID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id FlagID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }

// ParseMappingID parses external input into a MappingID.
func ParseMappingID(s string) (MappingID, error) {
	u, err := parseUUID(s, "mapping id")
	return MappingID(u), err
}

// ParseFlagID parses external input into a FlagID.
func ParseFlagID(s string) (FlagID, error) {
	u, err := parseUUID(s, "flag id")
	return FlagID(u), err
}

// Text encoding lets ids appear as plain strings in JSON and YAML.

func (id PersonID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id TokenID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id ExclusionID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }
func (id MappingID) MarshalText() ([]byte, error)   { return uuid.UUID(id).MarshalText() }
func (id FlagID) MarshalText() ([]byte, error)      { return uuid.UUID(id).MarshalText() }

func (id *PersonID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *TokenID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ExclusionID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *MappingID) UnmarshalText(b []byte) error   { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *FlagID) UnmarshalText(b []byte) error      { return (*uuid.UUID)(id).UnmarshalText(b) }

// PersonIDStrings renders ids for array query parameters.
func PersonIDStrings(ids []PersonID) []string {
	out := make([]string, len(ids))
	for i, p := range ids {
		out[i] = p.String()
	}
	return out
}
