package models

import (
	"slices"
	"strings"
	"time"

	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

// IdentifierType names the kind of identifier a link carries.
type IdentifierType string

const (
	IdentifierPhone      IdentifierType = "phone"
	IdentifierNationalID IdentifierType = "national_id"
	IdentifierEmail      IdentifierType = "email"
	IdentifierDevice     IdentifierType = "device"
)

func (t IdentifierType) IsValid() bool {
	switch t {
	case IdentifierPhone, IdentifierNationalID, IdentifierEmail, IdentifierDevice:
		return true
	}
	return false
}

// ParseIdentifierType validates a wire value.
func ParseIdentifierType(s string) (IdentifierType, error) {
	t := IdentifierType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown identifier type "+s)
	}
	return t, nil
}

// Weight is the identifier's contribution to duplicate similarity. A shared
// national id says far more than a shared device.
func (t IdentifierType) Weight() float64 {
	switch t {
	case IdentifierNationalID:
		return 1.0
	case IdentifierPhone:
		return 0.8
	case IdentifierEmail:
		return 0.6
	case IdentifierDevice:
		return 0.3
	}
	return 0
}

// Link maps one hashed identifier to a person. PersonID is always a root
// of the union-find forest.
type Link struct {
	Type       IdentifierType
	Hash       string
	FuzzyHash  string
	PersonID   id.PersonID
	Confidence float64
	LinkedAt   time.Time
}

// Node is a union-find forest entry. A root has ParentID == PersonID; Size
// is only meaningful on roots.
type Node struct {
	PersonID  id.PersonID
	ParentID  id.PersonID
	Size      int
	UpdatedAt time.Time
}

func NewRootNode(person id.PersonID, now time.Time) *Node {
	return &Node{PersonID: person, ParentID: person, Size: 1, UpdatedAt: now}
}

func (n *Node) IsRoot() bool { return n.PersonID == n.ParentID }

// Identifier is a raw value presented at registration.
type Identifier struct {
	Type  IdentifierType
	Value string
}

// LinkResult reports where an identifier landed.
type LinkResult struct {
	PersonID id.PersonID   // canonical person after the call
	Created  bool          // a new link row was written
	Merged   bool          // two persons were merged
	Absorbed []id.PersonID // roots folded into PersonID
}

type FlagKind string

const (
	FlagDuplicate    FlagKind = "duplicate"
	FlagMergeRefused FlagKind = "merge_refused"
)

type FlagStatus string

const (
	FlagOpen     FlagStatus = "open"
	FlagResolved FlagStatus = "resolved"
)

// ReviewFlag is a finding that needs a human decision.
type ReviewFlag struct {
	ID         id.FlagID
	PairKey    string
	Kind       FlagKind
	PersonIDs  []id.PersonID
	Score      float64
	SharedKeys []string
	Exclusions []id.ExclusionID
	Status     FlagStatus
	CreatedAt  time.Time
}

// PairKey orders two person ids so (a,b) and (b,a) share a flag.
func PairKey(a, b id.PersonID) string {
	pair := []string{a.String(), b.String()}
	slices.Sort(pair)
	return pair[0] + ":" + pair[1]
}

// DuplicateCandidate is a likely duplicate registration found by the batch
// scan.
type DuplicateCandidate struct {
	PersonID    id.PersonID
	Conflicting id.PersonID
	Score       float64
	SharedKeys  []string
	Exclusions  []id.ExclusionID
}
