package audit

import (
	"context"
	"time"

	id "nser/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
type EventCategory string

const (
	// CategoryCompliance covers events a regulator may ask about: exclusion
	// lifecycle, identity merges, dead deliveries. Written fail-closed.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers token compromise and refused merges.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity that may be dropped under load.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	PersonID  id.PersonID
	Subject   string // entity acted on: exclusion id, token id, mapping id
	Action    string
	Reason    string
	ActorID   string
	RequestID string
	ClientIP  string
}

type AuditEvent string

const (
	// Token events
	EventTokenIssued      AuditEvent = "token_issued"
	EventTokenRotated     AuditEvent = "token_rotated"
	EventTokenCompromised AuditEvent = "token_compromised"
	EventTokenDeactivated AuditEvent = "token_deactivated"

	// Exclusion events
	EventExclusionRegistered AuditEvent = "exclusion_registered"
	EventExclusionActivated  AuditEvent = "exclusion_activated"
	EventExclusionRenewed    AuditEvent = "exclusion_renewed"
	EventExclusionTerminated AuditEvent = "exclusion_terminated"
	EventExclusionExpired    AuditEvent = "exclusion_expired"
	EventLookupFailClosed    AuditEvent = "lookup_fail_closed"

	// Identity events
	EventIdentityLinked   AuditEvent = "identity_linked"
	EventIdentityMerged   AuditEvent = "identity_merged"
	EventMergeRefused     AuditEvent = "identity_merge_refused"
	EventDuplicateFlagged AuditEvent = "duplicate_flagged"

	// Propagation events
	EventDeliveryDead    AuditEvent = "delivery_dead"
	EventDeliveryRetried AuditEvent = "delivery_retried"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventExclusionRegistered: CategoryCompliance,
	EventExclusionActivated:  CategoryCompliance,
	EventExclusionRenewed:    CategoryCompliance,
	EventExclusionTerminated: CategoryCompliance,
	EventExclusionExpired:    CategoryCompliance,
	EventIdentityMerged:      CategoryCompliance,
	EventDuplicateFlagged:    CategoryCompliance,
	EventDeliveryDead:        CategoryCompliance,
	EventDeliveryRetried:     CategoryCompliance,

	EventTokenCompromised: CategorySecurity,
	EventMergeRefused:     CategorySecurity,
	EventLookupFailClosed: CategorySecurity,

	EventTokenIssued:      CategoryOperations,
	EventTokenRotated:     CategoryOperations,
	EventTokenDeactivated: CategoryOperations,
	EventIdentityLinked:   CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events. Append joins the transaction in ctx when the
// backing store supports it.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByPerson(ctx context.Context, personID id.PersonID) ([]Event, error)
	ListRecent(ctx context.Context, limit int) ([]Event, error)
}
