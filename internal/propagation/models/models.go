// Package models holds the per-operator delivery state of exclusion
// changes.
package models

import (
	"time"

	"github.com/google/uuid"

	"nser/internal/events"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusPropagating Status = "propagating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusDead        Status = "dead"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusPropagating, StatusCompleted, StatusFailed, StatusDead:
		return st, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "unknown propagation status "+s)
}

// Mapping tracks delivery of one exclusion's latest state to one operator.
// StateVersion only moves forward, and so do AcknowledgedVersion and
// AcknowledgedAt.
type Mapping struct {
	ID                  id.MappingID
	ExclusionID         id.ExclusionID
	OperatorID          id.OperatorID
	StateVersion        int64
	EventType           events.Type
	Status              Status
	AttemptCount        int
	MaxAttempts         int
	NextRetryAt         time.Time
	LastHTTPStatus      int
	LastError           string
	PropagatingAt       *time.Time
	AcknowledgedAt      *time.Time
	AcknowledgedVersion int64
	FailedAt            *time.Time
	DeadAt              *time.Time
	ManualRetries       int
	RowVersion          int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// NewMapping starts delivery of ev to operatorID, due immediately.
func NewMapping(ev events.ExclusionStateChanged, operatorID id.OperatorID, maxAttempts int, now time.Time) *Mapping {
	return &Mapping{
		ID:           id.NewMappingID(),
		ExclusionID:  ev.ExclusionID,
		OperatorID:   operatorID,
		StateVersion: ev.StateVersion,
		EventType:    ev.EventType,
		Status:       StatusPending,
		MaxAttempts:  maxAttempts,
		NextRetryAt:  now,
		RowVersion:   1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Retarget points m at a newer state version. A row in flight stays
// propagating and the worker picks the new version up when it finishes.
// Returns false when ev is not newer than what m already carries.
func (m *Mapping) Retarget(ev events.ExclusionStateChanged, now time.Time) bool {
	if ev.StateVersion <= m.StateVersion {
		return false
	}
	m.StateVersion = ev.StateVersion
	m.EventType = ev.EventType
	if m.Status != StatusPropagating {
		m.restart(now)
	}
	m.bump(now)
	return true
}

// restart makes m due now with a fresh attempt budget for its version.
func (m *Mapping) restart(now time.Time) {
	m.Status = StatusPending
	m.AttemptCount = 0
	m.NextRetryAt = now
	m.PropagatingAt = nil
	m.FailedAt = nil
	m.DeadAt = nil
}

// Claim marks m in flight until now+lease. A claim whose lease lapses is
// reclaimable. PropagatingAt keeps the first claim of this version so
// latency covers every retry.
func (m *Mapping) Claim(now time.Time, lease time.Duration) {
	m.Status = StatusPropagating
	if m.PropagatingAt == nil {
		m.PropagatingAt = &now
	}
	m.NextRetryAt = now.Add(lease)
	m.bump(now)
}

// Claimable reports whether a dispatcher may take m at now.
func (m *Mapping) Claimable(now time.Time) bool {
	return (m.Status == StatusPending || m.Status == StatusPropagating) && !m.NextRetryAt.After(now)
}

// HoldsClaim reports whether claim, the row ClaimDue handed out, is still
// the live claim on m. A reclaim after the lease lapsed moves the lease
// deadline, and any settlement moves m out of propagating.
func (m *Mapping) HoldsClaim(claim *Mapping) bool {
	return m.Status == StatusPropagating && m.NextRetryAt.Equal(claim.NextRetryAt)
}

// Acknowledge records that the operator confirmed version. An
// acknowledgement of a superseded version advances the acknowledged
// watermark but sends m back to pending for the newer version.
func (m *Mapping) Acknowledge(version int64, httpStatus int, now time.Time) {
	if m.Status == StatusCompleted && version <= m.AcknowledgedVersion {
		return
	}
	m.LastHTTPStatus = httpStatus
	m.LastError = ""
	if version > m.AcknowledgedVersion {
		m.AcknowledgedVersion = version
		if m.AcknowledgedAt == nil || now.After(*m.AcknowledgedAt) {
			m.AcknowledgedAt = &now
		}
	}
	if m.AcknowledgedVersion >= m.StateVersion {
		m.AttemptCount++
		m.Status = StatusCompleted
	} else {
		m.restart(now)
	}
	m.bump(now)
}

// RecordFailure counts a failed attempt at version. retryIn is the backoff
// to apply when attempts remain.
// A failure at a version the operator already confirmed changes nothing.
func (m *Mapping) RecordFailure(version int64, httpStatus int, errMsg string, retryIn time.Duration, now time.Time) {
	if version <= m.AcknowledgedVersion {
		if m.Status == StatusPropagating && m.AcknowledgedVersion >= m.StateVersion {
			m.Status = StatusCompleted
			m.bump(now)
		}
		return
	}
	m.LastHTTPStatus = httpStatus
	m.LastError = errMsg
	switch {
	case version < m.StateVersion:
		m.restart(now)
	case m.AttemptCount+1 < m.MaxAttempts:
		m.AttemptCount++
		m.Status = StatusPending
		m.NextRetryAt = now.Add(retryIn)
	default:
		m.AttemptCount++
		m.Status = StatusFailed
		m.FailedAt = &now
	}
	m.bump(now)
}

// AcknowledgeLate applies an acknowledgement that arrived on a claim m no
// longer honours. Only the watermark moves, and m completes if it is not in
// flight elsewhere. Returns false when nothing changed.
func (m *Mapping) AcknowledgeLate(version int64, now time.Time) bool {
	if version <= m.AcknowledgedVersion {
		return false
	}
	m.AcknowledgedVersion = version
	if m.AcknowledgedAt == nil || now.After(*m.AcknowledgedAt) {
		m.AcknowledgedAt = &now
	}
	if m.Status != StatusPropagating && m.AcknowledgedVersion >= m.StateVersion {
		m.Status = StatusCompleted
		m.FailedAt = nil
		m.DeadAt = nil
	}
	m.bump(now)
	return true
}

// Release returns a claim without counting an attempt, used when the
// attempt was abandoned before reaching the operator.
func (m *Mapping) Release(now time.Time) {
	if m.Status == StatusPropagating {
		m.Status = StatusPending
		m.NextRetryAt = now
		m.bump(now)
	}
}

// Supersede abandons a claim made for version once m carries a newer one.
// The newer version starts with a fresh attempt budget.
func (m *Mapping) Supersede(version int64, now time.Time) {
	if version < m.StateVersion {
		m.restart(now)
		m.bump(now)
	}
}

// MarkDead declares a failed delivery dead.
func (m *Mapping) MarkDead(now time.Time) error {
	if m.Status != StatusFailed {
		return dErrors.New(dErrors.CodeInvalidTransition, "only failed propagations can be declared dead")
	}
	m.Status = StatusDead
	m.DeadAt = &now
	m.bump(now)
	return nil
}

// RetryManually re-queues a failed or dead delivery with a fresh attempt
// budget.
func (m *Mapping) RetryManually(now time.Time) error {
	if m.Status != StatusFailed && m.Status != StatusDead {
		return dErrors.New(dErrors.CodeInvalidTransition, "only failed or dead propagations can be retried")
	}
	m.restart(now)
	m.ManualRetries++
	m.bump(now)
	return nil
}

// Latency is the time from first claim to acknowledgement of the current
// version. ok is false until the current version is acknowledged.
func (m *Mapping) Latency() (time.Duration, bool) {
	if m.Status != StatusCompleted || m.PropagatingAt == nil || m.AcknowledgedAt == nil {
		return 0, false
	}
	return m.AcknowledgedAt.Sub(*m.PropagatingAt), true
}

func (m *Mapping) bump(now time.Time) {
	m.RowVersion++
	m.UpdatedAt = now
}

type Outcome string

const (
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeRejected     Outcome = "rejected"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeSuperseded   Outcome = "superseded"
)

// Attempt is one delivery attempt. Attempts are append-only.
type Attempt struct {
	ID             uuid.UUID
	MappingID      id.MappingID
	ExclusionID    id.ExclusionID
	OperatorID     id.OperatorID
	StateVersion   int64
	Attempt        int
	IdempotencyKey uuid.UUID
	StartedAt      time.Time
	FinishedAt     time.Time
	HTTPStatus     int
	Error          string
	Outcome        Outcome
}

// Summary converts a to its incident form.
func (a Attempt) Summary() events.AttemptSummary {
	return events.AttemptSummary{
		Attempt:    a.Attempt,
		StartedAt:  a.StartedAt,
		HTTPStatus: a.HTTPStatus,
		Outcome:    string(a.Outcome),
		Error:      a.Error,
	}
}

// Report is the propagation status of one exclusion.
type Report struct {
	ExclusionID id.ExclusionID
	Mappings    []*Mapping
	Attempts    []Attempt
}
