package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"nser/internal/events"
	identity "nser/internal/identity/models"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

// Period is the self-selected exclusion length.
type Period string

const (
	Period6Months   Period = "6m"
	Period1Year     Period = "1y"
	Period3Years    Period = "3y"
	Period5Years    Period = "5y"
	PeriodPermanent Period = "permanent"
)

// periodDays are calendar-independent lengths: a one-year exclusion always
// ends 365 days after it starts.
var periodDays = map[Period]int{
	Period6Months: 182,
	Period1Year:   365,
	Period3Years:  1095,
	Period5Years:  1825,
}

func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := periodDays[p]; ok || p == PeriodPermanent {
		return p, nil
	}
	return "", dErrors.New(dErrors.CodeValidation, "unknown exclusion period "+s)
}

func (p Period) IsPermanent() bool { return p == PeriodPermanent }

// Duration is the period length; zero for permanent.
func (p Period) Duration() time.Duration {
	return time.Duration(periodDays[p]) * 24 * time.Hour
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
	StatusExpired    Status = "expired"
)

// IsLive reports whether a record in status s blocks a new registration.
func (s Status) IsLive() bool {
	return s == StatusPending || s == StatusActive
}

const (
	MinTerminationReasonLen = 20
	maxReasonLen            = 1000
)

// Record is a self-exclusion. Version doubles as the optimistic lock and
// the state version carried by propagation.
type Record struct {
	ID                id.ExclusionID
	PersonID          id.PersonID
	Period            Period
	StartDate         time.Time
	EndDate           *time.Time
	Status            Status
	AutoRenew         bool
	RenewalCount      int
	Reason            string
	TerminationReason string
	TerminatedBy      string
	TerminatedAt      *time.Time
	ExpiredAt         *time.Time
	Version           int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewRecord creates a registration. A start in the future leaves the record
// pending; otherwise it is active from now.
func NewRecord(exclusionID id.ExclusionID, person id.PersonID, period Period, reason string, autoRenew bool, start, now time.Time) (*Record, error) {
	if exclusionID.IsNil() || person.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "exclusion id and person are required")
	}
	if _, err := ParsePeriod(string(period)); err != nil {
		return nil, err
	}
	if period.IsPermanent() && autoRenew {
		return nil, dErrors.New(dErrors.CodeValidation, "permanent exclusions cannot auto-renew")
	}
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return nil, dErrors.New(dErrors.CodeValidation, "reason is too long")
	}

	status := StatusPending
	if !start.After(now) {
		start = now
		status = StatusActive
	}
	r := &Record{
		ID:        exclusionID,
		PersonID:  person,
		Period:    period,
		StartDate: start,
		Status:    status,
		AutoRenew: autoRenew,
		Reason:    reason,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !period.IsPermanent() {
		end := start.Add(period.Duration())
		r.EndDate = &end
	}
	return r, nil
}

// Activate moves a due pending record to active.
func (r *Record) Activate(now time.Time) (events.Type, error) {
	if r.Status != StatusPending {
		return "", r.invalid(StatusActive)
	}
	if now.Before(r.StartDate) {
		return "", dErrors.New(dErrors.CodeInvalidTransition, "exclusion has not started yet")
	}
	r.Status = StatusActive
	r.bump(now)
	return events.ExclusionActivated, nil
}

// Renew extends an active record by one period from its current end date.
func (r *Record) Renew(now time.Time) (events.Type, error) {
	if r.Status != StatusActive {
		return "", dErrors.New(dErrors.CodeInvalidTransition, "only active exclusions can be renewed")
	}
	if r.Period.IsPermanent() {
		return "", dErrors.New(dErrors.CodeInvalidTransition, "permanent exclusions cannot be renewed")
	}
	r.extend()
	r.bump(now)
	return events.ExclusionRenewed, nil
}

// AutoRenewAt extends an overdue auto-renewing record until its end date is
// after now. It is one transition however many periods it adds.
func (r *Record) AutoRenewAt(now time.Time) (events.Type, error) {
	if r.Status != StatusActive || !r.AutoRenew || r.EndDate == nil {
		return "", dErrors.New(dErrors.CodeInvalidTransition, "exclusion does not auto-renew")
	}
	for !r.EndDate.After(now) {
		r.extend()
	}
	r.bump(now)
	return events.ExclusionRenewed, nil
}

func (r *Record) extend() {
	end := r.EndDate.Add(r.Period.Duration())
	r.EndDate = &end
	r.RenewalCount++
}

// Terminate ends an active record early. reason must carry a real
// justification and actor names who authorized it.
func (r *Record) Terminate(reason, actor string, now time.Time) (events.Type, error) {
	reason = strings.TrimSpace(reason)
	actor = strings.TrimSpace(actor)
	if utf8.RuneCountInString(reason) < MinTerminationReasonLen {
		return "", dErrors.New(dErrors.CodeValidation, "termination reason must be at least 20 characters")
	}
	if utf8.RuneCountInString(reason) > maxReasonLen {
		return "", dErrors.New(dErrors.CodeValidation, "termination reason is too long")
	}
	if actor == "" {
		return "", dErrors.New(dErrors.CodeValidation, "terminating actor is required")
	}
	if r.Status != StatusActive {
		return "", r.invalid(StatusTerminated)
	}
	r.Status = StatusTerminated
	r.TerminationReason = reason
	r.TerminatedBy = actor
	r.TerminatedAt = &now
	r.bump(now)
	return events.ExclusionTerminated, nil
}

// Expire closes an active record whose end date has passed.
func (r *Record) Expire(now time.Time) (events.Type, error) {
	if r.Status != StatusActive {
		return "", r.invalid(StatusExpired)
	}
	if r.EndDate == nil || now.Before(*r.EndDate) {
		return "", dErrors.New(dErrors.CodeInvalidTransition, "exclusion has not reached its end date")
	}
	r.Status = StatusExpired
	r.ExpiredAt = &now
	r.bump(now)
	return events.ExclusionExpired, nil
}

// Due reports whether the sweep has work to do on r at now.
func (r *Record) Due(now time.Time) bool {
	switch r.Status {
	case StatusPending:
		return !now.Before(r.StartDate)
	case StatusActive:
		return r.EndDate != nil && !now.Before(*r.EndDate)
	}
	return false
}

// ExcludesAt reports whether r bars gambling at now, independent of
// whether the sweep has caught up. A pending record whose start has passed
// already excludes; an elapsed record only keeps excluding if it
// auto-renews.
func (r *Record) ExcludesAt(now time.Time) bool {
	switch r.Status {
	case StatusPending:
		return !now.Before(r.StartDate)
	case StatusActive:
		return r.EndDate == nil || now.Before(*r.EndDate) || r.AutoRenew
	}
	return false
}

func (r *Record) bump(now time.Time) {
	r.Version++
	r.UpdatedAt = now
}

func (r *Record) invalid(to Status) error {
	return dErrors.New(dErrors.CodeInvalidTransition,
		"cannot move exclusion from "+string(r.Status)+" to "+string(to))
}

// StateChange builds the event for the transition r just made.
func (r *Record) StateChange(t events.Type) events.ExclusionStateChanged {
	return events.ExclusionStateChanged{
		EventType:    t,
		ExclusionID:  r.ID,
		PersonID:     r.PersonID,
		Status:       string(r.Status),
		StateVersion: r.Version,
		OccurredAt:   r.UpdatedAt,
	}
}

// LatestEvent names the transition that produced r's current version.
func (r *Record) LatestEvent() events.Type {
	switch {
	case r.Status == StatusTerminated:
		return events.ExclusionTerminated
	case r.Status == StatusExpired:
		return events.ExclusionExpired
	case r.Status == StatusActive && r.RenewalCount > 0:
		return events.ExclusionRenewed
	case r.Status == StatusActive && r.Version > 1:
		return events.ExclusionActivated
	}
	return events.ExclusionRegistered
}

// Lookup sources.
const (
	SourceCache      = "cache"
	SourceStore      = "store"
	SourceFailClosed = "fail_closed"
)

// LookupResult answers whether a person is excluded. FailClosed marks an
// answer given without reaching the store.
type LookupResult struct {
	Excluded   bool
	PersonID   id.PersonID
	Record     *Record
	FailClosed bool
	Source     string
}

// RegisterInput is a registration request after parsing.
type RegisterInput struct {
	PersonID    id.PersonID
	Period      Period
	Reason      string
	AutoRenew   bool
	StartAt     *time.Time
	Identifiers []identity.Identifier
}

// SweepResult counts the transitions one sweep made.
type SweepResult struct {
	Activated int
	Expired   int
	Renewed   int
	Failed    int
}
