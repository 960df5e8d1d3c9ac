// Package events defines the typed events exchanged between the exclusion
// ledger, the propagation engine and external consumers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	id "nser/pkg/domain"
)

// Type names an exclusion state change. Values are wire-stable: they appear
// in webhook payloads and Kafka records.
type Type string

const (
	ExclusionRegistered Type = "exclusion.registered"
	ExclusionActivated  Type = "exclusion.activated"
	ExclusionRenewed    Type = "exclusion.renewed"
	ExclusionTerminated Type = "exclusion.terminated"
	ExclusionExpired    Type = "exclusion.expired"
)

// ExclusionStateChanged is emitted once per committed exclusion transition.
// StateVersion is the record version after the transition.
type ExclusionStateChanged struct {
	EventType    Type           `json:"event_type"`
	ExclusionID  id.ExclusionID `json:"exclusion_id"`
	PersonID     id.PersonID    `json:"person_id"`
	Status       string         `json:"status"`
	StateVersion int64          `json:"state_version"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// AttemptSummary is one delivery attempt carried in an incident.
type AttemptSummary struct {
	Attempt    int       `json:"attempt"`
	StartedAt  time.Time `json:"started_at"`
	HTTPStatus int       `json:"http_status"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// DeliveryIncident is raised when a propagation is declared dead.
type DeliveryIncident struct {
	MappingID      id.MappingID     `json:"mapping_id"`
	ExclusionID    id.ExclusionID   `json:"exclusion_id"`
	OperatorID     id.OperatorID    `json:"operator_id"`
	StateVersion   int64            `json:"state_version"`
	Attempts       int              `json:"attempts"`
	ManualRetries  int              `json:"manual_retries"`
	LastHTTPStatus int              `json:"last_http_status"`
	LastError      string           `json:"last_error"`
	FailedAt       time.Time        `json:"failed_at"`
	DeadAt         time.Time        `json:"dead_at"`
	History        []AttemptSummary `json:"history"`
}

// StateChangeHandler consumes state changes inside the transaction that
// produced them. A returned error aborts the transition.
type StateChangeHandler interface {
	HandleStateChange(ctx context.Context, ev ExclusionStateChanged) error
}

// Publisher forwards events to systems outside the engine.
type Publisher interface {
	PublishStateChange(ctx context.Context, ev ExclusionStateChanged) error
	PublishIncident(ctx context.Context, inc DeliveryIncident) error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishStateChange(ctx context.Context, ev ExclusionStateChanged) error {
	p.logger.InfoContext(ctx, "exclusion state changed",
		"event_type", ev.EventType,
		"exclusion_id", ev.ExclusionID,
		"state_version", ev.StateVersion,
	)
	return nil
}

func (p *LogPublisher) PublishIncident(ctx context.Context, inc DeliveryIncident) error {
	body, _ := json.Marshal(inc)
	p.logger.ErrorContext(ctx, "compliance incident: delivery dead",
		"operator_id", inc.OperatorID,
		"exclusion_id", inc.ExclusionID,
		"attempts", inc.Attempts,
		"incident", string(body),
	)
	return nil
}
