// Package operator holds the registry of gambling operators that receive
// exclusion propagations.
package operator

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"nser/internal/platform/config"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
)

const minSecretLen = 16

// Operator is one webhook recipient. Secret signs every delivery.
type Operator struct {
	ID          id.OperatorID
	Name        string
	WebhookURL  string
	Secret      string
	Timeout     time.Duration
	MaxAttempts int
	Active      bool
}

// Defaults fill unset per-operator delivery settings.
type Defaults struct {
	Timeout     time.Duration
	MaxAttempts int
}

// normalize validates o and applies d. Timeouts are clamped to 1s..10s.
func (o *Operator) normalize(d Defaults) error {
	if _, err := id.ParseOperatorID(string(o.ID)); err != nil {
		return fmt.Errorf("operator %q: %w", o.ID, err)
	}
	u, err := url.Parse(o.WebhookURL)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("operator %s: webhook_url must be an absolute http(s) URL", o.ID))
	}
	if len(o.Secret) < minSecretLen {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("operator %s: secret must be at least %d bytes", o.ID, minSecretLen))
	}
	o.Timeout = config.ClampWebhookTimeout(o.Timeout, d.Timeout)
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Name == "" {
		o.Name = string(o.ID)
	}
	return nil
}

// Registry is a fixed set of operators, loaded at startup.
type Registry struct {
	byID  map[id.OperatorID]Operator
	order []id.OperatorID
}

// NewRegistry validates ops and indexes them. Operator ids must be unique.
func NewRegistry(d Defaults, ops ...Operator) (*Registry, error) {
	r := &Registry{byID: make(map[id.OperatorID]Operator, len(ops))}
	for _, o := range ops {
		o.ID = id.OperatorID(strings.TrimSpace(string(o.ID)))
		if err := o.normalize(d); err != nil {
			return nil, err
		}
		if _, dup := r.byID[o.ID]; dup {
			return nil, dErrors.New(dErrors.CodeValidation, "duplicate operator "+string(o.ID))
		}
		r.byID[o.ID] = o
		r.order = append(r.order, o.ID)
	}
	slices.Sort(r.order)
	return r, nil
}

// Active lists the operators that currently receive propagations, ordered
// by id.
func (r *Registry) Active(_ context.Context) ([]Operator, error) {
	out := make([]Operator, 0, len(r.order))
	for _, oid := range r.order {
		if o := r.byID[oid]; o.Active {
			out = append(out, o)
		}
	}
	return out, nil
}

// All lists every operator, inactive ones included.
func (r *Registry) All(_ context.Context) ([]Operator, error) {
	out := make([]Operator, 0, len(r.order))
	for _, oid := range r.order {
		out = append(out, r.byID[oid])
	}
	return out, nil
}

func (r *Registry) Get(_ context.Context, operatorID id.OperatorID) (Operator, error) {
	o, ok := r.byID[operatorID]
	if !ok {
		return Operator{}, dErrors.New(dErrors.CodeNotFound, "operator not found")
	}
	return o, nil
}
