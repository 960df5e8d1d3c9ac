package engine

import (
	"context"

	"nser/internal/events"
	"nser/internal/propagation/models"
	id "nser/pkg/domain"
	audit "nser/pkg/platform/audit"
	"nser/pkg/platform/tx"
	"nser/pkg/requestcontext"
)

// SweepDead declares dead every mapping that has sat in failed for longer
// than the grace period. Each one raises a compliance incident carrying
// its attempt history. Returns how many were declared dead.
func (e *Engine) SweepDead(ctx context.Context) (int, error) {
	failed := make(map[id.MappingID]bool)
	dead := 0
	for {
		cutoff := e.clock().Add(-e.cfg.DeadGrace)
		batch, err := e.store.ListFailedBefore(ctx, cutoff, e.cfg.BatchSize)
		if err != nil {
			return dead, e.translate(err)
		}
		progress := 0
		for _, m := range batch {
			if failed[m.ID] {
				continue
			}
			if err := e.declareDead(ctx, m.ID); err != nil {
				failed[m.ID] = true
				e.logger.ErrorContext(ctx, "declare delivery dead", "mapping_id", m.ID, "error", err)
				continue
			}
			progress++
			dead++
		}
		if progress == 0 || len(batch) < e.cfg.BatchSize {
			return dead, nil
		}
	}
}

func (e *Engine) declareDead(ctx context.Context, mappingID id.MappingID) error {
	var inc *events.DeliveryIncident
	ctx = tx.WithShardKey(ctx, mappingID.String())
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		inc = nil
		now := e.clock()
		var m *models.Mapping
		err := e.update(ctx, mappingID, func(fresh *models.Mapping) bool {
			if fresh.Status != models.StatusFailed || fresh.FailedAt == nil || fresh.FailedAt.After(now.Add(-e.cfg.DeadGrace)) {
				return false
			}
			if err := fresh.MarkDead(now); err != nil {
				return false
			}
			m = fresh
			return true
		})
		if err != nil || m == nil {
			return err
		}
		history, err := e.store.ListAttempts(ctx, m.ID, historyLimit)
		if err != nil {
			return e.translate(err)
		}
		inc = incidentFor(m, history)
		if e.publisher != nil {
			if err := e.publisher.PublishIncident(ctx, *inc); err != nil {
				return err
			}
		}
		if e.audit != nil {
			return e.audit.Emit(ctx, audit.Event{
				Subject: m.ID.String(),
				Action:  string(audit.EventDeliveryDead),
				Reason:  "operator " + m.OperatorID.String() + " never acknowledged exclusion " + m.ExclusionID.String() + ": " + m.LastError,
				ActorID: "system",
			})
		}
		return nil
	})
	if err != nil || inc == nil {
		return err
	}
	if e.notifier != nil {
		e.notifier.NotifyIncident(ctx, *inc)
	}
	e.metrics.IncrementDead(inc.OperatorID.String())
	e.logger.ErrorContext(ctx, "propagation declared dead",
		"mapping_id", inc.MappingID,
		"exclusion_id", inc.ExclusionID,
		"operator_id", inc.OperatorID,
		"state_version", inc.StateVersion,
		"attempts", inc.Attempts,
		"last_http_status", inc.LastHTTPStatus,
		"last_error", inc.LastError,
	)
	return nil
}

func incidentFor(m *models.Mapping, history []models.Attempt) *events.DeliveryIncident {
	inc := &events.DeliveryIncident{
		MappingID:      m.ID,
		ExclusionID:    m.ExclusionID,
		OperatorID:     m.OperatorID,
		StateVersion:   m.StateVersion,
		Attempts:       m.AttemptCount,
		ManualRetries:  m.ManualRetries,
		LastHTTPStatus: m.LastHTTPStatus,
		LastError:      m.LastError,
		History:        make([]events.AttemptSummary, 0, len(history)),
	}
	if m.FailedAt != nil {
		inc.FailedAt = *m.FailedAt
	}
	if m.DeadAt != nil {
		inc.DeadAt = *m.DeadAt
	}
	for _, a := range history {
		inc.History = append(inc.History, a.Summary())
	}
	return inc
}

// RetryFailed re-queues every failed and dead mapping with a fresh attempt
// budget. The actor is taken from ctx. Returns how many were re-queued.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	actor := requestcontext.Actor(ctx)
	if actor == "" {
		actor = "system"
	}
	retried := 0
	for _, status := range []models.Status{models.StatusFailed, models.StatusDead} {
		skipped := make(map[id.MappingID]bool)
		for {
			batch, err := e.store.ListByStatus(ctx, status, e.cfg.BatchSize)
			if err != nil {
				return retried, e.translate(err)
			}
			progress := 0
			for _, m := range batch {
				if skipped[m.ID] {
					continue
				}
				ok, err := e.retry(ctx, m.ID, actor)
				if err != nil || !ok {
					skipped[m.ID] = true
					if err != nil {
						e.logger.ErrorContext(ctx, "retry failed propagation", "mapping_id", m.ID, "error", err)
					}
					continue
				}
				progress++
				retried++
			}
			if progress == 0 || len(batch) < e.cfg.BatchSize {
				break
			}
		}
	}
	e.metrics.AddRetried(retried)
	if retried > 0 {
		e.logger.InfoContext(ctx, "failed propagations re-queued", "count", retried, "actor", actor)
	}
	return retried, nil
}

func (e *Engine) retry(ctx context.Context, mappingID id.MappingID, actor string) (bool, error) {
	var done bool
	ctx = tx.WithShardKey(ctx, mappingID.String())
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		done = false
		var m *models.Mapping
		err := e.update(ctx, mappingID, func(fresh *models.Mapping) bool {
			if fresh.RetryManually(e.clock()) != nil {
				return false
			}
			m = fresh
			return true
		})
		if err != nil || m == nil {
			return err
		}
		done = true
		if e.audit == nil {
			return nil
		}
		return e.audit.Emit(ctx, audit.Event{
			Subject: m.ID.String(),
			Action:  string(audit.EventDeliveryRetried),
			Reason:  "manual retry of delivery to operator " + m.OperatorID.String(),
			ActorID: actor,
		})
	})
	return done, err
}

// Status reports every operator mapping of an exclusion with its attempt
// history.
func (e *Engine) Status(ctx context.Context, exclusionID id.ExclusionID) (models.Report, error) {
	if _, err := e.exclusions.Get(ctx, exclusionID); err != nil {
		return models.Report{}, err
	}
	mappings, err := e.store.ListByExclusion(ctx, exclusionID)
	if err != nil {
		return models.Report{}, e.translate(err)
	}
	attempts, err := e.store.ListAttemptsByExclusion(ctx, exclusionID)
	if err != nil {
		return models.Report{}, e.translate(err)
	}
	return models.Report{ExclusionID: exclusionID, Mappings: mappings, Attempts: attempts}, nil
}
