// Package store persists operator mappings and their delivery attempts.
package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"nser/internal/propagation/models"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
)

type pair struct {
	exclusion id.ExclusionID
	operator  id.OperatorID
}

// InMemoryStore keeps mappings in process memory with the same
// (exclusion, operator) uniqueness as the table constraint.
type InMemoryStore struct {
	mu       sync.Mutex
	byID     map[id.MappingID]*models.Mapping
	byPair   map[pair]id.MappingID
	attempts []models.Attempt
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[id.MappingID]*models.Mapping),
		byPair: make(map[pair]id.MappingID),
	}
}

func clone(m *models.Mapping) *models.Mapping {
	cp := *m
	return &cp
}

func (s *InMemoryStore) Create(_ context.Context, m *models.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair{m.ExclusionID, m.OperatorID}
	if _, ok := s.byPair[k]; ok {
		return sentinel.ErrAlreadyUsed
	}
	if _, ok := s.byID[m.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.byID[m.ID] = clone(m)
	s.byPair[k] = m.ID
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, mappingID id.MappingID) (*models.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[mappingID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(m), nil
}

func (s *InMemoryStore) FindByPair(_ context.Context, exclusionID id.ExclusionID, operatorID id.OperatorID) (*models.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mid, ok := s.byPair[pair{exclusionID, operatorID}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(s.byID[mid]), nil
}

// Update is a compare-and-swap on RowVersion.
func (s *InMemoryStore) Update(_ context.Context, m *models.Mapping, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[m.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.RowVersion != expected {
		return sentinel.ErrConflict
	}
	s.byID[m.ID] = clone(m)
	return nil
}

func (s *InMemoryStore) ListByExclusion(_ context.Context, exclusionID id.ExclusionID) ([]*models.Mapping, error) {
	return s.filter(0, func(m *models.Mapping) bool { return m.ExclusionID == exclusionID }), nil
}

// ClaimDue claims up to limit claimable mappings, including those whose
// lease has lapsed, and returns them already marked propagating.
func (s *InMemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*models.Mapping
	for _, m := range s.byID {
		if m.Claimable(now) {
			due = append(due, m)
		}
	}
	slices.SortFunc(due, func(a, b *models.Mapping) int { return a.NextRetryAt.Compare(b.NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*models.Mapping, 0, len(due))
	for _, m := range due {
		m.Claim(now, lease)
		out = append(out, clone(m))
	}
	return out, nil
}

// ListFailedBefore returns failed mappings whose FailedAt is at or before
// cutoff.
func (s *InMemoryStore) ListFailedBefore(_ context.Context, cutoff time.Time, limit int) ([]*models.Mapping, error) {
	return s.filter(limit, func(m *models.Mapping) bool {
		return m.Status == models.StatusFailed && m.FailedAt != nil && !m.FailedAt.After(cutoff)
	}), nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status models.Status, limit int) ([]*models.Mapping, error) {
	return s.filter(limit, func(m *models.Mapping) bool { return m.Status == status }), nil
}

// ListUpdatedSince returns mappings touched at or after since.
func (s *InMemoryStore) ListUpdatedSince(_ context.Context, since time.Time) ([]*models.Mapping, error) {
	return s.filter(0, func(m *models.Mapping) bool { return !m.UpdatedAt.Before(since) }), nil
}

func (s *InMemoryStore) filter(limit int, keep func(*models.Mapping) bool) []*models.Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Mapping
	for _, m := range s.byID {
		if keep(m) {
			out = append(out, clone(m))
		}
	}
	slices.SortFunc(out, func(a, b *models.Mapping) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareOperator(a.OperatorID, b.OperatorID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func compareOperator(a, b id.OperatorID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (s *InMemoryStore) AppendAttempt(_ context.Context, a models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.MappingID]; !ok {
		return sentinel.ErrNotFound
	}
	s.attempts = append(s.attempts, a)
	return nil
}

// ListAttempts returns the newest limit attempts of a mapping, oldest first.
func (s *InMemoryStore) ListAttempts(_ context.Context, mappingID id.MappingID, limit int) ([]models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Attempt
	for _, a := range s.attempts {
		if a.MappingID == mappingID {
			out = append(out, a)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) ListAttemptsByExclusion(_ context.Context, exclusionID id.ExclusionID) ([]models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Attempt
	for _, a := range s.attempts {
		if a.ExclusionID == exclusionID {
			out = append(out, a)
		}
	}
	return out, nil
}
