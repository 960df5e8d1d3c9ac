package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"nser/internal/exclusion/models"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
)

// InMemoryStore keeps exclusion records in process memory and enforces one
// live record per person like the partial unique index does.
type InMemoryStore struct {
	mu       sync.RWMutex
	byID     map[id.ExclusionID]*models.Record
	byPerson map[id.PersonID][]id.ExclusionID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byID:     make(map[id.ExclusionID]*models.Record),
		byPerson: make(map[id.PersonID][]id.ExclusionID),
	}
}

func clone(r *models.Record) *models.Record {
	cp := *r
	return &cp
}

func (s *InMemoryStore) Create(_ context.Context, r *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	if r.Status.IsLive() {
		for _, eid := range s.byPerson[r.PersonID] {
			if s.byID[eid].Status.IsLive() {
				return sentinel.ErrAlreadyUsed
			}
		}
	}
	s.byID[r.ID] = clone(r)
	s.byPerson[r.PersonID] = append(s.byPerson[r.PersonID], r.ID)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, exclusionID id.ExclusionID) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[exclusionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(r), nil
}

// ListByPersons returns every record held by persons, newest first.
func (s *InMemoryStore) ListByPersons(_ context.Context, persons []id.PersonID) ([]*models.Record, error) {
	return s.collect(persons, func(*models.Record) bool { return true }), nil
}

// FindLive returns the pending and active records held by persons.
func (s *InMemoryStore) FindLive(_ context.Context, persons []id.PersonID) ([]*models.Record, error) {
	return s.collect(persons, func(r *models.Record) bool { return r.Status.IsLive() }), nil
}

func (s *InMemoryStore) LiveExclusionIDs(ctx context.Context, persons []id.PersonID) ([]id.ExclusionID, error) {
	live, err := s.FindLive(ctx, persons)
	if err != nil {
		return nil, err
	}
	out := make([]id.ExclusionID, 0, len(live))
	for _, r := range live {
		out = append(out, r.ID)
	}
	return out, nil
}

func (s *InMemoryStore) collect(persons []id.PersonID, keep func(*models.Record) bool) []*models.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, p := range persons {
		for _, eid := range s.byPerson[p] {
			if r := s.byID[eid]; keep(r) {
				out = append(out, clone(r))
			}
		}
	}
	slices.SortFunc(out, func(a, b *models.Record) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// Update is a compare-and-swap: the stored version must equal expected.
func (s *InMemoryStore) Update(_ context.Context, r *models.Record, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[r.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != expected {
		return sentinel.ErrConflict
	}
	if r.Status.IsLive() && !current.Status.IsLive() {
		for _, eid := range s.byPerson[r.PersonID] {
			if eid != r.ID && s.byID[eid].Status.IsLive() {
				return sentinel.ErrAlreadyUsed
			}
		}
	}
	s.byID[r.ID] = clone(r)
	return nil
}

// ListDue returns records the sweep must transition at now, oldest first.
func (s *InMemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Record
	for _, r := range s.byID {
		if r.Due(now) {
			out = append(out, clone(r))
		}
	}
	slices.SortFunc(out, func(a, b *models.Record) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
