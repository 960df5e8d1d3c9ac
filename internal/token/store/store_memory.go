package store

import (
	"context"
	"slices"
	"sync"

	"nser/internal/token/models"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
)

// InMemoryStore keeps tokens in process memory. It enforces the same
// uniqueness rules as the tokens table: one value per token, one active
// token per owner, one token per (owner, version).
type InMemoryStore struct {
	mu      sync.RWMutex
	byID    map[id.TokenID]*models.Token
	byValue map[string]id.TokenID
	byOwner map[id.PersonID][]id.TokenID
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[id.TokenID]*models.Token),
		byValue: make(map[string]id.TokenID),
		byOwner: make(map[id.PersonID][]id.TokenID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, t *models.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[t.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	if _, ok := s.byValue[t.Value]; ok {
		return sentinel.ErrAlreadyUsed
	}
	for _, tid := range s.byOwner[t.OwnerID] {
		existing := s.byID[tid]
		if existing.Version == t.Version {
			return sentinel.ErrAlreadyUsed
		}
		if t.Status == models.StatusActive && existing.Status == models.StatusActive {
			return sentinel.ErrAlreadyUsed
		}
	}
	cp := *t
	s.byID[t.ID] = &cp
	s.byValue[t.Value] = t.ID
	s.byOwner[t.OwnerID] = append(s.byOwner[t.OwnerID], t.ID)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, tokenID id.TokenID) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[tokenID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryStore) FindByValue(_ context.Context, value string) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tid, ok := s.byValue[value]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.byID[tid]
	return &cp, nil
}

func (s *InMemoryStore) FindActiveByOwner(_ context.Context, owner id.PersonID) (*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tid := range s.byOwner[owner] {
		if t := s.byID[tid]; t.Status == models.StatusActive {
			cp := *t
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// ListByOwner returns the owner's tokens, newest generation first.
func (s *InMemoryStore) ListByOwner(_ context.Context, owner id.PersonID) ([]*models.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Token, 0, len(s.byOwner[owner]))
	for _, tid := range s.byOwner[owner] {
		cp := *s.byID[tid]
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.Token) int {
		return int(b.Version) - int(a.Version)
	})
	return out, nil
}

func (s *InMemoryStore) MaxVersion(_ context.Context, owner id.PersonID) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var maxVersion uint32
	for _, tid := range s.byOwner[owner] {
		maxVersion = max(maxVersion, s.byID[tid].Version)
	}
	return maxVersion, nil
}

// Update replaces the stored token when its row version still equals
// expected, and advances t.RowVersion.
func (s *InMemoryStore) Update(_ context.Context, t *models.Token, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.byID[t.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.RowVersion != expected {
		return sentinel.ErrConflict
	}
	if t.Status == models.StatusActive && current.Status != models.StatusActive {
		for _, tid := range s.byOwner[t.OwnerID] {
			if tid != t.ID && s.byID[tid].Status == models.StatusActive {
				return sentinel.ErrAlreadyUsed
			}
		}
	}
	t.RowVersion = expected + 1
	cp := *t
	s.byID[t.ID] = &cp
	return nil
}
