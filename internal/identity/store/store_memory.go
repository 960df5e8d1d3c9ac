package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"nser/internal/identity/models"
	id "nser/pkg/domain"
	"nser/pkg/platform/sentinel"
)

type linkKey struct {
	typ  models.IdentifierType
	hash string
}

// InMemoryStore keeps the identity graph in process memory. Graph-wide
// serialization comes from the transaction runner's shard lock, so Lock is
// a no-op here.
type InMemoryStore struct {
	mu    sync.RWMutex
	links map[linkKey]*models.Link
	nodes map[id.PersonID]*models.Node
	flags map[id.FlagID]*models.ReviewFlag
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		links: make(map[linkKey]*models.Link),
		nodes: make(map[id.PersonID]*models.Node),
		flags: make(map[id.FlagID]*models.ReviewFlag),
	}
}

func (s *InMemoryStore) Lock(context.Context) error { return nil }

func (s *InMemoryStore) FindLink(_ context.Context, t models.IdentifierType, hash string) (*models.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[linkKey{t, hash}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// SaveLink inserts or replaces the link for (type, hash).
func (s *InMemoryStore) SaveLink(_ context.Context, l *models.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.links[linkKey{l.Type, l.Hash}] = &cp
	return nil
}

func (s *InMemoryStore) RepointLinks(_ context.Context, from []id.PersonID, to id.PersonID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.links {
		if slices.Contains(from, l.PersonID) {
			l.PersonID = to
		}
	}
	return nil
}

func (s *InMemoryStore) ListLinks(_ context.Context, persons []id.PersonID) ([]*models.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Link
	for _, l := range s.links {
		if slices.Contains(persons, l.PersonID) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sortLinks(out)
	return out, nil
}

func (s *InMemoryStore) ListAllLinks(context.Context) ([]*models.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Link, 0, len(s.links))
	for _, l := range s.links {
		cp := *l
		out = append(out, &cp)
	}
	sortLinks(out)
	return out, nil
}

func sortLinks(links []*models.Link) {
	slices.SortFunc(links, func(a, b *models.Link) int {
		if c := strings.Compare(a.PersonID.String(), b.PersonID.String()); c != 0 {
			return c
		}
		if c := strings.Compare(string(a.Type), string(b.Type)); c != 0 {
			return c
		}
		return strings.Compare(a.Hash, b.Hash)
	})
}

func (s *InMemoryStore) FindNode(_ context.Context, person id.PersonID) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[person]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// SaveNode inserts or replaces a forest entry.
func (s *InMemoryStore) SaveNode(_ context.Context, n *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodes[n.PersonID] = &cp
	return nil
}

// ListChildren returns the non-root nodes whose parent is root.
func (s *InMemoryStore) ListChildren(_ context.Context, root id.PersonID) ([]id.PersonID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []id.PersonID
	for pid, n := range s.nodes {
		if n.ParentID == root && pid != root {
			out = append(out, pid)
		}
	}
	slices.SortFunc(out, func(a, b id.PersonID) int { return strings.Compare(a.String(), b.String()) })
	return out, nil
}

// CreateFlag stores f. An open flag of the same kind for the same pair
// already exists → ErrAlreadyUsed.
func (s *InMemoryStore) CreateFlag(_ context.Context, f *models.ReviewFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.flags {
		if existing.Status == models.FlagOpen && existing.Kind == f.Kind && existing.PairKey == f.PairKey {
			return sentinel.ErrAlreadyUsed
		}
	}
	cp := *f
	cp.PersonIDs = slices.Clone(f.PersonIDs)
	cp.SharedKeys = slices.Clone(f.SharedKeys)
	cp.Exclusions = slices.Clone(f.Exclusions)
	s.flags[f.ID] = &cp
	return nil
}

// ListFlags returns flags with the given status, oldest first. An empty
// status lists all.
func (s *InMemoryStore) ListFlags(_ context.Context, status models.FlagStatus) ([]*models.ReviewFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.ReviewFlag
	for _, f := range s.flags {
		if status != "" && f.Status != status {
			continue
		}
		cp := *f
		cp.PersonIDs = slices.Clone(f.PersonIDs)
		cp.SharedKeys = slices.Clone(f.SharedKeys)
		cp.Exclusions = slices.Clone(f.Exclusions)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.ReviewFlag) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

// ResolveFlag closes an open flag.
func (s *InMemoryStore) ResolveFlag(_ context.Context, flagID id.FlagID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[flagID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if f.Status != models.FlagOpen {
		return sentinel.ErrInvalidState
	}
	f.Status = models.FlagResolved
	return nil
}
