// Package service maintains the identity graph: a union-find forest of
// person ids joined by the hashed identifiers they share.
package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"time"

	"nser/internal/identity/metrics"
	"nser/internal/identity/models"
	"nser/internal/identity/normalize"
	id "nser/pkg/domain"
	dErrors "nser/pkg/domain-errors"
	audit "nser/pkg/platform/audit"
	"nser/pkg/platform/sentinel"
	"nser/pkg/platform/tx"
	"nser/pkg/requestcontext"
)

// GraphShardKey serializes graph writers and exclusion registration in the
// in-memory transaction runner. Postgres takes the matching advisory lock.
// A merge can reach any person root through the links it rewrites, so the
// set of rows to lock is unknown until the graph has been read. Terminate,
// renew and sweep lock per person and never take this key.
const GraphShardKey = "identity-graph"

// Store persists links, forest nodes and review flags. Lock takes the
// graph-wide lock for the transaction in ctx.
type Store interface {
	Lock(ctx context.Context) error
	FindLink(ctx context.Context, t models.IdentifierType, hash string) (*models.Link, error)
	SaveLink(ctx context.Context, l *models.Link) error
	RepointLinks(ctx context.Context, from []id.PersonID, to id.PersonID) error
	ListLinks(ctx context.Context, persons []id.PersonID) ([]*models.Link, error)
	ListAllLinks(ctx context.Context) ([]*models.Link, error)
	FindNode(ctx context.Context, person id.PersonID) (*models.Node, error)
	SaveNode(ctx context.Context, n *models.Node) error
	ListChildren(ctx context.Context, root id.PersonID) ([]id.PersonID, error)
	CreateFlag(ctx context.Context, f *models.ReviewFlag) error
	ListFlags(ctx context.Context, status models.FlagStatus) ([]*models.ReviewFlag, error)
	ResolveFlag(ctx context.Context, flagID id.FlagID) error
}

// ExclusionLookup reports live (active or pending) exclusions held by any
// of persons.
type ExclusionLookup interface {
	LiveExclusionIDs(ctx context.Context, persons []id.PersonID) ([]id.ExclusionID, error)
}

// AuditPublisher records identity events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

const (
	defaultThreshold = 0.6
	exactConfidence  = 1.0
)

// Service implements the identity graph.
type Service struct {
	store      Store
	tx         tx.Runner
	hasher     *normalize.Hasher
	exclusions ExclusionLookup
	audit      AuditPublisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	threshold  float64
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.audit = p
	}
}

// WithExclusionLookup lets merges and duplicate detection see live
// exclusions. Without it every person counts as unregistered.
func WithExclusionLookup(l ExclusionLookup) Option {
	return func(s *Service) {
		s.exclusions = l
	}
}

// WithDuplicateThreshold sets the minimum weighted similarity for a
// duplicate flag.
func WithDuplicateThreshold(t float64) Option {
	return func(s *Service) {
		if t > 0 && t <= 1 {
			s.threshold = t
		}
	}
}

func New(store Store, runner tx.Runner, hasher *normalize.Hasher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		tx:        runner,
		hasher:    hasher,
		logger:    slog.Default(),
		threshold: defaultThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// mergeRefusedError carries the facts a refused merge flag needs out of the
// rolled-back transaction.
type mergeRefusedError struct {
	a, b       id.PersonID
	exclusions []id.ExclusionID
}

func (e *mergeRefusedError) Error() string {
	return "both persons hold live exclusions"
}

// Link attaches an identifier to person. If the identifier already belongs
// to another person the two are merged; linking the same pair again is a
// no-op.
func (s *Service) Link(ctx context.Context, ident models.Identifier, person id.PersonID) (*models.LinkResult, error) {
	if person.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "person id is required")
	}
	if !ident.Type.IsValid() {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown identifier type "+string(ident.Type))
	}
	digest, err := s.hasher.Digest(ident.Type, ident.Value)
	if err != nil {
		return nil, err
	}

	var res *models.LinkResult
	err = s.RunLocked(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.linkLocked(ctx, digest, person)
		return err
	})

	var refused *mergeRefusedError
	if errors.As(err, &refused) {
		s.metrics.IncrementLink("refused")
		s.flagRefusedMerge(ctx, refused)
		return nil, dErrors.New(dErrors.CodeConflict,
			"identifier belongs to another registered person; merge refused and flagged for review")
	}
	if err != nil {
		return nil, s.translate(err)
	}

	switch {
	case res.Merged:
		s.metrics.IncrementLink("merged")
		s.metrics.AddMerged(len(res.Absorbed))
		for _, absorbed := range res.Absorbed {
			s.emitAudit(ctx, audit.EventIdentityMerged, res.PersonID, absorbed.String())
		}
		s.logger.InfoContext(ctx, "persons merged",
			"survivor", res.PersonID,
			"absorbed", res.Absorbed,
			"identifier_type", ident.Type,
		)
	case res.Created:
		s.metrics.IncrementLink("created")
		s.emitAudit(ctx, audit.EventIdentityLinked, res.PersonID, string(ident.Type))
	default:
		s.metrics.IncrementLink("existing")
	}
	return res, nil
}

// LinkAll links each identifier to person in turn and returns the person's
// canonical id afterwards. Each link commits on its own.
func (s *Service) LinkAll(ctx context.Context, idents []models.Identifier, person id.PersonID) (id.PersonID, error) {
	canonical := person
	for _, ident := range idents {
		res, err := s.Link(ctx, ident, canonical)
		if err != nil {
			return id.PersonID{}, err
		}
		canonical = res.PersonID
	}
	if len(idents) == 0 {
		return s.Canonical(ctx, person)
	}
	return canonical, nil
}

// RunLocked runs fn in a transaction holding the graph lock. Exclusion
// registration uses it so a merge can never interleave with the live
// record check.
func (s *Service) RunLocked(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx = tx.WithShardKey(ctx, GraphShardKey)
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.Lock(ctx); err != nil {
			return err
		}
		return fn(ctx)
	})
}

func (s *Service) linkLocked(ctx context.Context, digest normalize.Digest, person id.PersonID) (*models.LinkResult, error) {
	now := requestcontext.Now(ctx)

	target, err := s.ensureRoot(ctx, person, now)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.FindLink(ctx, digest.Type, digest.Hash)
	if errors.Is(err, sentinel.ErrNotFound) {
		link := &models.Link{
			Type:       digest.Type,
			Hash:       digest.Hash,
			FuzzyHash:  digest.FuzzyHash,
			PersonID:   target.PersonID,
			Confidence: exactConfidence,
			LinkedAt:   now,
		}
		if err := s.store.SaveLink(ctx, link); err != nil {
			return nil, err
		}
		return &models.LinkResult{PersonID: target.PersonID, Created: true}, nil
	}
	if err != nil {
		return nil, err
	}

	other, err := s.findRoot(ctx, existing.PersonID, now)
	if err != nil {
		return nil, err
	}
	if other.PersonID == target.PersonID {
		return &models.LinkResult{PersonID: target.PersonID}, nil
	}
	return s.merge(ctx, target, other, now)
}

// merge folds one root into the other. The survivor is the side holding a
// live exclusion, else the larger set, else the smaller id.
func (s *Service) merge(ctx context.Context, a, b *models.Node, now time.Time) (*models.LinkResult, error) {
	membersA, err := s.membersOfRoot(ctx, a.PersonID)
	if err != nil {
		return nil, err
	}
	membersB, err := s.membersOfRoot(ctx, b.PersonID)
	if err != nil {
		return nil, err
	}
	liveA, err := s.liveExclusions(ctx, membersA)
	if err != nil {
		return nil, err
	}
	liveB, err := s.liveExclusions(ctx, membersB)
	if err != nil {
		return nil, err
	}
	if len(liveA) > 0 && len(liveB) > 0 {
		return nil, &mergeRefusedError{a: a.PersonID, b: b.PersonID, exclusions: append(liveA, liveB...)}
	}

	survivor, absorbed, absorbedMembers := a, b, membersB
	switch {
	case len(liveA) > 0:
	case len(liveB) > 0:
		survivor, absorbed, absorbedMembers = b, a, membersA
	case a.Size > b.Size:
	case b.Size > a.Size:
		survivor, absorbed, absorbedMembers = b, a, membersA
	case b.PersonID.String() < a.PersonID.String():
		survivor, absorbed, absorbedMembers = b, a, membersA
	}

	for _, member := range absorbedMembers {
		node := &models.Node{PersonID: member, ParentID: survivor.PersonID, Size: 1, UpdatedAt: now}
		if err := s.store.SaveNode(ctx, node); err != nil {
			return nil, err
		}
	}
	survivor.Size += absorbed.Size
	survivor.UpdatedAt = now
	if err := s.store.SaveNode(ctx, survivor); err != nil {
		return nil, err
	}
	if err := s.store.RepointLinks(ctx, []id.PersonID{absorbed.PersonID}, survivor.PersonID); err != nil {
		return nil, err
	}
	return &models.LinkResult{
		PersonID: survivor.PersonID,
		Merged:   true,
		Absorbed: []id.PersonID{absorbed.PersonID},
	}, nil
}

// ensureRoot returns person's root node, creating a singleton root for an
// unseen person.
func (s *Service) ensureRoot(ctx context.Context, person id.PersonID, now time.Time) (*models.Node, error) {
	root, err := s.findRoot(ctx, person, now)
	if errors.Is(err, sentinel.ErrNotFound) {
		node := models.NewRootNode(person, now)
		if err := s.store.SaveNode(ctx, node); err != nil {
			return nil, err
		}
		return node, nil
	}
	return root, err
}

// findRoot walks parent pointers to the root and compresses the path. It
// writes, so callers hold the graph lock.
func (s *Service) findRoot(ctx context.Context, person id.PersonID, now time.Time) (*models.Node, error) {
	node, err := s.store.FindNode(ctx, person)
	if err != nil {
		return nil, err
	}
	var path []*models.Node
	for !node.IsRoot() {
		path = append(path, node)
		if node, err = s.store.FindNode(ctx, node.ParentID); err != nil {
			return nil, err
		}
	}
	// Nodes one hop away already point at the root.
	for _, n := range path[:max(len(path)-1, 0)] {
		n.ParentID = node.PersonID
		n.UpdatedAt = now
		if err := s.store.SaveNode(ctx, n); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// lookupRoot is the read-only walk used outside the graph lock.
func (s *Service) lookupRoot(ctx context.Context, person id.PersonID) (id.PersonID, int, error) {
	node, err := s.store.FindNode(ctx, person)
	if errors.Is(err, sentinel.ErrNotFound) {
		return person, 0, nil
	}
	if err != nil {
		return id.PersonID{}, 0, err
	}
	depth := 0
	for !node.IsRoot() {
		depth++
		if node, err = s.store.FindNode(ctx, node.ParentID); err != nil {
			return id.PersonID{}, 0, err
		}
	}
	return node.PersonID, depth, nil
}

// Canonical returns the surviving person id for person. Unknown persons are
// their own canonical id.
func (s *Service) Canonical(ctx context.Context, person id.PersonID) (id.PersonID, error) {
	root, depth, err := s.lookupRoot(ctx, person)
	if err != nil {
		return id.PersonID{}, s.translate(err)
	}
	if depth > 1 {
		s.compress(ctx, person)
	}
	return root, nil
}

// compress flattens a long path under the graph lock. Failure only costs
// a longer walk next time.
func (s *Service) compress(ctx context.Context, person id.PersonID) {
	err := s.RunLocked(ctx, func(ctx context.Context) error {
		_, err := s.findRoot(ctx, person, requestcontext.Now(ctx))
		return err
	})
	if err != nil {
		s.logger.WarnContext(ctx, "path compression failed", "person_id", person, "error", err)
	}
}

// Members returns the canonical id of person followed by every person id
// merged into it.
func (s *Service) Members(ctx context.Context, person id.PersonID) ([]id.PersonID, error) {
	root, err := s.Canonical(ctx, person)
	if err != nil {
		return nil, err
	}
	members, err := s.membersOfRoot(ctx, root)
	if err != nil {
		return nil, s.translate(err)
	}
	return members, nil
}

func (s *Service) membersOfRoot(ctx context.Context, root id.PersonID) ([]id.PersonID, error) {
	children, err := s.store.ListChildren(ctx, root)
	if err != nil {
		return nil, err
	}
	return append([]id.PersonID{root}, children...), nil
}

// Resolve returns the canonical person holding an identifier.
func (s *Service) Resolve(ctx context.Context, ident models.Identifier) (id.PersonID, error) {
	digest, err := s.hasher.Digest(ident.Type, ident.Value)
	if err != nil {
		return id.PersonID{}, err
	}
	link, err := s.store.FindLink(ctx, digest.Type, digest.Hash)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return id.PersonID{}, dErrors.New(dErrors.CodeNotFound, "identifier not linked")
		}
		return id.PersonID{}, s.translate(err)
	}
	return s.Canonical(ctx, link.PersonID)
}

func (s *Service) liveExclusions(ctx context.Context, persons []id.PersonID) ([]id.ExclusionID, error) {
	if s.exclusions == nil {
		return nil, nil
	}
	return s.exclusions.LiveExclusionIDs(ctx, persons)
}

func (s *Service) flagRefusedMerge(ctx context.Context, refused *mergeRefusedError) {
	flag := &models.ReviewFlag{
		ID:         id.NewFlagID(),
		PairKey:    models.PairKey(refused.a, refused.b),
		Kind:       models.FlagMergeRefused,
		PersonIDs:  []id.PersonID{refused.a, refused.b},
		Score:      1,
		Exclusions: refused.exclusions,
		Status:     models.FlagOpen,
		CreatedAt:  requestcontext.Now(ctx),
	}
	err := s.store.CreateFlag(ctx, flag)
	if err != nil && !errors.Is(err, sentinel.ErrAlreadyUsed) {
		s.logger.ErrorContext(ctx, "failed to flag refused merge",
			"person_a", refused.a,
			"person_b", refused.b,
			"error", err,
		)
	}
	s.emitAudit(ctx, audit.EventMergeRefused, refused.a, refused.b.String())
	s.logger.WarnContext(ctx, "merge refused: both persons hold live exclusions",
		"person_a", refused.a,
		"person_b", refused.b,
	)
}

// personKeys is one root person's fuzzy key set.
type personKeys struct {
	person id.PersonID
	keys   map[string]models.IdentifierType
}

// DetectDuplicates scores every pair of persons sharing a fuzzy key and
// flags pairs at or above the threshold where at least one side holds a
// live exclusion. Nothing is merged.
func (s *Service) DetectDuplicates(ctx context.Context) ([]models.DuplicateCandidate, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveScan(time.Since(start)) }()

	links, err := s.store.ListAllLinks(ctx)
	if err != nil {
		return nil, s.translate(err)
	}

	byPerson := make(map[id.PersonID]*personKeys)
	index := make(map[string][]id.PersonID)
	for _, l := range links {
		pk, ok := byPerson[l.PersonID]
		if !ok {
			pk = &personKeys{person: l.PersonID, keys: make(map[string]models.IdentifierType)}
			byPerson[l.PersonID] = pk
		}
		key := string(l.Type) + ":" + l.FuzzyHash
		if _, seen := pk.keys[key]; seen {
			continue
		}
		pk.keys[key] = l.Type
		index[key] = append(index[key], l.PersonID)
	}

	pairs := make(map[string][2]id.PersonID)
	for _, persons := range index {
		for i := 0; i < len(persons); i++ {
			for j := i + 1; j < len(persons); j++ {
				a, b := persons[i], persons[j]
				if b.String() < a.String() {
					a, b = b, a
				}
				pairs[models.PairKey(a, b)] = [2]id.PersonID{a, b}
			}
		}
	}
	pairKeys := make([]string, 0, len(pairs))
	for k := range pairs {
		pairKeys = append(pairKeys, k)
	}
	sort.Strings(pairKeys)

	live := make(map[id.PersonID][]id.ExclusionID)
	liveFor := func(p id.PersonID) ([]id.ExclusionID, error) {
		if ex, ok := live[p]; ok {
			return ex, nil
		}
		members, err := s.membersOfRoot(ctx, p)
		if err != nil {
			return nil, err
		}
		ex, err := s.liveExclusions(ctx, members)
		if err != nil {
			return nil, err
		}
		live[p] = ex
		return ex, nil
	}

	var out []models.DuplicateCandidate
	for _, pk := range pairKeys {
		pair := pairs[pk]
		a, b := byPerson[pair[0]], byPerson[pair[1]]
		score, shared := similarity(a.keys, b.keys)
		if score < s.threshold {
			continue
		}
		exA, err := liveFor(a.person)
		if err != nil {
			return nil, s.translate(err)
		}
		exB, err := liveFor(b.person)
		if err != nil {
			return nil, s.translate(err)
		}
		if len(exA) == 0 && len(exB) == 0 {
			continue
		}
		// Report from the registered side.
		person, conflicting := a.person, b.person
		if len(exA) == 0 {
			person, conflicting = b.person, a.person
		}
		candidate := models.DuplicateCandidate{
			PersonID:    person,
			Conflicting: conflicting,
			Score:       score,
			SharedKeys:  shared,
			Exclusions:  append(slices.Clone(exA), exB...),
		}
		out = append(out, candidate)
		s.flagDuplicate(ctx, candidate)
	}
	s.logger.InfoContext(ctx, "duplicate scan finished",
		"persons", len(byPerson),
		"pairs", len(pairs),
		"candidates", len(out),
		"duration", time.Since(start),
	)
	return out, nil
}

// similarity is the weighted Jaccard index of two key sets. Shared keys are
// reported by identifier type only.
func similarity(a, b map[string]models.IdentifierType) (float64, []string) {
	var inter, union float64
	sharedTypes := make(map[models.IdentifierType]struct{})
	for key, t := range a {
		w := t.Weight()
		union += w
		if _, ok := b[key]; ok {
			inter += w
			sharedTypes[t] = struct{}{}
		}
	}
	for key, t := range b {
		if _, ok := a[key]; !ok {
			union += t.Weight()
		}
	}
	if union == 0 {
		return 0, nil
	}
	shared := make([]string, 0, len(sharedTypes))
	for t := range sharedTypes {
		shared = append(shared, string(t))
	}
	sort.Strings(shared)
	return inter / union, shared
}

func (s *Service) flagDuplicate(ctx context.Context, c models.DuplicateCandidate) {
	flag := &models.ReviewFlag{
		ID:         id.NewFlagID(),
		PairKey:    models.PairKey(c.PersonID, c.Conflicting),
		Kind:       models.FlagDuplicate,
		PersonIDs:  []id.PersonID{c.PersonID, c.Conflicting},
		Score:      c.Score,
		SharedKeys: c.SharedKeys,
		Exclusions: c.Exclusions,
		Status:     models.FlagOpen,
		CreatedAt:  requestcontext.Now(ctx),
	}
	err := s.store.CreateFlag(ctx, flag)
	switch {
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return
	case err != nil:
		s.logger.ErrorContext(ctx, "failed to persist duplicate flag",
			"person_id", c.PersonID,
			"conflicting", c.Conflicting,
			"error", err,
		)
		return
	}
	s.metrics.IncrementFlagged()
	s.emitAudit(ctx, audit.EventDuplicateFlagged, c.PersonID, c.Conflicting.String())
}

// ListFlags returns review flags by status; empty lists all.
func (s *Service) ListFlags(ctx context.Context, status models.FlagStatus) ([]*models.ReviewFlag, error) {
	if status != "" && status != models.FlagOpen && status != models.FlagResolved {
		return nil, dErrors.New(dErrors.CodeValidation, "unknown flag status "+string(status))
	}
	flags, err := s.store.ListFlags(ctx, status)
	if err != nil {
		return nil, s.translate(err)
	}
	return flags, nil
}

// ResolveFlag closes a review flag after a human decision.
func (s *Service) ResolveFlag(ctx context.Context, flagID id.FlagID) error {
	if err := s.store.ResolveFlag(ctx, flagID); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return dErrors.New(dErrors.CodeInvalidTransition, "flag is already resolved")
		}
		return s.translate(err)
	}
	s.logger.InfoContext(ctx, "review flag resolved",
		"flag_id", flagID,
		"actor", requestcontext.Actor(ctx),
	)
	return nil
}

func (s *Service) translate(err error) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "not found")
	case errors.Is(err, sentinel.ErrConflict), errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.Wrap(err, dErrors.CodeConflict, "identity graph changed concurrently, retry")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "identity store unavailable")
	}
}

func (s *Service) emitAudit(ctx context.Context, action audit.AuditEvent, person id.PersonID, subject string) {
	if s.audit == nil {
		return
	}
	err := s.audit.Emit(ctx, audit.Event{
		Category: action.Category(),
		PersonID: person,
		Subject:  subject,
		Action:   string(action),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "action", action, "error", err)
	}
}
