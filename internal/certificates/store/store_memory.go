// Package store persists certificate records. Every write appends the
// resulting domain events to the outbox before it becomes visible.
package store

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"accredit/internal/certificates/models"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/outbox"
	"accredit/pkg/platform/sentinel"
)

// numShards bounds lock contention: writes for one (learner, course) key
// always take the same shard mutex.
const numShards = 64

type certKey struct {
	learner id.LearnerID
	course  id.CourseKey
}

type InMemory struct {
	shards [numShards]sync.Mutex

	mu     sync.RWMutex
	certs  map[certKey]models.Certificate
	outbox outbox.Store
}

func NewInMemory(ob outbox.Store) *InMemory {
	return &InMemory{certs: make(map[certKey]models.Certificate), outbox: ob}
}

func (s *InMemory) lock(k certKey) func() {
	h := fnv.New32a()
	_, _ = h.Write(k.learner[:])
	_, _ = h.Write([]byte(k.course))
	m := &s.shards[h.Sum32()%numShards]
	m.Lock()
	return m.Unlock
}

func (s *InMemory) Get(_ context.Context, learner id.LearnerID, course id.CourseKey) (models.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.certs[certKey{learner, course}]
	if !ok {
		return models.Certificate{}, sentinel.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *InMemory) Create(ctx context.Context, c models.Certificate) (models.Certificate, error) {
	if err := c.Validate(); err != nil {
		return models.Certificate{}, err
	}
	k := certKey{c.LearnerID, c.CourseKey}
	defer s.lock(k)()

	s.mu.RLock()
	_, exists := s.certs[k]
	s.mu.RUnlock()
	if exists {
		return models.Certificate{}, sentinel.ErrConflict
	}

	c = c.Clone()
	if c.Version == 0 {
		c.Version = 1
	}
	if err := appendEvents(ctx, s.outbox, models.CreateEvents(c)); err != nil {
		return models.Certificate{}, err
	}
	s.mu.Lock()
	s.certs[k] = c
	s.mu.Unlock()
	return c.Clone(), nil
}

func (s *InMemory) ApplyTransition(ctx context.Context, c models.Certificate, t models.Transition) (models.Certificate, error) {
	k := certKey{c.LearnerID, c.CourseKey}
	defer s.lock(k)()

	s.mu.RLock()
	current, ok := s.certs[k]
	s.mu.RUnlock()
	if !ok {
		return models.Certificate{}, sentinel.ErrNotFound
	}
	if current.Version != c.Version {
		return models.Certificate{}, sentinel.ErrStale
	}

	next, hops, err := models.Apply(current, t)
	if err != nil {
		return models.Certificate{}, err
	}
	if err := appendEvents(ctx, s.outbox, models.ChangeEvents(next, current.Status, hops, t.Reason)); err != nil {
		return models.Certificate{}, err
	}
	s.mu.Lock()
	s.certs[k] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *InMemory) ListForLearner(_ context.Context, learner id.LearnerID) ([]models.Certificate, error) {
	return s.collect(func(c models.Certificate) bool { return c.LearnerID == learner }), nil
}

func (s *InMemory) ListPassingForLearner(_ context.Context, learner id.LearnerID) ([]models.Certificate, error) {
	return s.collect(func(c models.Certificate) bool {
		return c.LearnerID == learner && c.Status.IsPassing()
	}), nil
}

func (s *InMemory) ListModified(_ context.Context, f models.Filter) ([]models.Certificate, error) {
	courses := make(map[id.CourseKey]bool, len(f.Courses))
	for _, c := range f.Courses {
		courses[c] = true
	}
	all := s.collect(func(c models.Certificate) bool {
		if len(courses) > 0 && !courses[c.CourseKey] {
			return false
		}
		if !f.Start.IsZero() && c.ModifiedAt.Before(f.Start) {
			return false
		}
		if !f.End.IsZero() && !c.ModifiedAt.Before(f.End) {
			return false
		}
		return true
	})
	sort.SliceStable(all, func(i, j int) bool { return all[i].ModifiedAt.Before(all[j].ModifiedAt) })
	if f.Offset >= len(all) {
		return nil, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return all, nil
}

// collect returns matching records ordered by course key.
func (s *InMemory) collect(match func(models.Certificate) bool) []models.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Certificate
	for _, c := range s.certs {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CourseKey != out[j].CourseKey {
			return out[i].CourseKey < out[j].CourseKey
		}
		return out[i].LearnerID.String() < out[j].LearnerID.String()
	})
	return out
}
