// Package store persists the latest grade per learner and course. Put keeps
// whichever grade was computed last, so redelivered or reordered grade
// events never roll a grade back.
package store

import (
	"context"
	"sort"
	"sync"

	"accredit/internal/grades"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

type key struct {
	learner id.LearnerID
	course  id.CourseKey
}

type InMemory struct {
	mu     sync.RWMutex
	grades map[key]grades.Grade
}

func NewInMemory() *InMemory {
	return &InMemory{grades: make(map[key]grades.Grade)}
}

// Put stores g unless a grade computed later is already stored. It reports
// whether g was stored.
func (s *InMemory) Put(_ context.Context, g grades.Grade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{g.LearnerID, g.CourseKey}
	if current, ok := s.grades[k]; ok && current.GradedAt.After(g.GradedAt) {
		return false, nil
	}
	if g.Percent != nil {
		p := *g.Percent
		g.Percent = &p
	}
	s.grades[k] = g
	return true, nil
}

func (s *InMemory) Get(_ context.Context, learner id.LearnerID, course id.CourseKey) (grades.Grade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grades[key{learner, course}]
	if !ok {
		return grades.Grade{}, sentinel.ErrNotFound
	}
	return g, nil
}

func (s *InMemory) ListForLearner(_ context.Context, learner id.LearnerID) ([]grades.Grade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []grades.Grade
	for k, g := range s.grades {
		if k.learner == learner {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CourseKey < out[j].CourseKey })
	return out, nil
}
