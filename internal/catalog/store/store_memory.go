package store

import (
	"context"
	"slices"
	"sort"
	"sync"

	"accredit/internal/catalog"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

// InMemory is a catalog held in process memory.
type InMemory struct {
	mu       sync.RWMutex
	courses  map[id.CourseKey]catalog.CourseView
	programs map[id.ProgramUUID]catalog.ProgramView
}

func NewInMemory() *InMemory {
	return &InMemory{
		courses:  make(map[id.CourseKey]catalog.CourseView),
		programs: make(map[id.ProgramUUID]catalog.ProgramView),
	}
}

func (s *InMemory) PutCourse(_ context.Context, c catalog.CourseView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Whitelist = slices.Clone(c.Whitelist)
	s.courses[c.Key] = c
	return nil
}

func (s *InMemory) PutProgram(_ context.Context, p catalog.ProgramView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CourseKeys = slices.Clone(p.CourseKeys)
	s.programs[p.UUID] = p
	return nil
}

func (s *InMemory) GetCourse(_ context.Context, key id.CourseKey) (catalog.CourseView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.courses[key]
	if !ok {
		return catalog.CourseView{}, sentinel.ErrNotFound
	}
	return c, nil
}

func (s *InMemory) GetProgramsContaining(_ context.Context, key id.CourseKey) ([]catalog.ProgramView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.ProgramView
	for _, p := range s.programs {
		if p.Contains(key) {
			out = append(out, p)
		}
	}
	sortPrograms(out)
	return out, nil
}

func (s *InMemory) GetProgram(_ context.Context, uuid id.ProgramUUID) (catalog.ProgramView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.programs[uuid]
	if !ok {
		return catalog.ProgramView{}, sentinel.ErrNotFound
	}
	return p, nil
}

func (s *InMemory) ListPrograms(_ context.Context) ([]catalog.ProgramView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]catalog.ProgramView, 0, len(s.programs))
	for _, p := range s.programs {
		out = append(out, p)
	}
	sortPrograms(out)
	return out, nil
}

func sortPrograms(ps []catalog.ProgramView) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].UUID.String() < ps[j].UUID.String() })
}
