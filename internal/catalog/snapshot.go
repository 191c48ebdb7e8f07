package catalog

import (
	"context"
	"sync"

	id "accredit/pkg/domain"
)

// Snapshot memoizes catalog reads so that every lookup made while handling
// one event observes the same values. Create one per event; do not share.
type Snapshot struct {
	reader Reader

	mu       sync.Mutex
	courses  map[id.CourseKey]CourseView
	programs map[id.CourseKey][]ProgramView
	all      []ProgramView
	allRead  bool
}

func NewSnapshot(reader Reader) *Snapshot {
	return &Snapshot{
		reader:   reader,
		courses:  make(map[id.CourseKey]CourseView),
		programs: make(map[id.CourseKey][]ProgramView),
	}
}

func (s *Snapshot) GetCourse(ctx context.Context, key id.CourseKey) (CourseView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.courses[key]; ok {
		return c, nil
	}
	c, err := s.reader.GetCourse(ctx, key)
	if err != nil {
		return CourseView{}, err
	}
	s.courses[key] = c
	return c, nil
}

func (s *Snapshot) GetProgramsContaining(ctx context.Context, key id.CourseKey) ([]ProgramView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.programs[key]; ok {
		return p, nil
	}
	p, err := s.reader.GetProgramsContaining(ctx, key)
	if err != nil {
		return nil, err
	}
	s.programs[key] = p
	return p, nil
}

func (s *Snapshot) GetProgram(ctx context.Context, uuid id.ProgramUUID) (ProgramView, error) {
	all, err := s.ListPrograms(ctx)
	if err != nil {
		return ProgramView{}, err
	}
	for _, p := range all {
		if p.UUID == uuid {
			return p, nil
		}
	}
	return s.reader.GetProgram(ctx, uuid)
}

func (s *Snapshot) ListPrograms(ctx context.Context) ([]ProgramView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allRead {
		return s.all, nil
	}
	all, err := s.reader.ListPrograms(ctx)
	if err != nil {
		return nil, err
	}
	s.all, s.allRead = all, true
	return all, nil
}
