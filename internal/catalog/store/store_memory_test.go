package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"accredit/internal/catalog"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
}

func (s *InMemoryStoreSuite) TestGetCourseNotFound() {
	_, err := s.store.GetCourse(s.ctx, "course-v1:edX+Missing+1")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestProgramsContainingAreSortedByUUID() {
	course := id.CourseKey("course-v1:edX+A+1")
	a := catalog.ProgramView{UUID: id.ProgramUUID(uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000")), CourseKeys: []id.CourseKey{course}}
	b := catalog.ProgramView{UUID: id.ProgramUUID(uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")), CourseKeys: []id.CourseKey{course}}
	other := catalog.ProgramView{UUID: id.ProgramUUID(uuid.New()), CourseKeys: []id.CourseKey{"course-v1:edX+B+1"}}
	s.Require().NoError(s.store.PutProgram(s.ctx, a))
	s.Require().NoError(s.store.PutProgram(s.ctx, b))
	s.Require().NoError(s.store.PutProgram(s.ctx, other))

	got, err := s.store.GetProgramsContaining(s.ctx, course)
	s.Require().NoError(err)
	s.Require().Len(got, 2)
	s.Equal(b.UUID, got[0].UUID)
	s.Equal(a.UUID, got[1].UUID)
}

// Stored views must not alias the caller's slices.
func (s *InMemoryStoreSuite) TestPutCourseCopiesWhitelist() {
	learner := id.LearnerID(uuid.New())
	c := catalog.CourseView{Key: "course-v1:edX+A+1", Whitelist: []id.LearnerID{learner}}
	s.Require().NoError(s.store.PutCourse(s.ctx, c))
	c.Whitelist[0] = id.LearnerID(uuid.New())

	got, err := s.store.GetCourse(s.ctx, "course-v1:edX+A+1")
	s.Require().NoError(err)
	s.True(got.IsWhitelisted(learner))
}

func (s *InMemoryStoreSuite) TestLoadSeed() {
	path := filepath.Join(s.T().TempDir(), "catalog.json")
	s.Require().NoError(os.WriteFile(path, []byte(`{
		"courses": [{"key": "course-v1:MITx+6.002x+2026", "display_behavior": "end", "end": "2026-01-01T00:00:00Z"}],
		"programs": [{"uuid": "11111111-2222-3333-4444-555555555555", "title": "Circuits",
		              "course_keys": ["course-v1:MITx+6.002x+2026"]}]
	}`), 0o600))

	courses, programs, err := LoadSeed(s.ctx, s.store, path)
	s.Require().NoError(err)
	s.Equal(1, courses)
	s.Equal(1, programs)

	c, err := s.store.GetCourse(s.ctx, "course-v1:MITx+6.002x+2026")
	s.Require().NoError(err)
	s.Equal("MITx", c.Org)
	s.Equal(catalog.DisplayEnd, c.DisplayBehavior)

	all, err := s.store.ListPrograms(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(all, 1)
	s.Equal(catalog.VisibleLatestCourseAvailableDate, all[0].VisibleDatePolicy)
}
