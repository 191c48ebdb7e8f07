package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"accredit/internal/certificates/models"
	"accredit/internal/grades"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemory
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemory()
}

func (s *InMemoryStoreSuite) TestLatestGradeWins() {
	ctx := context.Background()
	learner := id.LearnerID(uuid.New())
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	high, low := 0.9, 0.3

	stored, err := s.store.Put(ctx, grades.Grade{LearnerID: learner, CourseKey: "c1", Percent: &high, Passing: true, Mode: models.ModeVerified, GradedAt: at})
	s.Require().NoError(err)
	s.True(stored)

	stored, err = s.store.Put(ctx, grades.Grade{LearnerID: learner, CourseKey: "c1", Percent: &low, Mode: models.ModeVerified, GradedAt: at.Add(-time.Minute)})
	s.Require().NoError(err)
	s.False(stored, "older grade is ignored")

	got, err := s.store.Get(ctx, learner, "c1")
	s.Require().NoError(err)
	s.Equal(0.9, *got.Percent)

	_, err = s.store.Get(ctx, learner, "c2")
	s.ErrorIs(err, sentinel.ErrNotFound)

	list, err := s.store.ListForLearner(ctx, learner)
	s.Require().NoError(err)
	s.Len(list, 1)
}
