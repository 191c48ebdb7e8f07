package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"accredit/internal/learners"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

type InMemorySuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
	alice learners.Learner
}

func TestInMemorySuite(t *testing.T) {
	suite.Run(t, new(InMemorySuite))
}

func (s *InMemorySuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
	s.alice = learners.Learner{ID: id.LearnerID(uuid.New()), Username: "alice", Email: "alice@example.com", Active: true}
	s.Require().NoError(s.store.Create(s.ctx, s.alice))
}

func (s *InMemorySuite) TestCreateRejectsDuplicateUsername() {
	err := s.store.Create(s.ctx, learners.Learner{ID: id.LearnerID(uuid.New()), Username: "alice", Email: "x@example.com"})
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *InMemorySuite) TestUpdateUsernameIfEquals() {
	s.Run("swaps when current matches", func() {
		ok, err := s.store.UpdateUsernameIfEquals(s.ctx, s.alice.ID, "alice", "retired__user_abc")
		s.Require().NoError(err)
		s.True(ok)

		got, err := s.store.GetByUsername(s.ctx, "retired__user_abc")
		s.Require().NoError(err)
		s.Equal(s.alice.ID, got.ID)

		_, err = s.store.GetByUsername(s.ctx, "alice")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("no-op when current is stale", func() {
		ok, err := s.store.UpdateUsernameIfEquals(s.ctx, s.alice.ID, "alice", "other")
		s.Require().NoError(err)
		s.False(ok)
	})
}

func (s *InMemorySuite) TestRetireScrubsIdentity() {
	s.Require().NoError(s.store.Retire(s.ctx, s.alice.ID, "retired__user_x", "retired__user_x@retired.invalid"))

	got, err := s.store.Get(s.ctx, s.alice.ID)
	s.Require().NoError(err)
	s.Equal("retired__user_x", got.Username)
	s.Equal("retired__user_x@retired.invalid", got.Email)
	s.False(got.Active)
}
