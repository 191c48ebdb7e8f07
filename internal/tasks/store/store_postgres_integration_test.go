//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"accredit/internal/tasks"
	"accredit/internal/tasks/store"
	"accredit/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.now = time.Now().UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "tasks"))
}

func (s *PostgresStoreSuite) enqueue(name, key string, runAt time.Time) tasks.Task {
	t, err := tasks.New(name, key, map[string]string{"key": key}, runAt, s.now)
	s.Require().NoError(err)
	stored, err := s.store.Enqueue(context.Background(), t)
	s.Require().NoError(err)
	return stored
}

func (s *PostgresStoreSuite) TestCoalesceClaimAndRetry() {
	ctx := context.Background()
	first := s.enqueue("push", "l|c", s.now.Add(time.Hour))
	again := s.enqueue("push", "l|c", s.now)
	s.Equal(first.ID, again.ID)
	s.True(again.RunAt.Equal(s.now))

	s.enqueue("revoke", "l|c", s.now)
	s.enqueue("push", "l|d", s.now)

	claimed, err := s.store.ClaimDue(ctx, s.now, 10, time.Minute)
	s.Require().NoError(err)
	s.Len(claimed, 2, "one task per key")

	for _, t := range claimed {
		if t.Key == "l|c" {
			s.Require().NoError(s.store.Retry(ctx, t.ID, s.now.Add(time.Second), "boom", s.now))
			got, err := s.store.Get(ctx, t.ID)
			s.Require().NoError(err)
			s.Equal(1, got.Attempt)
		} else {
			s.Require().NoError(s.store.Complete(ctx, t.ID, s.now))
		}
	}

	claimed, err = s.store.ClaimDue(ctx, s.now, 10, time.Minute)
	s.Require().NoError(err)
	s.Require().Len(claimed, 1)

	n, err := s.store.ReleaseExpired(ctx, s.now.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Equal(1, n)
}
