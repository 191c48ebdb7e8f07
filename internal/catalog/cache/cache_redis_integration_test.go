//go:build integration

package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"accredit/internal/catalog"
	"accredit/internal/catalog/store"
	"accredit/internal/platform/logger"
	id "accredit/pkg/domain"
	"accredit/pkg/testutil/containers"
)

type countingReader struct {
	catalog.Reader
	courseReads atomic.Int32
}

func (c *countingReader) GetCourse(ctx context.Context, key id.CourseKey) (catalog.CourseView, error) {
	c.courseReads.Add(1)
	return c.Reader.GetCourse(ctx, key)
}

type RedisCacheSuite struct {
	suite.Suite
	redis    *containers.RedisContainer
	upstream *countingReader
	reader   *Reader
}

func TestRedisCacheSuite(t *testing.T) {
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
}

func (s *RedisCacheSuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.redis.FlushAll(ctx))

	mem := store.NewInMemory()
	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(mem.PutCourse(ctx, catalog.CourseView{Key: "course-v1:edX+A+1", End: &end, DisplayBehavior: catalog.DisplayEnd}))
	s.upstream = &countingReader{Reader: mem}

	var err error
	s.reader, err = New(s.upstream, s.redis.Client, time.Minute, WithLogger(logger.Discard()))
	s.Require().NoError(err)
}

func (s *RedisCacheSuite) TestSecondReadIsServedFromRedis() {
	ctx := context.Background()
	first, err := s.reader.GetCourse(ctx, "course-v1:edX+A+1")
	s.Require().NoError(err)
	second, err := s.reader.GetCourse(ctx, "course-v1:edX+A+1")
	s.Require().NoError(err)

	s.Equal(first.End.UTC(), second.End.UTC())
	s.EqualValues(1, s.upstream.courseReads.Load())
}

func (s *RedisCacheSuite) TestInvalidateForcesReload() {
	ctx := context.Background()
	_, err := s.reader.GetCourse(ctx, "course-v1:edX+A+1")
	s.Require().NoError(err)
	s.Require().NoError(s.reader.Invalidate(ctx, "course-v1:edX+A+1"))
	_, err = s.reader.GetCourse(ctx, "course-v1:edX+A+1")
	s.Require().NoError(err)

	s.EqualValues(2, s.upstream.courseReads.Load())
}
