package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"accredit/internal/events"
	"accredit/internal/platform/kafka/consumer"
	"accredit/internal/platform/logger"
	dErrors "accredit/pkg/domain-errors"
	"accredit/pkg/platform/outbox"
	outboxmem "accredit/pkg/platform/outbox/memory"
	"accredit/pkg/requestcontext"
)

type IngestSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	outbox   *outboxmem.Store
	ingestor *Ingestor
	learner  string
}

func TestIngestSuite(t *testing.T) {
	suite.Run(t, new(IngestSuite))
}

func (s *IngestSuite) SetupTest() {
	s.now = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.outbox = outboxmem.New()
	ing, err := New(s.outbox, WithLogger(logger.Discard()))
	s.Require().NoError(err)
	s.ingestor = ing
	s.learner = uuid.NewString()
}

func pct(v float64) *float64 { return &v }

func (s *IngestSuite) decodeOnly() events.Event {
	entries := s.outbox.All()
	s.Require().Len(entries, 1)
	ev, err := events.Decode(entries[0].Payload)
	s.Require().NoError(err)
	return ev
}

func (s *IngestSuite) TestNewRequiresOutbox() {
	_, err := New(nil)
	s.Error(err)
}

func (s *IngestSuite) TestGrade() {
	s.Run("valid grade is appended as GradeChanged", func() {
		_, err := s.ingestor.Grade(s.ctx, "http", GradeMessage{
			LearnerID: s.learner,
			CourseID:  "course-v1:edX+DemoX+2026",
			Percent:   pct(0.82),
			Passing:   true,
			Mode:      "verified",
		})
		s.Require().NoError(err)

		ev := s.decodeOnly()
		s.Equal(events.TypeGradeChanged, ev.Type)
		s.Equal(s.learner, ev.Learner.String())
		s.Require().NotNil(ev.Grade)
		s.True(ev.Grade.Passing)
		s.Equal(s.now, ev.OccurredAt)
	})

	s.Run("invalid inputs are rejected", func() {
		cases := []GradeMessage{
			{LearnerID: "nope", CourseID: "course-v1:edX+DemoX+2026", Mode: "verified"},
			{LearnerID: s.learner, CourseID: "not a course", Mode: "verified"},
			{LearnerID: s.learner, CourseID: "course-v1:edX+DemoX+2026", Mode: "platinum"},
			{LearnerID: s.learner, CourseID: "course-v1:edX+DemoX+2026", Mode: "verified", Passing: true},
			{LearnerID: s.learner, CourseID: "course-v1:edX+DemoX+2026", Mode: "verified", Percent: pct(1.5)},
		}
		for _, m := range cases {
			_, err := s.ingestor.Grade(s.ctx, "http", m)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), err.Error())
		}
		s.Len(s.outbox.All(), 1)
	})
}

func (s *IngestSuite) TestVerification() {
	expires := s.now.Add(365 * 24 * time.Hour)

	_, err := s.ingestor.Verification(s.ctx, "http", VerificationMessage{
		LearnerID:      s.learner,
		VerificationID: uuid.NewString(),
		Status:         "approved",
	})
	s.Require().Error(err, "approved without expiry")

	_, err = s.ingestor.Verification(s.ctx, "http", VerificationMessage{
		LearnerID:      s.learner,
		VerificationID: uuid.NewString(),
		Status:         "approved",
		ExpiresAt:      &expires,
	})
	s.Require().NoError(err)

	ev := s.decodeOnly()
	s.Equal(events.TypeVerificationChanged, ev.Type)
	s.Require().NotNil(ev.Verification)
	s.Equal("approved", ev.Verification.Status)
}

func (s *IngestSuite) TestKafkaTopics() {
	router := consumer.NewRouter(logger.Discard(), nil)
	s.ingestor.RegisterTopics(router, "accredit.grades", "accredit.verifications")
	s.ElementsMatch([]string{"accredit.grades", "accredit.verifications"}, router.Topics())

	valid, err := json.Marshal(GradeMessage{
		LearnerID: s.learner,
		CourseID:  "course-v1:edX+DemoX+2026",
		Percent:   pct(0.4),
		Mode:      "audit",
	})
	s.Require().NoError(err)

	s.NoError(router.Handle(s.ctx, &consumer.Message{Topic: "accredit.grades", Value: []byte("{garbage")}))
	s.NoError(router.Handle(s.ctx, &consumer.Message{Topic: "accredit.grades", Value: []byte(`{"learner_id":"x"}`)}))
	s.NoError(router.Handle(s.ctx, &consumer.Message{Topic: "accredit.grades", Value: valid}))

	ev := s.decodeOnly()
	s.Equal(events.TypeGradeChanged, ev.Type)
}

type failingOutbox struct{ outbox.Store }

func (failingOutbox) Append(context.Context, outbox.Entry) error { return errors.New("db down") }

func (s *IngestSuite) TestOutboxFailureIsReturned() {
	ing, err := New(failingOutbox{}, WithLogger(logger.Discard()))
	s.Require().NoError(err)

	router := consumer.NewRouter(logger.Discard(), nil)
	ing.RegisterTopics(router, "g", "v")
	payload, err := json.Marshal(GradeMessage{LearnerID: s.learner, CourseID: "course-v1:edX+DemoX+2026", Mode: "audit"})
	s.Require().NoError(err)

	err = router.Handle(s.ctx, &consumer.Message{Topic: "g", Value: payload})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}
