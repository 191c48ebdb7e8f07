package awarding_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"accredit/internal/awarding"
	"accredit/internal/awarding/models"
	"accredit/internal/catalog"
	cmodels "accredit/internal/certificates/models"
	certservice "accredit/internal/certificates/service"
	"accredit/internal/eligibility"
	"accredit/internal/events"
	gradestore "accredit/internal/grades/store"
	"accredit/internal/platform/logger"
	vmodels "accredit/internal/verification/models"
	id "accredit/pkg/domain"
)

type approvedVerification struct {
	expires time.Time
}

func (v approvedVerification) GetLatest(_ context.Context, learner id.LearnerID) (vmodels.Attempt, error) {
	return vmodels.Attempt{
		ID:        id.VerificationID(uuid.New()),
		LearnerID: learner,
		Status:    vmodels.StatusApproved,
		ExpiresAt: &v.expires,
	}, nil
}

// withEvaluator lets grade events flow through certificate decisions into
// the pipeline.
func (s *PipelineSuite) withEvaluator() {
	ev, err := certservice.New(s.certs, gradestore.NewInMemory(),
		approvedVerification{expires: s.now.Add(180 * 24 * time.Hour)}, s.catalog, s.runner,
		certservice.WithLogger(logger.Discard()),
		certservice.WithPolicy(func() eligibility.Policy {
			return eligibility.Policy{AutoCertGenEnabled: true, HTMLCertsEnabled: true}
		}),
	)
	s.Require().NoError(err)
	ev.Subscribe(s.bus)
	ev.RegisterTasks(s.runner)
}

func (s *PipelineSuite) grade(course id.CourseKey, percent float64) {
	entry, err := events.NewGradeChanged(s.learner.ID, course, events.Grade{
		Percent: &percent, Passing: true, Mode: string(cmodels.ModeVerified),
	}, s.now).ToOutbox("grade")
	s.Require().NoError(err)
	s.Require().NoError(s.outbox.Append(s.ctx(), entry))
}

// settleAll repeats relay and runner passes until neither has work due.
func (s *PipelineSuite) settleAll() {
	for range 10 {
		relayed, err := s.relay.Drain(s.ctx())
		s.Require().NoError(err)
		ran, err := s.runner.Drain(s.ctx())
		s.Require().NoError(err)
		if relayed == 0 && ran == 0 {
			return
		}
	}
	s.Fail("pipeline did not settle")
}

func (s *PipelineSuite) TestDeferredCertificateIsPushedOnlyOnceIssued() {
	s.withEvaluator()
	available := s.now.Add(7 * 24 * time.Hour)
	s.putCourse(catalog.CourseView{Key: courseB, CertificateAvailableDate: &available, DisplayBehavior: catalog.DisplayEndWithDate})

	s.grade(courseA, 0.82)
	s.grade(courseB, 0.82)
	s.settleAll()

	deferred, err := s.certs.Get(context.Background(), s.learner.ID, courseB)
	s.Require().NoError(err)
	s.Equal(cmodels.StatusGenerating, deferred.Status)
	s.Len(s.server.acceptedFor(string(courseA)), 1)
	s.Zero(s.server.callsFor(string(courseB)), "no course POST while deferred")
	s.Zero(s.server.callsFor(s.program.UUID.String()), "deferred member does not complete the program")

	s.now = available
	s.settleAll()

	issued, err := s.certs.Get(context.Background(), s.learner.ID, courseB)
	s.Require().NoError(err)
	s.Equal(cmodels.StatusDownloadable, issued.Status)
	s.Equal(1, s.server.callsFor(string(courseB)))
	s.Len(s.server.acceptedFor(s.program.UUID.String()), 1)
	s.Len(s.server.acceptedFor(string(courseA)), 1)
}

func (s *PipelineSuite) TestProgramRateLimitThenSuccess() {
	s.server.script[s.program.UUID.String()] = []int{http.StatusTooManyRequests}
	s.award(courseA, cmodels.ModeVerified)
	s.award(courseB, cmodels.ModeVerified)
	s.settleAll()

	d := s.delivery(models.KindProgramCredential, s.program.UUID.String())
	s.Equal(models.OutcomePending, d.Outcome)
	s.Equal(1, d.Attempts)
	s.False(d.Terminal)
	s.Require().NotNil(d.NextAttemptAt)
	s.Equal(s.now.Add(60*time.Second), *d.NextAttemptAt)

	s.now = s.now.Add(60 * time.Second)
	s.settleAll()

	d = s.delivery(models.KindProgramCredential, s.program.UUID.String())
	s.Equal(models.OutcomeDelivered, d.Outcome)
	s.Equal(2, d.Attempts)
	s.True(d.Terminal)
	s.Equal(2, s.server.callsFor(s.program.UUID.String()))
	s.Len(s.server.acceptedFor(s.program.UUID.String()), 1)
}

func (s *PipelineSuite) TestRateLimitAtBudgetExhaustsFailedSiblings() {
	s.settings.RetryMax = 1
	second := catalog.ProgramView{
		UUID:       id.ProgramUUID(uuid.MustParse("22222222-2222-2222-2222-222222222222")),
		CourseKeys: []id.CourseKey{courseC},
	}
	s.putProgram(second)
	s.server.script[s.program.UUID.String()] = []int{http.StatusBadGateway, http.StatusBadGateway}
	s.server.script[second.UUID.String()] = []int{http.StatusTooManyRequests, http.StatusTooManyRequests}

	s.award(courseA, cmodels.ModeVerified)
	s.award(courseB, cmodels.ModeVerified)
	s.award(courseC, cmodels.ModeVerified)
	s.settleAll()
	s.now = s.now.Add(60 * time.Second)
	s.settleAll()

	for _, subject := range []string{s.program.UUID.String(), second.UUID.String()} {
		d := s.delivery(models.KindProgramCredential, subject)
		s.Equal(models.OutcomeFailed, d.Outcome, subject)
		s.True(d.Terminal, subject)
		s.Nil(d.NextAttemptAt, subject)
		s.Equal(2, d.Attempts, subject)
		s.Contains(d.LastError, "max retries exceeded", subject)
	}

	s.now = s.now.Add(time.Hour)
	s.settleAll()
	s.Equal(2, s.server.callsFor(s.program.UUID.String()))
	s.Equal(2, s.server.callsFor(second.UUID.String()))
}

// failedSaveStore refuses to record failed deliveries.
type failedSaveStore struct {
	awarding.DeliveryStore
}

func (f failedSaveStore) Save(ctx context.Context, d models.Delivery) (models.Delivery, error) {
	if d.Outcome == models.OutcomeFailed {
		return models.Delivery{}, errors.New("disk full")
	}
	return f.DeliveryStore.Save(ctx, d)
}

func (s *PipelineSuite) TestRejectedProgramSaveFailureIsLogged() {
	var logs bytes.Buffer
	pipeline, err := awarding.New(failedSaveStore{s.deliveries}, s.certs, s.learners, s.catalog, s.client, s.runner,
		awarding.WithLogger(logger.NewWithWriter(&logs, "debug", "json")),
		awarding.WithSettings(func() awarding.Settings { return s.settings }),
	)
	s.Require().NoError(err)
	s.server.script[s.program.UUID.String()] = []int{http.StatusBadRequest}
	s.award(courseA, cmodels.ModeVerified)
	s.award(courseB, cmodels.ModeVerified)

	s.Require().NoError(pipeline.AwardPrograms(s.ctx(), s.learner.ID))
	s.Contains(logs.String(), "failed to record rejected program credential")
	s.Contains(logs.String(), "disk full")
}
