package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"accredit/internal/catalog"
	catalogstore "accredit/internal/catalog/store"
	"accredit/internal/certificates/models"
	certstore "accredit/internal/certificates/store"
	"accredit/internal/eligibility"
	"accredit/internal/events"
	gradestore "accredit/internal/grades/store"
	"accredit/internal/platform/logger"
	"accredit/internal/tasks"
	taskstore "accredit/internal/tasks/store"
	vmodels "accredit/internal/verification/models"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
	outboxmem "accredit/pkg/platform/outbox/memory"
	"accredit/pkg/requestcontext"
)

const course id.CourseKey = "course-v1:HarvardX+CS50+2026_T1"

type stubVerification struct {
	mu       sync.Mutex
	attempts map[id.LearnerID]vmodels.Attempt
}

func (v *stubVerification) set(a vmodels.Attempt) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attempts[a.LearnerID] = a
}

func (v *stubVerification) GetLatest(_ context.Context, learner id.LearnerID) (vmodels.Attempt, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a, ok := v.attempts[learner]
	if !ok {
		return vmodels.Attempt{}, dErrors.New(dErrors.CodeNotFound, "no verification attempts")
	}
	return a, nil
}

type EvaluatorSuite struct {
	suite.Suite
	now          time.Time
	outbox       *outboxmem.Store
	certs        *certstore.InMemory
	grades       *gradestore.InMemory
	catalog      *catalogstore.InMemory
	verification *stubVerification
	taskStore    *taskstore.InMemory
	runner       *tasks.Runner
	policy       eligibility.Policy
	evaluator    *Evaluator
	learner      id.LearnerID
}

func TestEvaluatorSuite(t *testing.T) {
	suite.Run(t, new(EvaluatorSuite))
}

func (s *EvaluatorSuite) SetupTest() {
	s.now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.outbox = outboxmem.New()
	s.certs = certstore.NewInMemory(s.outbox)
	s.grades = gradestore.NewInMemory()
	s.catalog = catalogstore.NewInMemory()
	s.verification = &stubVerification{attempts: make(map[id.LearnerID]vmodels.Attempt)}
	s.taskStore = taskstore.NewInMemory()
	s.policy = eligibility.Policy{AutoCertGenEnabled: true, HTMLCertsEnabled: true}

	runner, err := tasks.NewRunner(s.taskStore, tasks.WithLogger(logger.Discard()), tasks.WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)
	s.runner = runner

	ev, err := New(s.certs, s.grades, s.verification, s.catalog, runner,
		WithLogger(logger.Discard()),
		WithPolicy(func() eligibility.Policy { return s.policy }),
	)
	s.Require().NoError(err)
	ev.RegisterTasks(runner)
	s.evaluator = ev
	s.learner = id.LearnerID(uuid.New())

	ended := s.now.Add(-24 * time.Hour)
	s.putCourse(catalog.CourseView{Key: course, End: &ended, DisplayBehavior: catalog.DisplayEarlyWithInfo})
}

func (s *EvaluatorSuite) putCourse(c catalog.CourseView) {
	s.Require().NoError(s.catalog.PutCourse(context.Background(), c))
}

func (s *EvaluatorSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func (s *EvaluatorSuite) grade(percent float64, passing bool, mode models.Mode) error {
	return s.evaluator.HandleGradeChanged(s.ctx(), events.NewGradeChanged(s.learner, course, events.Grade{
		Percent: &percent, Passing: passing, Mode: string(mode),
	}, s.now))
}

func (s *EvaluatorSuite) cert() models.Certificate {
	c, err := s.certs.Get(context.Background(), s.learner, course)
	s.Require().NoError(err)
	return c
}

func (s *EvaluatorSuite) eventTypes() []events.Type {
	var out []events.Type
	for _, entry := range s.outbox.All() {
		out = append(out, events.Type(entry.EventType))
	}
	return out
}

func (s *EvaluatorSuite) approve() {
	exp := s.now.Add(365 * 24 * time.Hour)
	s.verification.set(vmodels.Attempt{
		ID: id.VerificationID(uuid.New()), LearnerID: s.learner, Status: vmodels.StatusApproved, ExpiresAt: &exp,
	})
}

func (s *EvaluatorSuite) TestPassingHonorIssuesDownloadable() {
	s.Require().NoError(s.grade(0.8, true, models.ModeHonor))

	c := s.cert()
	s.Equal(models.StatusDownloadable, c.Status)
	s.Equal("/certificates/"+c.UUID.String(), c.DownloadURL)
	s.Nil(c.VerificationID)
	s.Equal([]events.Type{events.TypeCertCreated, events.TypeCertAwarded}, s.eventTypes())
}

func (s *EvaluatorSuite) TestPDFURLWhenHTMLCertsDisabled() {
	s.policy.HTMLCertsEnabled = false
	s.Require().NoError(s.grade(0.8, true, models.ModeHonor))
	c := s.cert()
	s.Equal("/downloads/"+c.UUID.String()+"/Certificate.pdf", c.DownloadURL)
}

func (s *EvaluatorSuite) TestVerificationApprovalPromotesUnverified() {
	s.Require().NoError(s.grade(0.9, true, models.ModeVerified))
	s.Equal(models.StatusUnverified, s.cert().Status)

	s.approve()
	s.Require().NoError(s.evaluator.HandleVerificationChanged(s.ctx(), events.NewVerificationChanged(s.learner, events.Verification{Status: "approved"}, s.now)))
	n, err := s.runner.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n)

	c := s.cert()
	s.Equal(models.StatusDownloadable, c.Status)
	s.NotNil(c.VerificationID)
	s.Equal([]events.Type{
		events.TypeCertCreated,
		events.TypeCertChanged, // unverified -> generating
		events.TypeCertAwarded,
		events.TypeCertChanged, // generating -> downloadable
	}, s.eventTypes())
}

func (s *EvaluatorSuite) TestDeferredCertificateIsIssuedAtCourseEnd() {
	end := s.now.Add(48 * time.Hour)
	s.putCourse(catalog.CourseView{Key: course, End: &end, DisplayBehavior: catalog.DisplayEnd})

	s.Require().NoError(s.grade(0.75, true, models.ModeHonor))
	s.Equal(models.StatusGenerating, s.cert().Status)

	_, err := s.runner.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(models.StatusGenerating, s.cert().Status, "not before course end")

	s.Require().NoError(s.grade(0.8, true, models.ModeHonor))
	s.Equal(models.StatusGenerating, s.cert().Status, "still deferred")

	s.now = end
	n, err := s.runner.Drain(context.Background())
	s.Require().NoError(err)
	s.Equal(1, n, "repeat deferrals coalesce into one task")
	s.Equal(models.StatusDownloadable, s.cert().Status)
}

func (s *EvaluatorSuite) TestDownloadableNeverRegresses() {
	s.Require().NoError(s.grade(0.8, true, models.ModeHonor))
	before := s.cert()

	s.now = s.now.Add(time.Hour)
	s.Require().NoError(s.grade(0.2, false, models.ModeHonor))
	s.Equal(before, s.cert())
}

func (s *EvaluatorSuite) TestRepeatedGradeIsAFixpoint() {
	s.Require().NoError(s.grade(0.8, true, models.ModeHonor))
	count := len(s.outbox.All())

	out, err := s.evaluator.Evaluate(s.ctx(), s.learner, course, false)
	s.Require().NoError(err)
	s.IsType(eligibility.NoChange{}, out.Decision)
	s.Len(s.outbox.All(), count)
}

func (s *EvaluatorSuite) TestAutoGenerationDisabled() {
	s.policy.AutoCertGenEnabled = false
	s.Require().NoError(s.grade(0.8, true, models.ModeHonor))
	_, err := s.certs.Get(context.Background(), s.learner, course)
	s.Error(err)
}

func (s *EvaluatorSuite) TestEarlyNoInfoHidesFailure() {
	s.putCourse(catalog.CourseView{Key: course, DisplayBehavior: catalog.DisplayEarlyNoInfo})
	s.Require().NoError(s.grade(0.1, false, models.ModeHonor))
	_, err := s.certs.Get(context.Background(), s.learner, course)
	s.Error(err, "hidden outcome writes nothing")
}

func (s *EvaluatorSuite) TestStaleGradeIsIgnored() {
	s.Require().NoError(s.grade(0.8, true, models.ModeHonor))
	old := 0.1
	err := s.evaluator.HandleGradeChanged(s.ctx(), events.NewGradeChanged(s.learner, course, events.Grade{
		Percent: &old, Mode: string(models.ModeHonor),
	}, s.now.Add(-time.Hour)))
	s.Require().NoError(err)
	s.Equal(0.8, *s.cert().Grade)
}

func (s *EvaluatorSuite) TestUnknownCourse() {
	_, err := s.evaluator.Evaluate(s.ctx(), s.learner, "course-v1:Nope+X+Y", false)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	pct := 0.9
	err = s.evaluator.HandleGradeChanged(s.ctx(), events.NewGradeChanged(s.learner, "course-v1:Nope+X+Y", events.Grade{
		Percent: &pct, Passing: true, Mode: string(models.ModeHonor),
	}, s.now))
	s.NoError(err, "unknown course is logged, not redelivered")
}

func (s *EvaluatorSuite) TestRevocation() {
	s.Require().NoError(s.grade(0.8, true, models.ModeVerified))
	s.approve()
	_, err := s.evaluator.Evaluate(s.ctx(), s.learner, course, false)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusDownloadable, s.cert().Status)

	n, err := s.evaluator.RevokeAllPassing(s.ctx(), s.learner, "learner retired")
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(models.StatusUnavailable, s.cert().Status)
	types := s.eventTypes()
	s.Equal(events.TypeCertRevoked, types[len(types)-1])

	out, err := s.evaluator.Revoke(s.ctx(), s.learner, course, "again")
	s.Require().NoError(err)
	s.IsType(eligibility.NoChange{}, out.Decision)
}
