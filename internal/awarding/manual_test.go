package awarding_test

import (
	"net/http"

	"accredit/internal/awarding/models"
	cmodels "accredit/internal/certificates/models"
	"accredit/pkg/platform/sentinel"
)

func (s *PipelineSuite) TestAwardCourseRunsInline() {
	s.award(courseC, cmodels.ModeVerified)

	s.Require().NoError(s.pipeline.AwardCourse(s.ctx(), s.learner.ID, courseC))
	s.Len(s.server.acceptedFor(string(courseC)), 1)
	s.Equal(models.OutcomeDelivered, s.delivery(models.KindCourseCredential, string(courseC)).Outcome)

	err := s.pipeline.AwardCourse(s.ctx(), s.learner.ID, courseA)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PipelineSuite) TestAwardProgramsRunsInline() {
	s.award(courseA, cmodels.ModeVerified)
	s.award(courseB, cmodels.ModeVerified)

	s.Require().NoError(s.pipeline.AwardPrograms(s.ctx(), s.learner.ID))
	s.Len(s.server.acceptedFor(s.program.UUID.String()), 1)
	s.Zero(s.server.callsFor(string(courseA)), "course credentials are not part of the program fan-out")
}

func (s *PipelineSuite) TestUndeliveredListsFailures() {
	s.server.script[s.program.UUID.String()] = []int{http.StatusInternalServerError}
	s.award(courseA, cmodels.ModeVerified)
	s.award(courseB, cmodels.ModeVerified)

	s.Error(s.pipeline.AwardPrograms(s.ctx(), s.learner.ID))

	failed, err := s.pipeline.Undelivered(s.ctx(), s.learner.ID)
	s.Require().NoError(err)
	s.Require().Len(failed, 1)
	s.Equal(s.program.UUID.String(), failed[0].Subject)

	s.Require().NoError(s.pipeline.AwardPrograms(s.ctx(), s.learner.ID))
	failed, err = s.pipeline.Undelivered(s.ctx(), s.learner.ID)
	s.Require().NoError(err)
	s.Empty(failed)
}
