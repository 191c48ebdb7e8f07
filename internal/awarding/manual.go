package awarding

import (
	"context"
	"fmt"

	"accredit/internal/awarding/models"
	"accredit/internal/tasks"
	id "accredit/pkg/domain"
	"accredit/pkg/requestcontext"
)

// AwardPrograms runs the program fan-out for learner inline, outside the
// task queue. A retryable failure is returned instead of rescheduled.
func (p *Pipeline) AwardPrograms(ctx context.Context, learner id.LearnerID) error {
	now := requestcontext.Now(ctx)
	t, err := tasks.New(TaskProgramCredentials, programsKey(learner), programsPayload{Learner: learner}, now, now)
	if err != nil {
		return err
	}
	return p.runProgramCredentials(ctx, t)
}

// AwardCourse pushes the course credential of learner for course inline.
func (p *Pipeline) AwardCourse(ctx context.Context, learner id.LearnerID, course id.CourseKey) error {
	cert, err := p.certs.Get(ctx, learner, course)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	now := requestcontext.Now(ctx)
	t, err := tasks.New(TaskCourseCredential, courseKey(learner, course),
		coursePayload{Learner: learner, Course: course, Version: cert.Version}, now, now)
	if err != nil {
		return err
	}
	return p.runCourseCredential(ctx, t)
}

// Undelivered lists the learner's deliveries that are waiting for a retry
// or have failed for good.
func (p *Pipeline) Undelivered(ctx context.Context, learner id.LearnerID) ([]models.Delivery, error) {
	all, err := p.deliveries.ListForLearner(ctx, learner)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	var out []models.Delivery
	for _, d := range all {
		if d.Outcome == models.OutcomeFailed || (d.Outcome == models.OutcomePending && d.LastError != "") {
			out = append(out, d)
		}
	}
	return out, nil
}
