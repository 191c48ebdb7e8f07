// Package service turns grade and verification changes into certificate
// state changes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"accredit/internal/catalog"
	"accredit/internal/certificates/models"
	"accredit/internal/eligibility"
	"accredit/internal/events"
	"accredit/internal/grades"
	"accredit/internal/tasks"
	vmodels "accredit/internal/verification/models"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
	"accredit/pkg/platform/sentinel"
	"accredit/pkg/requestcontext"
)

// TaskReevaluate re-runs the decision for one learner and course.
const TaskReevaluate = "certificates.reevaluate"

const maxStaleRetries = 3

type CertificateStore interface {
	Get(ctx context.Context, learner id.LearnerID, course id.CourseKey) (models.Certificate, error)
	Create(ctx context.Context, c models.Certificate) (models.Certificate, error)
	ApplyTransition(ctx context.Context, c models.Certificate, t models.Transition) (models.Certificate, error)
	ListPassingForLearner(ctx context.Context, learner id.LearnerID) ([]models.Certificate, error)
}

type GradeStore interface {
	Put(ctx context.Context, g grades.Grade) (bool, error)
	Get(ctx context.Context, learner id.LearnerID, course id.CourseKey) (grades.Grade, error)
	ListForLearner(ctx context.Context, learner id.LearnerID) ([]grades.Grade, error)
}

// VerificationReader returns the learner's newest attempt, or a not_found
// domain error when there is none.
type VerificationReader interface {
	GetLatest(ctx context.Context, learner id.LearnerID) (vmodels.Attempt, error)
}

type Scheduler interface {
	Enqueue(ctx context.Context, name, key string, payload any, runAt time.Time) (tasks.Task, error)
}

type Evaluator struct {
	certs        CertificateStore
	grades       GradeStore
	verification VerificationReader
	catalog      catalog.Reader
	scheduler    Scheduler
	policy       func() eligibility.Policy
	timeout      time.Duration
	logger       *slog.Logger
	metrics      *Metrics
}

type Option func(*Evaluator)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(e *Evaluator) { e.metrics = m }
}

// WithPolicy supplies the feature flags read for every decision.
func WithPolicy(policy func() eligibility.Policy) Option {
	return func(e *Evaluator) { e.policy = policy }
}

// WithTimeout bounds the gathering of decision inputs.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func New(certs CertificateStore, gradeStore GradeStore, verification VerificationReader, cat catalog.Reader, scheduler Scheduler, opts ...Option) (*Evaluator, error) {
	if certs == nil || gradeStore == nil || verification == nil || cat == nil || scheduler == nil {
		return nil, errors.New("evaluator requires certificate, grade, verification, catalog and scheduler dependencies")
	}
	e := &Evaluator{
		certs:        certs,
		grades:       gradeStore,
		verification: verification,
		catalog:      cat,
		scheduler:    scheduler,
		policy: func() eligibility.Policy {
			return eligibility.Policy{AutoCertGenEnabled: true, HTMLCertsEnabled: true}
		},
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Subscribe wires the evaluator to the bus. Grade changes are evaluated
// inline; verification changes only schedule re-evaluation tasks so that the
// relay is never blocked by one learner.
func (e *Evaluator) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TypeGradeChanged, "certificates.evaluate_grade", e.HandleGradeChanged)
	bus.Subscribe(events.TypeVerificationChanged, "certificates.schedule_reevaluation", e.HandleVerificationChanged)
}

// RegisterTasks binds the re-evaluation task to r.
func (e *Evaluator) RegisterTasks(r interface {
	Register(name string, h tasks.Handler)
}) {
	r.Register(TaskReevaluate, e.runReevaluate)
}

type reevaluatePayload struct {
	Learner id.LearnerID `json:"learner_id"`
	Course  id.CourseKey `json:"course_key"`
}

func taskKey(learner id.LearnerID, course id.CourseKey) string {
	return learner.String() + "|" + string(course)
}

func (e *Evaluator) runReevaluate(ctx context.Context, t tasks.Task) error {
	var p reevaluatePayload
	if err := t.Decode(&p); err != nil {
		return tasks.Permanent(err)
	}
	_, err := e.Evaluate(ctx, p.Learner, p.Course, false)
	return err
}

func (e *Evaluator) HandleGradeChanged(ctx context.Context, ev events.Event) error {
	if ev.Grade == nil {
		return nil
	}
	g := grades.Grade{
		LearnerID: ev.Learner,
		CourseKey: ev.Course,
		Percent:   ev.Grade.Percent,
		Passing:   ev.Grade.Passing,
		Mode:      models.Mode(ev.Grade.Mode),
		GradedAt:  ev.OccurredAt,
	}
	if err := g.Validate(); err != nil {
		e.logger.WarnContext(ctx, "ignoring invalid grade event",
			"event_id", ev.ID,
			"learner_id", ev.Learner.String(),
			"course_key", string(ev.Course),
			"error", err,
		)
		return nil
	}
	stored, err := e.grades.Put(ctx, g)
	if err != nil {
		return fmt.Errorf("record grade: %w", err)
	}
	if !stored && !ev.Grade.Rerun {
		e.logger.InfoContext(ctx, "stale grade event ignored",
			"learner_id", ev.Learner.String(),
			"course_key", string(ev.Course),
		)
		return nil
	}
	_, err = e.Evaluate(ctx, ev.Learner, ev.Course, ev.Grade.Rerun)
	if dErrors.HasCode(err, dErrors.CodeInvariantViolation) || dErrors.HasCode(err, dErrors.CodeNotFound) {
		// Logged by Evaluate; redelivery cannot fix it.
		return nil
	}
	return err
}

func (e *Evaluator) HandleVerificationChanged(ctx context.Context, ev events.Event) error {
	graded, err := e.grades.ListForLearner(ctx, ev.Learner)
	if err != nil {
		return fmt.Errorf("list grades: %w", err)
	}
	now := requestcontext.Now(ctx)
	var errs []error
	for _, g := range graded {
		if !g.Mode.RequiresVerification() {
			continue
		}
		if _, err := e.scheduler.Enqueue(ctx, TaskReevaluate, taskKey(g.LearnerID, g.CourseKey),
			reevaluatePayload{Learner: g.LearnerID, Course: g.CourseKey}, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Outcome reports what one evaluation did.
type Outcome struct {
	Decision    eligibility.Decision
	Certificate *models.Certificate
}

type inputs struct {
	cert         *models.Certificate
	attempt      *vmodels.Attempt
	course       catalog.CourseView
	grade        grades.Grade
	gradeMissing bool
}

func (e *Evaluator) gather(ctx context.Context, learner id.LearnerID, course id.CourseKey) (inputs, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var in inputs
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := e.certs.Get(gctx, learner, course)
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load certificate: %w", err)
		}
		in.cert = &c
		return nil
	})
	g.Go(func() error {
		a, err := e.verification.GetLatest(gctx, learner)
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load verification: %w", err)
		}
		in.attempt = &a
		return nil
	})
	g.Go(func() error {
		c, err := e.catalog.GetCourse(gctx, course)
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "unknown course "+string(course))
		}
		if err != nil {
			return fmt.Errorf("load course: %w", err)
		}
		in.course = c
		return nil
	})
	g.Go(func() error {
		gr, err := e.grades.Get(gctx, learner, course)
		if errors.Is(err, sentinel.ErrNotFound) {
			in.gradeMissing = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("load grade: %w", err)
		}
		in.grade = gr
		return nil
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return inputs{}, dErrors.Wrap(err, dErrors.CodeTimeout, "timed out gathering certificate inputs")
		}
		return inputs{}, err
	}
	return in, nil
}

// Evaluate decides and applies the certificate outcome for one learner and
// course. A concurrent write is retried with fresh inputs.
func (e *Evaluator) Evaluate(ctx context.Context, learner id.LearnerID, course id.CourseKey, rerun bool) (Outcome, error) {
	var lastErr error
	for range maxStaleRetries {
		out, err := e.evaluateOnce(ctx, learner, course, rerun)
		if !errors.Is(err, sentinel.ErrStale) && !errors.Is(err, sentinel.ErrConflict) {
			return out, err
		}
		lastErr = err
	}
	return Outcome{}, dErrors.Wrap(lastErr, dErrors.CodeConflict, "certificate kept changing during evaluation")
}

func (e *Evaluator) evaluateOnce(ctx context.Context, learner id.LearnerID, course id.CourseKey, rerun bool) (Outcome, error) {
	now := requestcontext.Now(ctx)
	in, err := e.gather(ctx, learner, course)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to gather certificate inputs",
			"learner_id", learner.String(),
			"course_key", string(course),
			"error", err,
		)
		return Outcome{}, err
	}
	if in.gradeMissing {
		return Outcome{Decision: eligibility.NoChange{Reason: "no grade recorded"}, Certificate: in.cert}, nil
	}

	input := eligibility.Input{
		Learner:     learner,
		Course:      in.course,
		Certificate: in.cert,
		Grade: eligibility.GradeSnapshot{
			Percent: in.grade.Percent,
			Passing: in.grade.Passing,
			Mode:    in.grade.Mode,
		},
		Policy: e.policy(),
		Now:    now,
		Rerun:  rerun,
	}
	if in.attempt != nil {
		input.Verification = eligibility.VerificationSnapshot{Status: string(in.attempt.Status), ExpiresAt: in.attempt.ExpiresAt}
	}

	decision := eligibility.Decide(input)
	e.metrics.IncDecision(decisionName(decision))

	cert, err := e.apply(ctx, input, in.attempt, decision)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
			e.logger.ErrorContext(ctx, "certificate invariant violation",
				"critical", true,
				"learner_id", learner.String(),
				"course_key", string(course),
				"decision", decisionName(decision),
				"error", err,
			)
		}
		return Outcome{Decision: decision}, err
	}
	return Outcome{Decision: decision, Certificate: cert}, nil
}

func (e *Evaluator) apply(ctx context.Context, in eligibility.Input, attempt *vmodels.Attempt, d eligibility.Decision) (*models.Certificate, error) {
	switch v := d.(type) {
	case eligibility.IssueOrUpdate:
		return e.write(ctx, in, attempt, models.Transition{
			To: v.Status, Grade: v.Grade, Mode: v.Mode, Upgrade: v.Upgrade, At: in.Now,
		})

	case eligibility.DeferUntil:
		to := models.StatusGenerating
		if in.Certificate != nil && in.Certificate.Status == models.StatusDownloadable {
			to = models.StatusRegenerating
		}
		cert, err := e.write(ctx, in, attempt, models.Transition{To: to, Grade: v.Grade, Mode: v.Mode, At: in.Now})
		if err != nil {
			return nil, err
		}
		return cert, e.schedule(ctx, in.Learner, in.Course.Key, v.At)

	case eligibility.NoChange:
		if v.RecheckAt != nil {
			if err := e.schedule(ctx, in.Learner, in.Course.Key, *v.RecheckAt); err != nil {
				return nil, err
			}
		}
		return in.Certificate, nil

	case eligibility.Hide:
		e.logger.InfoContext(ctx, "certificate outcome hidden",
			"learner_id", in.Learner.String(),
			"course_key", string(in.Course.Key),
			"reason", v.Reason,
		)
		return in.Certificate, nil

	case eligibility.Revoke:
		return e.revoke(ctx, in.Certificate, v.Reason, in.Now)
	}
	return nil, dErrors.New(dErrors.CodeInternal, fmt.Sprintf("unhandled decision %T", d))
}

func (e *Evaluator) write(ctx context.Context, in eligibility.Input, attempt *vmodels.Attempt, t models.Transition) (*models.Certificate, error) {
	var verificationID *id.VerificationID
	if attempt != nil && t.Mode.RequiresVerification() {
		v := attempt.ID
		verificationID = &v
	}

	if in.Certificate == nil {
		c := models.Certificate{
			LearnerID:      in.Learner,
			CourseKey:      in.Course.Key,
			UUID:           uuid.New(),
			Mode:           t.Mode,
			Status:         t.To,
			Grade:          t.Grade,
			VerificationID: verificationID,
			CreatedAt:      in.Now,
			ModifiedAt:     in.Now,
		}
		c.DownloadURL = e.downloadURL(c.UUID)
		created, err := e.certs.Create(ctx, c)
		if err != nil {
			return nil, err
		}
		e.logger.InfoContext(ctx, "certificate created",
			"learner_id", in.Learner.String(),
			"course_key", string(in.Course.Key),
			"status", created.Status,
			"mode", created.Mode,
		)
		return &created, nil
	}

	t.VerificationID = verificationID
	if in.Certificate.DownloadURL == "" {
		url := e.downloadURL(in.Certificate.UUID)
		t.DownloadURL = &url
	}
	updated, err := e.certs.ApplyTransition(ctx, *in.Certificate, t)
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "certificate updated",
		"learner_id", in.Learner.String(),
		"course_key", string(in.Course.Key),
		"from", in.Certificate.Status,
		"to", updated.Status,
		"version", updated.Version,
	)
	return &updated, nil
}

func (e *Evaluator) downloadURL(certUUID uuid.UUID) string {
	if e.policy().HTMLCertsEnabled {
		return "/certificates/" + certUUID.String()
	}
	return "/downloads/" + certUUID.String() + "/Certificate.pdf"
}

func (e *Evaluator) schedule(ctx context.Context, learner id.LearnerID, course id.CourseKey, at time.Time) error {
	_, err := e.scheduler.Enqueue(ctx, TaskReevaluate, taskKey(learner, course),
		reevaluatePayload{Learner: learner, Course: course}, at)
	if err != nil {
		return fmt.Errorf("schedule re-evaluation: %w", err)
	}
	return nil
}

func (e *Evaluator) revoke(ctx context.Context, cert *models.Certificate, reason string, now time.Time) (*models.Certificate, error) {
	updated, err := e.certs.ApplyTransition(ctx, *cert, models.Transition{
		To:         models.StatusUnavailable,
		Revocation: true,
		Reason:     reason,
		At:         now,
	})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "certificate revoked",
		"learner_id", cert.LearnerID.String(),
		"course_key", string(cert.CourseKey),
		"from", cert.Status,
		"reason", reason,
	)
	return &updated, nil
}

// Revoke invalidates the learner's certificate for course.
func (e *Evaluator) Revoke(ctx context.Context, learner id.LearnerID, course id.CourseKey, reason string) (Outcome, error) {
	now := requestcontext.Now(ctx)
	for range maxStaleRetries {
		c, err := e.certs.Get(ctx, learner, course)
		if errors.Is(err, sentinel.ErrNotFound) {
			return Outcome{Decision: eligibility.DecideRevocation(nil, reason)}, nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("load certificate: %w", err)
		}
		d := eligibility.DecideRevocation(&c, reason)
		e.metrics.IncDecision(decisionName(d))
		if _, ok := d.(eligibility.Revoke); !ok {
			return Outcome{Decision: d, Certificate: &c}, nil
		}
		updated, err := e.revoke(ctx, &c, reason, now)
		if errors.Is(err, sentinel.ErrStale) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Decision: d, Certificate: updated}, nil
	}
	return Outcome{}, dErrors.New(dErrors.CodeConflict, "certificate kept changing during revocation")
}

// RevokeAllPassing revokes every passing certificate of the learner. It
// returns the number revoked.
func (e *Evaluator) RevokeAllPassing(ctx context.Context, learner id.LearnerID, reason string) (int, error) {
	passing, err := e.certs.ListPassingForLearner(ctx, learner)
	if err != nil {
		return 0, fmt.Errorf("list passing certificates: %w", err)
	}
	revoked := 0
	var errs []error
	for _, c := range passing {
		out, err := e.Revoke(ctx, learner, c.CourseKey, reason)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.CourseKey, err))
			continue
		}
		if _, ok := out.Decision.(eligibility.Revoke); ok {
			revoked++
		}
	}
	return revoked, errors.Join(errs...)
}

func decisionName(d eligibility.Decision) string {
	switch d.(type) {
	case eligibility.IssueOrUpdate:
		return "issue_or_update"
	case eligibility.Hide:
		return "hide"
	case eligibility.DeferUntil:
		return "defer"
	case eligibility.Revoke:
		return "revoke"
	case eligibility.NoChange:
		return "no_change"
	}
	return "unknown"
}
