// Package awarding pushes course and program credentials to the
// credentials service when certificates are awarded or revoked.
//
// Every push runs as a task on the durable queue. Course pushes and
// revocations are keyed by learner and course, program fan-out by learner,
// so the runner never delivers two payloads for the same subject at once.
// Handlers read the current certificate when they run: the latest status
// wins over whatever status triggered the task.
package awarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"accredit/internal/awarding/credentials"
	"accredit/internal/awarding/models"
	"accredit/internal/catalog"
	cmodels "accredit/internal/certificates/models"
	"accredit/internal/events"
	"accredit/internal/learners"
	"accredit/internal/tasks"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
	"accredit/pkg/platform/sentinel"
	"accredit/pkg/requestcontext"
)

const (
	TaskCourseCredential   = "awarding.course_credential"
	TaskProgramCredentials = "awarding.program_credentials"
	TaskRevokeCourse       = "awarding.revoke_course_credential"
)

// rateLimitDelay is the fixed countdown after a 429.
const rateLimitDelay = 60 * time.Second

type DeliveryStore interface {
	Get(ctx context.Context, learner id.LearnerID, kind models.Kind, subject string) (models.Delivery, error)
	Save(ctx context.Context, d models.Delivery) (models.Delivery, error)
	ListDelivered(ctx context.Context, learner id.LearnerID, kind models.Kind) ([]models.Delivery, error)
	ListForLearner(ctx context.Context, learner id.LearnerID) ([]models.Delivery, error)
}

type CertificateReader interface {
	Get(ctx context.Context, learner id.LearnerID, course id.CourseKey) (cmodels.Certificate, error)
	ListPassingForLearner(ctx context.Context, learner id.LearnerID) ([]cmodels.Certificate, error)
	ListModified(ctx context.Context, f cmodels.Filter) ([]cmodels.Certificate, error)
}

type LearnerDirectory interface {
	Get(ctx context.Context, learner id.LearnerID) (learners.Learner, error)
}

// CredentialsAPI is the downstream credentials service.
type CredentialsAPI interface {
	AwardedPrograms(ctx context.Context, username string) ([]id.ProgramUUID, error)
	Post(ctx context.Context, cred credentials.Credential) (int, error)
}

type Scheduler interface {
	Enqueue(ctx context.Context, name, key string, payload any, runAt time.Time) (tasks.Task, error)
}

// Settings is the slice of configuration read on every delivery.
type Settings struct {
	Enabled                     bool
	RetryMax                    int
	ProgramsWithoutCertificates []string
}

// skipsAllPrograms reports the "all" switch that turns program fan-out off.
func (s Settings) skipsAllPrograms() bool {
	return len(s.ProgramsWithoutCertificates) > 0 && strings.EqualFold(s.ProgramsWithoutCertificates[0], "all")
}

type Pipeline struct {
	deliveries DeliveryStore
	certs      CertificateReader
	learners   LearnerDirectory
	catalog    catalog.Reader
	api        CredentialsAPI
	scheduler  Scheduler
	settings   func() Settings
	logger     *slog.Logger
	metrics    *Metrics
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSettings supplies the configuration snapshot read per delivery.
func WithSettings(settings func() Settings) Option {
	return func(p *Pipeline) { p.settings = settings }
}

func New(deliveries DeliveryStore, certs CertificateReader, directory LearnerDirectory, cat catalog.Reader, api CredentialsAPI, scheduler Scheduler, opts ...Option) (*Pipeline, error) {
	if deliveries == nil || certs == nil || directory == nil || cat == nil || api == nil || scheduler == nil {
		return nil, errors.New("awarding pipeline requires delivery, certificate, learner, catalog, credentials and scheduler dependencies")
	}
	p := &Pipeline{
		deliveries: deliveries,
		certs:      certs,
		learners:   directory,
		catalog:    cat,
		api:        api,
		scheduler:  scheduler,
		settings: func() Settings {
			return Settings{Enabled: true, RetryMax: 11}
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Subscribe schedules deliveries from certificate events.
func (p *Pipeline) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TypeCertAwarded, "awarding.schedule_award", p.HandleAwarded)
	bus.Subscribe(events.TypeCertChanged, "awarding.schedule_change", p.HandleChanged)
	bus.Subscribe(events.TypeCertRevoked, "awarding.schedule_revocation", p.HandleRevoked)
}

func (p *Pipeline) RegisterTasks(r interface {
	Register(name string, h tasks.Handler)
}) {
	r.Register(TaskCourseCredential, p.runCourseCredential)
	r.Register(TaskProgramCredentials, p.runProgramCredentials)
	r.Register(TaskRevokeCourse, p.runRevocation)
}

type coursePayload struct {
	Learner id.LearnerID `json:"learner_id"`
	Course  id.CourseKey `json:"course_key"`
	Version int64        `json:"version"`
}

type programsPayload struct {
	Learner id.LearnerID `json:"learner_id"`
}

func courseKey(learner id.LearnerID, course id.CourseKey) string {
	return learner.String() + "|" + string(course)
}

func programsKey(learner id.LearnerID) string {
	return learner.String() + "|programs"
}

func eligible(ev events.Event) bool {
	return ev.Certificate != nil && cmodels.Mode(ev.Certificate.Mode).IsCreditEligible()
}

// HandleAwarded schedules deliveries for a certificate entering the passing
// set. A generating certificate is still deferred; HandleChanged picks it up
// once it becomes downloadable.
func (p *Pipeline) HandleAwarded(ctx context.Context, ev events.Event) error {
	if !eligible(ev) || cmodels.Status(ev.Certificate.NewStatus) != cmodels.StatusDownloadable {
		return nil
	}
	return errors.Join(
		p.ScheduleCourse(ctx, ev.Learner, ev.Course, ev.Certificate.Version),
		p.SchedulePrograms(ctx, ev.Learner),
	)
}

// HandleChanged covers statuses reached inside the passing set, such as a
// generating certificate becoming downloadable.
func (p *Pipeline) HandleChanged(ctx context.Context, ev events.Event) error {
	if !eligible(ev) || cmodels.Status(ev.Certificate.NewStatus) != cmodels.StatusDownloadable {
		return nil
	}
	return errors.Join(
		p.ScheduleCourse(ctx, ev.Learner, ev.Course, ev.Certificate.Version),
		p.SchedulePrograms(ctx, ev.Learner),
	)
}

func (p *Pipeline) HandleRevoked(ctx context.Context, ev events.Event) error {
	if !eligible(ev) {
		return nil
	}
	_, err := p.scheduler.Enqueue(ctx, TaskRevokeCourse, courseKey(ev.Learner, ev.Course),
		coursePayload{Learner: ev.Learner, Course: ev.Course, Version: ev.Certificate.Version},
		requestcontext.Now(ctx))
	return err
}

// ScheduleCourse enqueues a course credential push for now.
func (p *Pipeline) ScheduleCourse(ctx context.Context, learner id.LearnerID, course id.CourseKey, version int64) error {
	_, err := p.scheduler.Enqueue(ctx, TaskCourseCredential, courseKey(learner, course),
		coursePayload{Learner: learner, Course: course, Version: version}, requestcontext.Now(ctx))
	return err
}

// SchedulePrograms enqueues a program fan-out for now.
func (p *Pipeline) SchedulePrograms(ctx context.Context, learner id.LearnerID) error {
	_, err := p.scheduler.Enqueue(ctx, TaskProgramCredentials, programsKey(learner),
		programsPayload{Learner: learner}, requestcontext.Now(ctx))
	return err
}

func (p *Pipeline) runCourseCredential(ctx context.Context, t tasks.Task) error {
	var pl coursePayload
	if err := t.Decode(&pl); err != nil {
		return tasks.Permanent(err)
	}
	cert, ok, err := p.currentCertificate(ctx, pl)
	if err != nil || !ok {
		return err
	}
	if cert.Status != cmodels.StatusDownloadable {
		p.logger.InfoContext(ctx, "certificate no longer downloadable, course credential not sent",
			"learner_id", pl.Learner.String(),
			"course_key", string(pl.Course),
			"status", string(cert.Status),
		)
		return nil
	}
	return p.pushCourse(ctx, t, cert, models.KindCourseCredential, credentials.StatusAwarded)
}

func (p *Pipeline) runRevocation(ctx context.Context, t tasks.Task) error {
	var pl coursePayload
	if err := t.Decode(&pl); err != nil {
		return tasks.Permanent(err)
	}
	cert, ok, err := p.currentCertificate(ctx, pl)
	if err != nil || !ok {
		return err
	}
	if cert.Status.IsPassing() {
		p.logger.InfoContext(ctx, "certificate passing again, revocation not sent",
			"learner_id", pl.Learner.String(),
			"course_key", string(pl.Course),
			"status", string(cert.Status),
		)
		return nil
	}
	return p.pushCourse(ctx, t, cert, models.KindRevocation, credentials.StatusRevoked)
}

// currentCertificate loads the certificate a course task refers to. ok is
// false when there is nothing to deliver.
func (p *Pipeline) currentCertificate(ctx context.Context, pl coursePayload) (cmodels.Certificate, bool, error) {
	cert, err := p.certs.Get(ctx, pl.Learner, pl.Course)
	if errors.Is(err, sentinel.ErrNotFound) {
		p.logger.WarnContext(ctx, "no certificate for course credential task",
			"learner_id", pl.Learner.String(),
			"course_key", string(pl.Course),
		)
		return cmodels.Certificate{}, false, nil
	}
	if err != nil {
		return cmodels.Certificate{}, false, fmt.Errorf("load certificate: %w", err)
	}
	if !cert.Mode.IsCreditEligible() {
		return cmodels.Certificate{}, false, nil
	}
	if cert.Version < pl.Version {
		// The read lags the event that scheduled us; try again shortly.
		return cmodels.Certificate{}, false, tasks.RetryAfter(sentinel.ErrStale, time.Second)
	}
	return cert, true, nil
}

func (p *Pipeline) pushCourse(ctx context.Context, t tasks.Task, cert cmodels.Certificate, kind models.Kind, status string) error {
	settings := p.settings()
	now := requestcontext.Now(ctx)
	subject := string(cert.CourseKey)

	record, err := p.record(ctx, cert.LearnerID, kind, subject, now)
	if err != nil {
		return err
	}
	if record.Outcome == models.OutcomeDelivered && cert.Version < record.Version {
		p.logger.InfoContext(ctx, "stale course credential task skipped",
			"learner_id", cert.LearnerID.String(),
			"course_key", subject,
			"version", cert.Version,
			"delivered_version", record.Version,
		)
		return nil
	}
	if !settings.Enabled {
		return p.retry(ctx, t, settings, &record, &DeliveryError{
			Class: ClassTransient, Kind: kind, Subject: subject,
			Err: dErrors.New(dErrors.CodeUnavailable, "credentials api is disabled"),
		})
	}

	learner, ok, err := p.learner(ctx, cert.LearnerID)
	if err != nil || !ok {
		return err
	}
	course, err := p.catalog.GetCourse(ctx, cert.CourseKey)
	if errors.Is(err, sentinel.ErrNotFound) {
		p.logger.WarnContext(ctx, "course not in catalog, course credential not sent",
			"course_key", subject,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load course: %w", err)
	}

	body := credentials.Credential{
		Username: learner.Username,
		Status:   status,
		Credential: credentials.Subject{
			Type:         credentials.TypeCourseRun,
			CourseRunKey: subject,
			Mode:         string(cert.Mode),
		},
		Attributes: []credentials.Attribute{credentials.VisibleDate(course.AvailableDate(cert.ModifiedAt))},
	}
	hash, err := models.PayloadHash(body)
	if err != nil {
		return tasks.Permanent(err)
	}
	if record.AlreadyDelivered(hash) {
		return nil
	}

	derr := p.post(ctx, &record, body, hash, cert.Version)
	if derr == nil {
		return p.invalidateOpposite(ctx, cert.LearnerID, kind, subject, now)
	}
	if derr.Class == ClassPermanent {
		return p.fail(ctx, &record, derr)
	}
	return p.retry(ctx, t, settings, &record, derr)
}

// invalidateOpposite makes the award/revoke pair for one course resend after
// the other one was delivered.
func (p *Pipeline) invalidateOpposite(ctx context.Context, learner id.LearnerID, kind models.Kind, subject string, now time.Time) error {
	opposite := models.KindRevocation
	if kind == models.KindRevocation {
		opposite = models.KindCourseCredential
	}
	d, err := p.deliveries.Get(ctx, learner, opposite, subject)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s delivery: %w", opposite, err)
	}
	d.Invalidate(now)
	if _, err := p.deliveries.Save(ctx, d); err != nil {
		return fmt.Errorf("save %s delivery: %w", opposite, err)
	}
	return nil
}

func (p *Pipeline) runProgramCredentials(ctx context.Context, t tasks.Task) error {
	var pl programsPayload
	if err := t.Decode(&pl); err != nil {
		return tasks.Permanent(err)
	}
	settings := p.settings()
	if settings.skipsAllPrograms() {
		return nil
	}
	if !settings.Enabled {
		p.metrics.IncRetry(models.KindProgramCredential, ClassTransient)
		if t.Attempt >= settings.RetryMax {
			return tasks.Permanent(dErrors.New(dErrors.CodeMaxRetriesExceeded, "credentials api disabled"))
		}
		return tasks.RetryAfter(dErrors.New(dErrors.CodeUnavailable, "credentials api is disabled"), tasks.Backoff(t.Attempt))
	}
	learner, ok, err := p.learner(ctx, pl.Learner)
	if err != nil || !ok {
		return err
	}

	snapshot := catalog.NewSnapshot(p.catalog)
	completed, err := p.completedPrograms(ctx, snapshot, pl.Learner)
	if err != nil {
		return err
	}
	if len(completed) == 0 {
		return nil
	}
	awarded, err := p.awardedPrograms(ctx, learner)
	if err != nil {
		return p.retryTask(t, settings, models.KindProgramCredential, classify(models.KindProgramCredential, "*", err))
	}
	for _, skip := range settings.ProgramsWithoutCertificates {
		awarded[strings.ToLower(skip)] = struct{}{}
	}

	now := requestcontext.Now(ctx)
	var failed []*DeliveryError
	for _, program := range completed {
		subject := program.view.UUID.String()
		if _, done := awarded[subject]; done {
			continue
		}
		record, err := p.record(ctx, pl.Learner, models.KindProgramCredential, subject, now)
		if err != nil {
			return err
		}
		body := credentials.Credential{
			Username: learner.Username,
			Credential: credentials.Subject{
				Type:        credentials.TypeProgram,
				ProgramUUID: subject,
			},
			Attributes: []credentials.Attribute{credentials.VisibleDate(program.visibleDate(now))},
		}
		hash, err := models.PayloadHash(body)
		if err != nil {
			return tasks.Permanent(err)
		}
		derr := p.post(ctx, &record, body, hash, 0)
		if derr == nil {
			continue
		}
		switch derr.Class {
		case ClassRateLimited:
			// The remaining programs go out with the retried task.
			err := p.retry(ctx, t, settings, &record, derr)
			if errors.As(err, new(*tasks.PermanentError)) {
				for _, f := range failed {
					p.exhaust(ctx, pl.Learner, models.KindProgramCredential, f)
				}
			}
			return err
		case ClassPermanent:
			if derr.NotFound() {
				p.logger.WarnContext(ctx, "credentials service has no such program",
					"learner_id", pl.Learner.String(),
					"program_uuid", subject,
				)
			}
			if err := p.fail(ctx, &record, derr); !errors.As(err, new(*tasks.PermanentError)) {
				p.logger.ErrorContext(ctx, "failed to record rejected program credential",
					"learner_id", pl.Learner.String(),
					"program_uuid", subject,
					"error", err,
				)
			}
		default:
			record.MarkRetrying(derr, derr.Status, now.Add(tasks.Backoff(t.Attempt)), now)
			if _, err := p.deliveries.Save(ctx, record); err != nil {
				return fmt.Errorf("save delivery: %w", err)
			}
			failed = append(failed, derr)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	subjects := make([]string, 0, len(failed))
	for _, f := range failed {
		subjects = append(subjects, f.Subject)
	}
	p.logger.WarnContext(ctx, "program credentials failed, retrying",
		"learner_id", pl.Learner.String(),
		"failed_programs", subjects,
		"attempt", t.Attempt,
	)
	err = p.retryTask(t, settings, models.KindProgramCredential, failed[0])
	if errors.As(err, new(*tasks.PermanentError)) {
		for _, f := range failed {
			p.exhaust(ctx, pl.Learner, models.KindProgramCredential, f)
		}
	}
	return err
}

// awardedPrograms is the union of what the credentials service reports and
// what this service has delivered itself.
func (p *Pipeline) awardedPrograms(ctx context.Context, learner learners.Learner) (map[string]struct{}, error) {
	remote, err := p.api.AwardedPrograms(ctx, learner.Username)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(remote))
	for _, u := range remote {
		out[u.String()] = struct{}{}
	}
	local, err := p.deliveries.ListDelivered(ctx, learner.ID, models.KindProgramCredential)
	if err != nil {
		return nil, fmt.Errorf("list delivered programs: %w", err)
	}
	for _, d := range local {
		out[strings.ToLower(d.Subject)] = struct{}{}
	}
	return out, nil
}

type completedProgram struct {
	view      catalog.ProgramView
	available []time.Time
}

// visibleDate applies the program's visible date policy.
func (c completedProgram) visibleDate(now time.Time) time.Time {
	if c.view.VisibleDatePolicy != catalog.VisibleLatestCourseAvailableDate || len(c.available) == 0 {
		return now
	}
	latest := c.available[0]
	for _, t := range c.available[1:] {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

// completedPrograms returns, in uuid order, the programs whose member
// courses all hold an issued certificate in a credit-eligible mode.
func (p *Pipeline) completedPrograms(ctx context.Context, snapshot *catalog.Snapshot, learner id.LearnerID) ([]completedProgram, error) {
	passing, err := p.certs.ListPassingForLearner(ctx, learner)
	if err != nil {
		return nil, fmt.Errorf("list passing certificates: %w", err)
	}
	certs := make(map[id.CourseKey]cmodels.Certificate, len(passing))
	for _, c := range passing {
		if c.Mode.IsCreditEligible() && c.Status.IsIssued() {
			certs[c.CourseKey] = c
		}
	}
	seen := make(map[id.ProgramUUID]struct{})
	var out []completedProgram
	for course := range certs {
		programs, err := snapshot.GetProgramsContaining(ctx, course)
		if err != nil {
			return nil, fmt.Errorf("programs containing %s: %w", course, err)
		}
		for _, prog := range programs {
			if _, ok := seen[prog.UUID]; ok {
				continue
			}
			seen[prog.UUID] = struct{}{}
			done, err := p.programDone(ctx, snapshot, prog, certs)
			if err != nil {
				return nil, err
			}
			if done != nil {
				out = append(out, *done)
			}
		}
	}
	slices.SortFunc(out, func(a, b completedProgram) int {
		return strings.Compare(a.view.UUID.String(), b.view.UUID.String())
	})
	return out, nil
}

func (p *Pipeline) programDone(ctx context.Context, snapshot *catalog.Snapshot, prog catalog.ProgramView, certs map[id.CourseKey]cmodels.Certificate) (*completedProgram, error) {
	if len(prog.CourseKeys) == 0 {
		return nil, nil
	}
	done := completedProgram{view: prog}
	for _, key := range prog.CourseKeys {
		cert, ok := certs[key]
		if !ok {
			return nil, nil
		}
		course, err := snapshot.GetCourse(ctx, key)
		if errors.Is(err, sentinel.ErrNotFound) {
			done.available = append(done.available, cert.ModifiedAt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load course %s: %w", key, err)
		}
		done.available = append(done.available, course.AvailableDate(cert.ModifiedAt))
	}
	return &done, nil
}

func (p *Pipeline) learner(ctx context.Context, learnerID id.LearnerID) (learners.Learner, bool, error) {
	l, err := p.learners.Get(ctx, learnerID)
	if errors.Is(err, sentinel.ErrNotFound) {
		p.logger.WarnContext(ctx, "unknown learner, credential not sent", "learner_id", learnerID.String())
		return learners.Learner{}, false, nil
	}
	if err != nil {
		return learners.Learner{}, false, fmt.Errorf("load learner: %w", err)
	}
	return l, true, nil
}

func (p *Pipeline) record(ctx context.Context, learner id.LearnerID, kind models.Kind, subject string, now time.Time) (models.Delivery, error) {
	d, err := p.deliveries.Get(ctx, learner, kind, subject)
	if errors.Is(err, sentinel.ErrNotFound) {
		return models.NewDelivery(learner, kind, subject, now), nil
	}
	if err != nil {
		return models.Delivery{}, fmt.Errorf("load delivery: %w", err)
	}
	return d, nil
}

// post sends body and records a success. Failures are classified and left
// to the caller to record.
func (p *Pipeline) post(ctx context.Context, record *models.Delivery, body credentials.Credential, hash string, version int64) *DeliveryError {
	start := time.Now()
	status, err := p.api.Post(ctx, body)
	p.metrics.ObserveCall(record.Kind, time.Since(start))
	if err != nil {
		derr := classify(record.Kind, record.Subject, err)
		if derr.Status == 0 {
			derr.Status = status
		}
		return derr
	}
	record.MarkDelivered(hash, version, status, requestcontext.Now(ctx))
	if _, err := p.deliveries.Save(ctx, *record); err != nil {
		// Delivered but unrecorded: the next push resends the same payload,
		// which the credentials service treats as an update.
		p.logger.ErrorContext(ctx, "failed to record delivery",
			"kind", string(record.Kind),
			"subject", record.Subject,
			"error", err,
		)
	}
	p.metrics.IncDelivery(record.Kind, models.OutcomeDelivered)
	p.logger.InfoContext(ctx, "credential delivered",
		"kind", string(record.Kind),
		"learner_id", record.LearnerID.String(),
		"subject", record.Subject,
		"status", body.Status,
	)
	return nil
}

func (p *Pipeline) fail(ctx context.Context, record *models.Delivery, derr *DeliveryError) error {
	record.MarkFailed(derr, derr.Status, requestcontext.Now(ctx))
	if _, err := p.deliveries.Save(ctx, *record); err != nil {
		return fmt.Errorf("save delivery: %w", err)
	}
	p.metrics.IncDelivery(record.Kind, models.OutcomeFailed)
	p.logger.WarnContext(ctx, "credential rejected",
		"kind", string(record.Kind),
		"learner_id", record.LearnerID.String(),
		"subject", record.Subject,
		"http_status", derr.Status,
		"error", derr.Err,
	)
	return tasks.Permanent(derr)
}

// retry records a failed attempt of a single-subject task and reschedules
// it, or marks the delivery exhausted once the retry budget is spent.
func (p *Pipeline) retry(ctx context.Context, t tasks.Task, settings Settings, record *models.Delivery, derr *DeliveryError) error {
	err := p.retryTask(t, settings, record.Kind, derr)
	var retry *tasks.RetryError
	if errors.As(err, &retry) {
		now := requestcontext.Now(ctx)
		record.MarkRetrying(derr, derr.Status, now.Add(retry.Delay), now)
		if _, serr := p.deliveries.Save(ctx, *record); serr != nil {
			return fmt.Errorf("save delivery: %w", serr)
		}
		return err
	}
	record.MarkFailed(dErrors.Wrap(derr, dErrors.CodeMaxRetriesExceeded, "max retries exceeded"), derr.Status, requestcontext.Now(ctx))
	if _, serr := p.deliveries.Save(ctx, *record); serr != nil {
		p.logger.ErrorContext(ctx, "failed to record exhausted delivery", "subject", derr.Subject, "error", serr)
	}
	p.logExhausted(ctx, record.LearnerID, record.Kind, derr)
	return err
}

// retryTask chooses the countdown for derr: a fixed delay after a 429,
// 2^attempt seconds otherwise. Past the retry budget the task fails with
// max_retries_exceeded.
func (p *Pipeline) retryTask(t tasks.Task, settings Settings, kind models.Kind, derr *DeliveryError) error {
	if t.Attempt >= settings.RetryMax {
		return tasks.Permanent(dErrors.Wrap(derr, dErrors.CodeMaxRetriesExceeded, "credential delivery retries exhausted"))
	}
	p.metrics.IncRetry(kind, derr.Class)
	delay := tasks.Backoff(t.Attempt)
	if derr.Class == ClassRateLimited {
		delay = rateLimitDelay
	}
	return tasks.RetryAfter(derr, delay)
}

// exhaust closes a delivery whose last attempt was already recorded as
// retrying.
func (p *Pipeline) exhaust(ctx context.Context, learner id.LearnerID, kind models.Kind, derr *DeliveryError) {
	now := requestcontext.Now(ctx)
	record, err := p.record(ctx, learner, kind, derr.Subject, now)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to load exhausted delivery", "subject", derr.Subject, "error", err)
		return
	}
	record.Exhaust(dErrors.Wrap(derr, dErrors.CodeMaxRetriesExceeded, "max retries exceeded"), now)
	if _, err := p.deliveries.Save(ctx, record); err != nil {
		p.logger.ErrorContext(ctx, "failed to record exhausted delivery", "subject", derr.Subject, "error", err)
	}
	p.logExhausted(ctx, learner, kind, derr)
}

func (p *Pipeline) logExhausted(ctx context.Context, learner id.LearnerID, kind models.Kind, derr *DeliveryError) {
	p.metrics.IncDelivery(kind, models.OutcomeFailed)
	p.logger.ErrorContext(ctx, "credential delivery retries exhausted",
		"kind", string(kind),
		"learner_id", learner.String(),
		"subject", derr.Subject,
		"error", derr.Err,
	)
}
