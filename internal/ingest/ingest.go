// Package ingest accepts grade and verification events from outside the
// process (HTTP and Kafka) and appends them to the outbox, from where the
// relay dispatches them to the evaluator.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	cmodels "accredit/internal/certificates/models"
	"accredit/internal/events"
	"accredit/internal/platform/kafka/consumer"
	"accredit/internal/platform/metrics"
	vmodels "accredit/internal/verification/models"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
	"accredit/pkg/platform/outbox"
	"accredit/pkg/requestcontext"
)

const (
	aggregateGrade        = "grade"
	aggregateVerification = "verification"
)

// GradeMessage is a grade recomputation published by the LMS.
type GradeMessage struct {
	LearnerID  string     `json:"learner_id" validate:"required,uuid"`
	CourseID   string     `json:"course_id" validate:"required"`
	Percent    *float64   `json:"percent,omitempty" validate:"omitempty,gte=0,lte=1"`
	Passing    bool       `json:"passing"`
	Mode       string     `json:"mode" validate:"required"`
	Rerun      bool       `json:"rerun,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
}

func (m GradeMessage) Validate() error {
	if _, err := id.ParseCourseKey(m.CourseID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid course_id")
	}
	if !cmodels.Mode(m.Mode).IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid mode: "+m.Mode)
	}
	if m.Passing && m.Percent == nil {
		return dErrors.New(dErrors.CodeValidation, "a passing grade needs a percent")
	}
	return nil
}

// VerificationMessage is an identity-verification status change reported by
// another verification source.
type VerificationMessage struct {
	LearnerID      string     `json:"learner_id" validate:"required,uuid"`
	VerificationID string     `json:"verification_id" validate:"required,uuid"`
	Status         string     `json:"status" validate:"required"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	OccurredAt     *time.Time `json:"occurred_at,omitempty"`
}

func (m VerificationMessage) Validate() error {
	if !vmodels.Status(m.Status).IsValid() {
		return dErrors.New(dErrors.CodeValidation, "invalid status: "+m.Status)
	}
	if vmodels.Status(m.Status) == vmodels.StatusApproved && m.ExpiresAt == nil {
		return dErrors.New(dErrors.CodeValidation, "approved verification needs expires_at")
	}
	return nil
}

type Ingestor struct {
	outbox   outbox.Store
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Ingestor)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Ingestor) { i.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Ingestor) { i.metrics = m }
}

func New(store outbox.Store, opts ...Option) (*Ingestor, error) {
	if store == nil {
		return nil, errors.New("outbox store is required")
	}
	i := &Ingestor{
		outbox:   store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Grade validates m and appends a GradeChanged event.
func (i *Ingestor) Grade(ctx context.Context, source string, m GradeMessage) (events.Event, error) {
	if err := i.check(&m); err != nil {
		i.metrics.IncEventIngested(source, aggregateGrade, "invalid")
		return events.Event{}, err
	}
	learner, _ := id.ParseLearnerID(m.LearnerID)
	ev := events.NewGradeChanged(learner, id.CourseKey(m.CourseID), events.Grade{
		Percent: m.Percent,
		Passing: m.Passing,
		Mode:    m.Mode,
		Rerun:   m.Rerun,
	}, occurredAt(ctx, m.OccurredAt))
	return ev, i.append(ctx, source, aggregateGrade, ev)
}

// Verification validates m and appends a VerificationChanged event.
func (i *Ingestor) Verification(ctx context.Context, source string, m VerificationMessage) (events.Event, error) {
	if err := i.check(&m); err != nil {
		i.metrics.IncEventIngested(source, aggregateVerification, "invalid")
		return events.Event{}, err
	}
	learner, _ := id.ParseLearnerID(m.LearnerID)
	verificationID, _ := id.ParseVerificationID(m.VerificationID)
	ev := events.NewVerificationChanged(learner, events.Verification{
		ID:        verificationID,
		Status:    m.Status,
		ExpiresAt: m.ExpiresAt,
	}, occurredAt(ctx, m.OccurredAt))
	return ev, i.append(ctx, source, aggregateVerification, ev)
}

// RegisterTopics binds the grade and verification topics on r. Undecodable
// or invalid records are logged and dropped; redelivery cannot fix them.
func (i *Ingestor) RegisterTopics(r *consumer.Router, gradesTopic, verificationTopic string) {
	r.Register(gradesTopic, consumer.HandlerFunc(func(ctx context.Context, msg *consumer.Message) error {
		var m GradeMessage
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			i.drop(ctx, msg, err)
			return nil
		}
		_, err := i.Grade(ctx, "kafka", m)
		return i.settle(ctx, msg, err)
	}))
	r.Register(verificationTopic, consumer.HandlerFunc(func(ctx context.Context, msg *consumer.Message) error {
		var m VerificationMessage
		if err := json.Unmarshal(msg.Value, &m); err != nil {
			i.drop(ctx, msg, err)
			return nil
		}
		_, err := i.Verification(ctx, "kafka", m)
		return i.settle(ctx, msg, err)
	}))
}

func (i *Ingestor) settle(ctx context.Context, msg *consumer.Message, err error) error {
	if err != nil && dErrors.HasCode(err, dErrors.CodeValidation) {
		i.drop(ctx, msg, err)
		return nil
	}
	return err
}

func (i *Ingestor) drop(ctx context.Context, msg *consumer.Message, err error) {
	i.logger.WarnContext(ctx, "dropping invalid event record",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"error", err,
	)
}

func (i *Ingestor) check(m any) error {
	if err := i.validate.Struct(m); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid event")
	}
	if v, ok := m.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

func (i *Ingestor) append(ctx context.Context, source, aggregate string, ev events.Event) error {
	entry, err := ev.ToOutbox(aggregate)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode event")
	}
	if err := i.outbox.Append(ctx, entry); err != nil {
		i.metrics.IncEventIngested(source, aggregate, "error")
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record event")
	}
	i.metrics.IncEventIngested(source, aggregate, "accepted")
	i.logger.InfoContext(ctx, "event ingested",
		"source", source,
		"event_type", ev.Type,
		"event_id", ev.ID,
		"learner_id", ev.Learner.String(),
		"course_key", string(ev.Course),
	)
	return nil
}

func occurredAt(ctx context.Context, at *time.Time) time.Time {
	if at != nil && !at.IsZero() {
		return at.UTC()
	}
	return requestcontext.Now(ctx)
}
