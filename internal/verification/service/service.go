// Package service implements identity-verification submission, vendor
// outcomes and the learner-facing verification status.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"accredit/internal/notify"
	"accredit/internal/verification/models"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
	"accredit/pkg/platform/sentinel"
	"accredit/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, a models.Attempt) error
	Get(ctx context.Context, verificationID id.VerificationID) (models.Attempt, error)
	GetByReceipt(ctx context.Context, receiptID string) (models.Attempt, error)
	Update(ctx context.Context, a models.Attempt, from models.Status) error
	ListForLearner(ctx context.Context, learner id.LearnerID) ([]models.Attempt, error)
	ListDependents(ctx context.Context, source id.VerificationID) ([]models.Attempt, error)
	ListApprovedExpiring(ctx context.Context, from, to time.Time) ([]models.Attempt, error)
}

// Vendor forwards a submitted attempt for review.
type Vendor interface {
	Submit(ctx context.Context, a models.Attempt) error
}

// Result is the vendor verdict carried by the results callback.
type Result string

const (
	ResultPass       Result = "PASS"
	ResultFail       Result = "FAIL"
	ResultSystemFail Result = "SYSTEM FAIL"
)

func (r Result) IsValid() bool {
	return r == ResultPass || r == ResultFail || r == ResultSystemFail
}

type Service struct {
	store        Store
	vendor       Vendor
	notifier     notify.Notifier
	logger       *slog.Logger
	goodFor      time.Duration
	expiringSoon time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithVendor(v Vendor) Option {
	return func(s *Service) { s.vendor = v }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithExpiringSoonWindow sets how long before expiry reverification is
// offered.
func WithExpiringSoonWindow(d time.Duration) Option {
	return func(s *Service) { s.expiringSoon = d }
}

func New(store Store, goodFor time.Duration, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("verification store is required")
	}
	if goodFor <= 0 {
		return nil, errors.New("verification validity window must be positive")
	}
	s := &Service{
		store:        store,
		goodFor:      goodFor,
		expiringSoon: 28 * 24 * time.Hour,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type SubmitRequest struct {
	LearnerID    id.LearnerID
	FaceImageKey string
	IDImageKey   string
}

// Submit records a new attempt and promotes it to submitted. Without an ID
// photo the attempt reuses the one from the learner's latest approved
// attempt, and fails with photo_required when there is none.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (models.Attempt, error) {
	if req.LearnerID.IsNil() {
		return models.Attempt{}, dErrors.New(dErrors.CodeValidation, "learner id is required")
	}
	if req.FaceImageKey == "" {
		return models.Attempt{}, dErrors.New(dErrors.CodeValidation, "face image is required")
	}
	now := requestcontext.Now(ctx)

	a := models.Attempt{
		ID:           id.VerificationID(uuid.New()),
		LearnerID:    req.LearnerID,
		Status:       models.StatusCreated,
		ReceiptID:    uuid.NewString(),
		FaceImageKey: req.FaceImageKey,
		IDImageKey:   req.IDImageKey,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if a.IDImageKey == "" {
		source, err := s.latestApproved(ctx, req.LearnerID)
		if err != nil {
			return models.Attempt{}, err
		}
		if source == nil {
			return models.Attempt{}, dErrors.New(dErrors.CodePhotoRequired, "an ID photo is required")
		}
		a.IDImageKey = source.IDImageKey
		sourceID := source.ID
		a.CopyIDPhotoFrom = &sourceID
	}

	a, err := promote(a, now)
	if err != nil {
		return models.Attempt{}, err
	}
	if err := s.store.Create(ctx, a); err != nil {
		return models.Attempt{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save verification attempt")
	}
	s.logger.InfoContext(ctx, "verification submitted",
		"learner_id", a.LearnerID.String(),
		"verification_id", a.ID.String(),
		"reused_photo", a.CopyIDPhotoFrom != nil,
	)

	if s.vendor != nil {
		if err := s.vendor.Submit(ctx, a); err != nil {
			s.logger.ErrorContext(ctx, "vendor submission failed",
				"verification_id", a.ID.String(),
				"error", err,
			)
			return s.change(ctx, a, models.Change{To: models.StatusError, ErrorCode: "vendor_unavailable", ErrorReason: err.Error(), At: now})
		}
	}
	return a, nil
}

// promote walks a new attempt through ready to submitted.
func promote(a models.Attempt, now time.Time) (models.Attempt, error) {
	for _, to := range []models.Status{models.StatusReady, models.StatusSubmitted} {
		var err error
		if a, err = models.Apply(a, models.Change{To: to, At: now}); err != nil {
			return models.Attempt{}, err
		}
	}
	return a, nil
}

// latestApproved returns the newest attempt currently approved, or nil.
func (s *Service) latestApproved(ctx context.Context, learner id.LearnerID) (*models.Attempt, error) {
	attempts, err := s.store.ListForLearner(ctx, learner)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification attempts")
	}
	for i := range attempts {
		if attempts[i].Status == models.StatusApproved {
			return &attempts[i], nil
		}
	}
	return nil, nil
}

// Outcome reports what ApplyExternalOutcome did.
type Outcome struct {
	Attempt   models.Attempt
	Duplicate bool
}

// ApplyExternalOutcome records the vendor verdict for receiptID. A verdict
// for an attempt that is already approved or denied, or that already holds
// the status the verdict maps to, is a duplicate delivery: it is logged and
// otherwise ignored.
func (s *Service) ApplyExternalOutcome(ctx context.Context, receiptID string, result Result, reason string) (Outcome, error) {
	if !result.IsValid() {
		return Outcome{}, dErrors.New(dErrors.CodeValidation, "unknown result: "+string(result))
	}
	a, err := s.store.GetByReceipt(ctx, receiptID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Outcome{}, dErrors.New(dErrors.CodeNotFound, "unknown receipt id")
	}
	if err != nil {
		return Outcome{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification attempt")
	}

	now := requestcontext.Now(ctx)
	change := models.Change{At: now}
	switch result {
	case ResultPass:
		exp := now.Add(s.goodFor)
		change.To, change.ExpiresAt = models.StatusApproved, &exp
	case ResultFail:
		change.To, change.ErrorReason = models.StatusDenied, reason
	case ResultSystemFail:
		change.To, change.ErrorReason = models.StatusMustRetry, reason
	}

	if settled(a, change.To) {
		s.logger.InfoContext(ctx, "duplicate verification outcome ignored",
			"verification_id", a.ID.String(),
			"receipt_id", receiptID,
			"status", a.Status,
			"result", result,
		)
		return Outcome{Attempt: a, Duplicate: true}, nil
	}

	updated, err := s.change(ctx, a, change)
	if errors.Is(err, sentinel.ErrStale) {
		// A concurrent callback for the same receipt won.
		current, getErr := s.store.GetByReceipt(ctx, receiptID)
		if getErr == nil && settled(current, change.To) {
			return Outcome{Attempt: current, Duplicate: true}, nil
		}
	}
	if err != nil {
		return Outcome{}, err
	}

	switch updated.Status {
	case models.StatusApproved:
		notify.Send(ctx, s.notifier, s.logger, notify.Intent{
			Kind: notify.KindVerificationApproved, Learner: updated.LearnerID, At: now,
			Data: map[string]string{"expires_at": updated.ExpiresAt.UTC().Format(time.RFC3339)},
		})
	case models.StatusDenied:
		notify.Send(ctx, s.notifier, s.logger, notify.Intent{
			Kind: notify.KindVerificationDenied, Learner: updated.LearnerID, At: now,
			Data: map[string]string{"reason": reason},
		})
	}
	return Outcome{Attempt: updated}, nil
}

// settled reports whether a needs no change to reflect a verdict mapping to
// target.
func settled(a models.Attempt, target models.Status) bool {
	return a.Status.IsDecided() || a.Status == target
}

// change applies c to a and persists it. Store staleness is returned as the
// bare sentinel so callers can detect a lost race.
func (s *Service) change(ctx context.Context, a models.Attempt, c models.Change) (models.Attempt, error) {
	next, err := models.Apply(a, c)
	if err != nil {
		s.logger.ErrorContext(ctx, "rejected verification transition",
			"verification_id", a.ID.String(),
			"from", a.Status,
			"to", c.To,
			"error", err,
		)
		return models.Attempt{}, err
	}
	if err := s.store.Update(ctx, next, a.Status); err != nil {
		if errors.Is(err, sentinel.ErrStale) {
			return models.Attempt{}, err
		}
		return models.Attempt{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update verification attempt")
	}
	return next, nil
}

// GetLatest returns the learner's newest attempt.
func (s *Service) GetLatest(ctx context.Context, learner id.LearnerID) (models.Attempt, error) {
	attempts, err := s.store.ListForLearner(ctx, learner)
	if err != nil {
		return models.Attempt{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification attempts")
	}
	if len(attempts) == 0 {
		return models.Attempt{}, dErrors.New(dErrors.CodeNotFound, "no verification attempts")
	}
	return attempts[0], nil
}

// IsValidOrPending reports whether the latest attempt is submitted,
// must_retry or approved and unexpired at now.
func (s *Service) IsValidOrPending(ctx context.Context, learner id.LearnerID, now time.Time) (bool, error) {
	latest, err := s.GetLatest(ctx, learner)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return latest.ValidOrPending(now), nil
}

// Expiration returns the expiry of the newest attempt whose status is in
// statuses, or nil.
func (s *Service) Expiration(ctx context.Context, learner id.LearnerID, statuses ...models.Status) (*time.Time, error) {
	attempts, err := s.store.ListForLearner(ctx, learner)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification attempts")
	}
	for _, a := range attempts {
		for _, st := range statuses {
			if a.Status == st {
				return a.ExpiresAt, nil
			}
		}
	}
	return nil, nil
}

// RevokeApproval withdraws an approval and sends every attempt that reused
// its ID photo back to must_retry.
func (s *Service) RevokeApproval(ctx context.Context, verificationID id.VerificationID, reason string) error {
	a, err := s.store.Get(ctx, verificationID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "verification not found")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load verification attempt")
	}
	now := requestcontext.Now(ctx)
	if a.Status != models.StatusMustRetry {
		if _, err := s.change(ctx, a, models.Change{To: models.StatusMustRetry, ErrorReason: reason, ErrorCode: "approval_revoked", At: now}); err != nil {
			return err
		}
	}

	dependents, err := s.store.ListDependents(ctx, verificationID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load dependent attempts")
	}
	var errs []error
	for _, d := range dependents {
		if !models.CanTransition(d.Status, models.StatusMustRetry) {
			continue
		}
		if _, err := s.change(ctx, d, models.Change{To: models.StatusMustRetry, ErrorReason: "ID photo source revoked", ErrorCode: "photo_source_revoked", At: now}); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.InfoContext(ctx, "verification approval revoked",
		"verification_id", verificationID.String(),
		"dependents", len(dependents),
	)
	return errors.Join(errs...)
}
