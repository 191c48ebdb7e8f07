package service

import (
	"context"
	"time"

	"accredit/internal/notify"
	"accredit/internal/verification/models"
	id "accredit/pkg/domain"
	dErrors "accredit/pkg/domain-errors"
)

type UserStatusValue string

const (
	UserStatusNone         UserStatusValue = "none"
	UserStatusPending      UserStatusValue = "pending"
	UserStatusApproved     UserStatusValue = "approved"
	UserStatusExpired      UserStatusValue = "expired"
	UserStatusMustReverify UserStatusValue = "must_reverify"
)

// UserStatus is the learner-facing summary of the newest attempt.
type UserStatus struct {
	Status        UserStatusValue `json:"status"`
	ShouldDisplay bool            `json:"should_display"`
	Error         string          `json:"error,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	ExpiringSoon  bool            `json:"expiring_soon"`
}

func (s *Service) UserStatus(ctx context.Context, learner id.LearnerID, now time.Time) (UserStatus, error) {
	latest, err := s.GetLatest(ctx, learner)
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return UserStatus{Status: UserStatusNone}, nil
	}
	if err != nil {
		return UserStatus{}, err
	}

	out := UserStatus{ShouldDisplay: true, ExpiresAt: latest.ExpiresAt}
	switch {
	case latest.ExpiresAt != nil && !latest.ExpiresAt.After(now):
		out.Status = UserStatusExpired
		out.Error = "The verification is expired"
	case latest.Status == models.StatusApproved:
		out.Status = UserStatusApproved
		out.ExpiringSoon = latest.ExpiresAt != nil && latest.ExpiresAt.Sub(now) <= s.expiringSoon
	case latest.Status == models.StatusSubmitted || latest.Status == models.StatusMustRetry:
		out.Status = UserStatusPending
	case latest.Status == models.StatusDenied || latest.Status == models.StatusError:
		out.Status = UserStatusMustReverify
		out.Error = latest.ErrorReason
	default:
		out.Status = UserStatusNone
		out.ShouldDisplay = false
	}
	return out, nil
}

// NotifyExpiringSoon emits an expiring-soon intent for every approval that
// entered the expiring-soon window during the last period, so a sweep run
// once per period notifies each learner once. It returns the number of
// intents.
func (s *Service) NotifyExpiringSoon(ctx context.Context, now time.Time, period time.Duration) (int, error) {
	edge := now.Add(s.expiringSoon)
	attempts, err := s.store.ListApprovedExpiring(ctx, edge.Add(-period), edge)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list expiring verifications")
	}
	seen := make(map[id.LearnerID]bool, len(attempts))
	for _, a := range attempts {
		if seen[a.LearnerID] {
			continue
		}
		seen[a.LearnerID] = true
		notify.Send(ctx, s.notifier, s.logger, notify.Intent{
			Kind:    notify.KindVerificationExpiringSoon,
			Learner: a.LearnerID,
			At:      now,
			Data:    map[string]string{"expires_at": a.ExpiresAt.UTC().Format(time.RFC3339)},
		})
	}
	return len(seen), nil
}
