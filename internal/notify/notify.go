// Package notify emits notification intents. Composing and sending the
// message belongs to the email service; delivery here is best effort and a
// failure never rolls back the caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	id "accredit/pkg/domain"
	"accredit/pkg/platform/outbox"
)

type Kind string

const (
	KindVerificationApproved     Kind = "verification_approved"
	KindVerificationDenied       Kind = "verification_denied"
	KindVerificationExpiringSoon Kind = "verification_expiring_soon"
	KindCertificateAvailable     Kind = "certificate_available"
)

type Intent struct {
	Kind    Kind              `json:"kind"`
	Learner id.LearnerID      `json:"learner_id"`
	Data    map[string]string `json:"data,omitempty"`
	At      time.Time         `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, intent Intent) error
}

// Send delivers intent and logs instead of failing.
func Send(ctx context.Context, n Notifier, logger *slog.Logger, intent Intent) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, intent); err != nil && logger != nil {
		logger.WarnContext(ctx, "notification intent dropped",
			"kind", intent.Kind,
			"learner_id", intent.Learner.String(),
			"error", err,
		)
	}
}

// LogNotifier records intents in the log. It is the default when no
// downstream is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, intent Intent) error {
	n.logger.InfoContext(ctx, "notification intent",
		"kind", intent.Kind,
		"learner_id", intent.Learner.String(),
		"data", intent.Data,
	)
	return nil
}

// EventType is the outbox event type of a notification intent.
const EventType = "NotificationRequested"

// OutboxNotifier appends intents to the outbox so the relay forwards them to
// the message broker with the rest of the domain events.
type OutboxNotifier struct {
	store outbox.Store
}

func NewOutboxNotifier(store outbox.Store) *OutboxNotifier {
	return &OutboxNotifier{store: store}
}

func (n *OutboxNotifier) Notify(ctx context.Context, intent Intent) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}
	entry := outbox.NewEntry("notification", intent.Learner.String(), EventType, payload, intent.At)
	return n.store.Append(ctx, entry)
}
