package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"accredit/internal/awarding/models"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
	txcontext "accredit/pkg/platform/tx"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const deliveryColumns = `id, learner_id, kind, subject, payload_hash, version, attempts,
	next_attempt_at, last_error, last_status, terminal, outcome, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (models.Delivery, error) {
	var (
		d       models.Delivery
		rawID   uuid.UUID
		learner uuid.UUID
		kind    string
		outcome string
		next    sql.NullTime
	)
	err := row.Scan(&rawID, &learner, &kind, &d.Subject, &d.PayloadHash, &d.Version, &d.Attempts,
		&next, &d.LastError, &d.LastStatus, &d.Terminal, &outcome, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return models.Delivery{}, err
	}
	d.ID = id.DeliveryID(rawID)
	d.LearnerID = id.LearnerID(learner)
	d.Kind = models.Kind(kind)
	d.Outcome = models.Outcome(outcome)
	if next.Valid {
		t := next.Time
		d.NextAttemptAt = &t
	}
	return d, nil
}

func (s *PostgresStore) Get(ctx context.Context, learner id.LearnerID, kind models.Kind, subject string) (models.Delivery, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE learner_id = $1 AND kind = $2 AND subject = $3`,
		uuid.UUID(learner), string(kind), subject)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Delivery{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.Delivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) Save(ctx context.Context, d models.Delivery) (models.Delivery, error) {
	if err := d.Validate(); err != nil {
		return models.Delivery{}, err
	}
	var next sql.NullTime
	if d.NextAttemptAt != nil {
		next = sql.NullTime{Time: *d.NextAttemptAt, Valid: true}
	}
	row := s.execer(ctx).QueryRowContext(ctx, `
		INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (learner_id, kind, subject) DO UPDATE SET
			payload_hash = EXCLUDED.payload_hash,
			version = EXCLUDED.version,
			attempts = EXCLUDED.attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			last_error = EXCLUDED.last_error,
			last_status = EXCLUDED.last_status,
			terminal = EXCLUDED.terminal,
			outcome = EXCLUDED.outcome,
			updated_at = EXCLUDED.updated_at
		RETURNING `+deliveryColumns,
		uuid.UUID(d.ID), uuid.UUID(d.LearnerID), string(d.Kind), d.Subject, d.PayloadHash, d.Version,
		d.Attempts, next, d.LastError, d.LastStatus, d.Terminal, string(d.Outcome), d.CreatedAt, d.UpdatedAt)
	saved, err := scanDelivery(row)
	if err != nil {
		return models.Delivery{}, fmt.Errorf("save delivery: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListForLearner(ctx context.Context, learner id.LearnerID) ([]models.Delivery, error) {
	return s.list(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE learner_id = $1 ORDER BY kind, subject`,
		uuid.UUID(learner))
}

func (s *PostgresStore) ListDelivered(ctx context.Context, learner id.LearnerID, kind models.Kind) ([]models.Delivery, error) {
	return s.list(ctx, `SELECT `+deliveryColumns+` FROM deliveries
		WHERE learner_id = $1 AND kind = $2 AND outcome = $3 ORDER BY subject`,
		uuid.UUID(learner), string(kind), string(models.OutcomeDelivered))
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]models.Delivery, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()
	out := make([]models.Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
