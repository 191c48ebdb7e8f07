package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"accredit/internal/platform/postgres"
	"accredit/internal/verification/models"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/outbox"
	"accredit/pkg/platform/sentinel"
	txcontext "accredit/pkg/platform/tx"
)

type PostgresStore struct {
	db     *sql.DB
	outbox outbox.Store
}

func NewPostgres(db *sql.DB, ob outbox.Store) *PostgresStore {
	return &PostgresStore{db: db, outbox: ob}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const attemptColumns = `id, learner_id, status, receipt_id, face_image_key, id_image_key,
	copy_id_photo_from, submitted_at, expires_at, error_reason, error_code, ever_approved,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (models.Attempt, error) {
	var (
		a         models.Attempt
		rawID     uuid.UUID
		learner   uuid.UUID
		status    string
		copyFrom  uuid.NullUUID
		submitted sql.NullTime
		expires   sql.NullTime
	)
	err := row.Scan(&rawID, &learner, &status, &a.ReceiptID, &a.FaceImageKey, &a.IDImageKey,
		&copyFrom, &submitted, &expires, &a.ErrorReason, &a.ErrorCode, &a.EverApproved,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.Attempt{}, err
	}
	a.ID = id.VerificationID(rawID)
	a.LearnerID = id.LearnerID(learner)
	a.Status = models.Status(status)
	if copyFrom.Valid {
		v := id.VerificationID(copyFrom.UUID)
		a.CopyIDPhotoFrom = &v
	}
	if submitted.Valid {
		t := submitted.Time
		a.SubmittedAt = &t
	}
	if expires.Valid {
		t := expires.Time
		a.ExpiresAt = &t
	}
	return a, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullID(v *id.VerificationID) uuid.NullUUID {
	if v == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*v), Valid: true}
}

func (s *PostgresStore) Create(ctx context.Context, a models.Attempt) error {
	return txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		_, err := s.execer(ctx).ExecContext(ctx, `
			INSERT INTO verification_attempts (`+attemptColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			uuid.UUID(a.ID), uuid.UUID(a.LearnerID), string(a.Status), a.ReceiptID, a.FaceImageKey, a.IDImageKey,
			nullID(a.CopyIDPhotoFrom), nullTime(a.SubmittedAt), nullTime(a.ExpiresAt), a.ErrorReason, a.ErrorCode,
			a.EverApproved, a.CreatedAt, a.UpdatedAt,
		)
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert verification attempt: %w", err)
		}
		return appendChanged(ctx, s.outbox, a)
	})
}

func (s *PostgresStore) getOne(ctx context.Context, where string, arg any) (models.Attempt, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM verification_attempts WHERE `+where, arg)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Attempt{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.Attempt{}, fmt.Errorf("find verification attempt: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Get(ctx context.Context, verificationID id.VerificationID) (models.Attempt, error) {
	return s.getOne(ctx, "id = $1", uuid.UUID(verificationID))
}

func (s *PostgresStore) GetByReceipt(ctx context.Context, receiptID string) (models.Attempt, error) {
	return s.getOne(ctx, "receipt_id = $1", receiptID)
}

func (s *PostgresStore) Update(ctx context.Context, a models.Attempt, from models.Status) error {
	return txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		res, err := s.execer(ctx).ExecContext(ctx, `
			UPDATE verification_attempts
			SET status = $3, submitted_at = $4, expires_at = $5, error_reason = $6, error_code = $7,
			    ever_approved = $8, updated_at = $9
			WHERE id = $1 AND status = $2`,
			uuid.UUID(a.ID), string(from), string(a.Status), nullTime(a.SubmittedAt), nullTime(a.ExpiresAt),
			a.ErrorReason, a.ErrorCode, a.EverApproved, a.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update verification attempt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			if _, getErr := s.Get(ctx, a.ID); errors.Is(getErr, sentinel.ErrNotFound) {
				return sentinel.ErrNotFound
			}
			return sentinel.ErrStale
		}
		return appendChanged(ctx, s.outbox, a)
	})
}

func (s *PostgresStore) ListForLearner(ctx context.Context, learner id.LearnerID) ([]models.Attempt, error) {
	return s.query(ctx, `SELECT `+attemptColumns+` FROM verification_attempts
		WHERE learner_id = $1 ORDER BY created_at DESC, id DESC`, uuid.UUID(learner))
}

func (s *PostgresStore) ListDependents(ctx context.Context, source id.VerificationID) ([]models.Attempt, error) {
	return s.query(ctx, `SELECT `+attemptColumns+` FROM verification_attempts
		WHERE copy_id_photo_from = $1 ORDER BY created_at DESC, id DESC`, uuid.UUID(source))
}

func (s *PostgresStore) ListApprovedExpiring(ctx context.Context, from, to time.Time) ([]models.Attempt, error) {
	return s.query(ctx, `SELECT `+attemptColumns+` FROM verification_attempts
		WHERE status = 'approved' AND expires_at >= $1 AND expires_at < $2
		ORDER BY created_at DESC, id DESC`, from, to)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]models.Attempt, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verification attempts: %w", err)
	}
	defer rows.Close()

	var out []models.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan verification attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification attempts: %w", err)
	}
	return out, nil
}
