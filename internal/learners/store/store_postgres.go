package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"accredit/internal/learners"
	"accredit/internal/platform/postgres"
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
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, l learners.Learner) error {
	_, err := s.execer(ctx).ExecContext(ctx,
		`INSERT INTO learners (id, username, email, name, active) VALUES ($1, $2, $3, $4, $5)`,
		uuid.UUID(l.ID), l.Username, l.Email, l.Name, l.Active,
	)
	if postgres.IsUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert learner: %w", err)
	}
	return nil
}

const learnerSelect = `SELECT id, username, email, name, active FROM learners `

func (s *PostgresStore) Get(ctx context.Context, learnerID id.LearnerID) (learners.Learner, error) {
	return s.scanOne(s.execer(ctx).QueryRowContext(ctx, learnerSelect+`WHERE id = $1`, uuid.UUID(learnerID)))
}

func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (learners.Learner, error) {
	return s.scanOne(s.execer(ctx).QueryRowContext(ctx, learnerSelect+`WHERE username = $1`, username))
}

func (s *PostgresStore) scanOne(row *sql.Row) (learners.Learner, error) {
	var (
		l   learners.Learner
		raw uuid.UUID
	)
	err := row.Scan(&raw, &l.Username, &l.Email, &l.Name, &l.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return learners.Learner{}, sentinel.ErrNotFound
	}
	if err != nil {
		return learners.Learner{}, fmt.Errorf("scan learner: %w", err)
	}
	l.ID = id.LearnerID(raw)
	return l, nil
}

// UpdateUsernameIfEquals swaps the username only while it still equals
// current, so a concurrent rename is never overwritten.
func (s *PostgresStore) UpdateUsernameIfEquals(ctx context.Context, learnerID id.LearnerID, current, next string) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE learners SET username = $3 WHERE id = $1 AND username = $2`,
		uuid.UUID(learnerID), current, next,
	)
	if postgres.IsUniqueViolation(err) {
		return false, sentinel.ErrConflict
	}
	if err != nil {
		return false, fmt.Errorf("update username: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Retire(ctx context.Context, learnerID id.LearnerID, username, email string) error {
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE learners SET username = $2, email = $3, name = '', active = FALSE WHERE id = $1`,
		uuid.UUID(learnerID), username, email,
	)
	if postgres.IsUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("retire learner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
