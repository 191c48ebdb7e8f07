package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"accredit/internal/platform/postgres"
	"accredit/internal/retirement/models"
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
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// SyncStates upserts the configured states so statuses can reference them.
func (s *PostgresStore) SyncStates(ctx context.Context, states models.States) error {
	return txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		for _, st := range states {
			_, err := s.execer(ctx).ExecContext(ctx, `
				INSERT INTO retirement_states (name, execution_order, dead_end, required)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (name) DO UPDATE SET
					execution_order = EXCLUDED.execution_order,
					dead_end = EXCLUDED.dead_end,
					required = EXCLUDED.required`,
				st.Name, st.Order, st.DeadEnd, st.Required)
			if err != nil {
				return fmt.Errorf("sync retirement state %s: %w", st.Name, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) CreateRequest(ctx context.Context, req models.Request) error {
	_, err := s.execer(ctx).ExecContext(ctx,
		`INSERT INTO retirement_requests (learner_id, created_at) VALUES ($1, $2)`,
		uuid.UUID(req.LearnerID), req.CreatedAt)
	if postgres.IsUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create retirement request: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasRequest(ctx context.Context, learner id.LearnerID) (bool, error) {
	var exists bool
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM retirement_requests WHERE learner_id = $1)`,
		uuid.UUID(learner)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check retirement request: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, learner id.LearnerID) error {
	return s.deleteOne(ctx, `DELETE FROM retirement_requests WHERE learner_id = $1`, learner)
}

func (s *PostgresStore) DeleteStatus(ctx context.Context, learner id.LearnerID) error {
	return s.deleteOne(ctx, `DELETE FROM retirement_statuses WHERE learner_id = $1`, learner)
}

func (s *PostgresStore) deleteOne(ctx context.Context, query string, learner id.LearnerID) error {
	res, err := s.execer(ctx).ExecContext(ctx, query, uuid.UUID(learner))
	if err != nil {
		return fmt.Errorf("delete retirement row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete retirement row: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

const statusColumns = `learner_id, original_username, original_email, original_name, retired_username,
	retired_email, current_state, last_state, responses, created_at, modified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStatus(row rowScanner) (models.Status, error) {
	var (
		st        models.Status
		learner   uuid.UUID
		responses pq.StringArray
	)
	err := row.Scan(&learner, &st.OriginalUsername, &st.OriginalEmail, &st.OriginalName, &st.RetiredUsername,
		&st.RetiredEmail, &st.CurrentState, &st.LastState, &responses, &st.CreatedAt, &st.ModifiedAt)
	if err != nil {
		return models.Status{}, err
	}
	st.LearnerID = id.LearnerID(learner)
	st.Responses = []string(responses)
	return st, nil
}

func (s *PostgresStore) CreateStatus(ctx context.Context, st models.Status) error {
	_, err := s.execer(ctx).ExecContext(ctx, `
		INSERT INTO retirement_statuses (`+statusColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		uuid.UUID(st.LearnerID), st.OriginalUsername, st.OriginalEmail, st.OriginalName, st.RetiredUsername,
		st.RetiredEmail, st.CurrentState, st.LastState, pq.StringArray(st.Responses), st.CreatedAt, st.ModifiedAt)
	if postgres.IsUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create retirement status: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetStatus(ctx context.Context, learner id.LearnerID) (models.Status, error) {
	return s.getOne(ctx, `SELECT `+statusColumns+` FROM retirement_statuses WHERE learner_id = $1`, uuid.UUID(learner))
}

func (s *PostgresStore) GetStatusByUsername(ctx context.Context, originalUsername string) (models.Status, error) {
	return s.getOne(ctx, `SELECT `+statusColumns+` FROM retirement_statuses WHERE original_username = $1`, originalUsername)
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg any) (models.Status, error) {
	st, err := scanStatus(s.execer(ctx).QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Status{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.Status{}, fmt.Errorf("get retirement status: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, st models.Status, expectedState string) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE retirement_statuses SET
			retired_username = $2,
			retired_email = $3,
			current_state = $4,
			last_state = $5,
			responses = $6,
			modified_at = $7
		WHERE learner_id = $1 AND current_state = $8`,
		uuid.UUID(st.LearnerID), st.RetiredUsername, st.RetiredEmail, st.CurrentState, st.LastState,
		pq.StringArray(st.Responses), st.ModifiedAt, expectedState)
	if err != nil {
		return fmt.Errorf("update retirement status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update retirement status: %w", err)
	}
	if n == 0 {
		if _, err := s.GetStatus(ctx, st.LearnerID); err != nil {
			return err
		}
		return sentinel.ErrStale
	}
	return nil
}

func (s *PostgresStore) ListStatuses(ctx context.Context) ([]models.Status, error) {
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT `+statusColumns+` FROM retirement_statuses ORDER BY original_username`)
	if err != nil {
		return nil, fmt.Errorf("list retirement statuses: %w", err)
	}
	defer rows.Close()
	out := make([]models.Status, 0)
	for rows.Next() {
		st, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retirement status: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
