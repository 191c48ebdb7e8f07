package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"accredit/internal/platform/postgres"
	"accredit/internal/tasks"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

// PostgresStore claims with FOR UPDATE SKIP LOCKED. The partial unique index
// on running keys is the serialization guard: a claim that would run a
// second task for a busy key fails and is skipped.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const taskColumns = `id, name, key, payload, attempt, run_at, status, last_error, locked_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (tasks.Task, error) {
	var (
		t       tasks.Task
		taskID  uuid.UUID
		status  string
		payload []byte
		locked  sql.NullTime
	)
	if err := row.Scan(&taskID, &t.Name, &t.Key, &payload, &t.Attempt, &t.RunAt, &status,
		&t.LastError, &locked, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return tasks.Task{}, err
	}
	t.ID = id.TaskID(taskID)
	t.Status = tasks.Status(status)
	t.Payload = payload
	if locked.Valid {
		lu := locked.Time
		t.LockedUntil = &lu
	}
	return t, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, t tasks.Task) (tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, 0, $5, 'pending', '', NULL, $6, $6)
		ON CONFLICT (name, key) WHERE status = 'pending'
		DO UPDATE SET payload = EXCLUDED.payload,
			run_at = LEAST(tasks.run_at, EXCLUDED.run_at),
			updated_at = EXCLUDED.updated_at
		RETURNING `+taskColumns,
		uuid.UUID(t.ID), t.Name, t.Key, []byte(t.Payload), t.RunAt, t.CreatedAt,
	)
	stored, err := scanTask(row)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]tasks.Task, error) {
	var claimed []tasks.Task
	for len(claimed) < limit {
		row := s.db.QueryRowContext(ctx, `
			UPDATE tasks SET status = 'running', locked_until = $2, updated_at = $1
			WHERE id = (
				SELECT t.id FROM tasks t
				WHERE t.status = 'pending' AND t.run_at <= $1
				  AND NOT EXISTS (SELECT 1 FROM tasks r WHERE r.key = t.key AND r.status = 'running')
				ORDER BY t.run_at, t.created_at
				LIMIT 1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+taskColumns,
			now, now.Add(lease),
		)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if postgres.IsUniqueViolation(err) {
			// Another worker claimed a task for the same key first.
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("claim task: %w", err)
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

func (s *PostgresStore) close(ctx context.Context, taskID id.TaskID, status tasks.Status, lastErr string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, last_error = $3, locked_until = NULL, updated_at = $4
		WHERE id = $1 AND status = 'running'`,
		uuid.UUID(taskID), string(status), lastErr, now,
	)
	if err != nil {
		return fmt.Errorf("close task: %w", err)
	}
	return s.expectOne(ctx, res, taskID)
}

func (s *PostgresStore) expectOne(ctx context.Context, res sql.Result, taskID id.TaskID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Get(ctx, taskID); err != nil {
		return err
	}
	return sentinel.ErrInvalidState
}

func (s *PostgresStore) Complete(ctx context.Context, taskID id.TaskID, now time.Time) error {
	return s.close(ctx, taskID, tasks.StatusDone, "", now)
}

func (s *PostgresStore) Dead(ctx context.Context, taskID id.TaskID, lastErr string, now time.Time) error {
	return s.close(ctx, taskID, tasks.StatusDead, lastErr, now)
}

func (s *PostgresStore) Retry(ctx context.Context, taskID id.TaskID, runAt time.Time, lastErr string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', attempt = attempt + 1, run_at = $2,
			last_error = $3, locked_until = NULL, updated_at = $4
		WHERE id = $1 AND status = 'running'`,
		uuid.UUID(taskID), runAt, lastErr, now,
	)
	if postgres.IsUniqueViolation(err) {
		// A newer pending task with the same name and key covers this one.
		return s.close(ctx, taskID, tasks.StatusDone, lastErr, now)
	}
	if err != nil {
		return fmt.Errorf("retry task: %w", err)
	}
	return s.expectOne(ctx, res, taskID)
}

func (s *PostgresStore) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status = 'running' AND locked_until < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("list expired tasks: %w", err)
	}
	var expired []uuid.UUID
	for rows.Next() {
		var u uuid.UUID
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired task: %w", err)
		}
		expired = append(expired, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired tasks: %w", err)
	}

	released := 0
	for _, u := range expired {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'pending', attempt = attempt + 1, run_at = $2,
				locked_until = NULL, updated_at = $2
			WHERE id = $1 AND status = 'running' AND locked_until < $2`,
			u, now,
		)
		if postgres.IsUniqueViolation(err) {
			res, err = s.db.ExecContext(ctx, `
				UPDATE tasks SET status = 'done', last_error = 'lease expired; superseded',
					locked_until = NULL, updated_at = $2
				WHERE id = $1 AND status = 'running'`,
				u, now,
			)
		}
		if err != nil {
			return released, fmt.Errorf("release task %s: %w", u, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			released++
		}
	}
	return released, nil
}

func (s *PostgresStore) Get(ctx context.Context, taskID id.TaskID) (tasks.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, uuid.UUID(taskID))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tasks.Task{}, sentinel.ErrNotFound
	}
	if err != nil {
		return tasks.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}
