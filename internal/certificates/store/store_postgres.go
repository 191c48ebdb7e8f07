package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"accredit/internal/certificates/models"
	"accredit/internal/platform/postgres"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/outbox"
	"accredit/pkg/platform/sentinel"
	txcontext "accredit/pkg/platform/tx"
)

// PostgresStore serializes writes per (learner, course) with SELECT ... FOR
// UPDATE and guards updates with the version column.
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

const certColumns = `learner_id, course_key, uuid, mode, status, grade, download_url,
	verification_id, version, created_at, modified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCertificate(row rowScanner) (models.Certificate, error) {
	var (
		c            models.Certificate
		learner      uuid.UUID
		course       string
		mode, status string
		grade        sql.NullFloat64
		verification uuid.NullUUID
	)
	err := row.Scan(&learner, &course, &c.UUID, &mode, &status, &grade, &c.DownloadURL,
		&verification, &c.Version, &c.CreatedAt, &c.ModifiedAt)
	if err != nil {
		return models.Certificate{}, err
	}
	c.LearnerID = id.LearnerID(learner)
	c.CourseKey = id.CourseKey(course)
	c.Mode = models.Mode(mode)
	c.Status = models.Status(status)
	if grade.Valid {
		g := grade.Float64
		c.Grade = &g
	}
	if verification.Valid {
		v := id.VerificationID(verification.UUID)
		c.VerificationID = &v
	}
	return c, nil
}

func nullGrade(g *float64) sql.NullFloat64 {
	if g == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *g, Valid: true}
}

func nullVerification(v *id.VerificationID) uuid.NullUUID {
	if v == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*v), Valid: true}
}

func (s *PostgresStore) Get(ctx context.Context, learner id.LearnerID, course id.CourseKey) (models.Certificate, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE learner_id = $1 AND course_key = $2`,
		uuid.UUID(learner), string(course))
	c, err := scanCertificate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Certificate{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.Certificate{}, fmt.Errorf("find certificate: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Create(ctx context.Context, c models.Certificate) (models.Certificate, error) {
	if err := c.Validate(); err != nil {
		return models.Certificate{}, err
	}
	if c.Version == 0 {
		c.Version = 1
	}
	err := txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		_, err := s.execer(ctx).ExecContext(ctx, `
			INSERT INTO certificates (`+certColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			uuid.UUID(c.LearnerID), string(c.CourseKey), c.UUID, string(c.Mode), string(c.Status),
			nullGrade(c.Grade), c.DownloadURL, nullVerification(c.VerificationID),
			c.Version, c.CreatedAt, c.ModifiedAt,
		)
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("insert certificate: %w", err)
		}
		return appendEvents(ctx, s.outbox, models.CreateEvents(c))
	})
	if err != nil {
		return models.Certificate{}, err
	}
	return c, nil
}

func (s *PostgresStore) ApplyTransition(ctx context.Context, c models.Certificate, t models.Transition) (models.Certificate, error) {
	var next models.Certificate
	err := txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		row := s.execer(ctx).QueryRowContext(ctx,
			`SELECT `+certColumns+` FROM certificates WHERE learner_id = $1 AND course_key = $2 FOR UPDATE`,
			uuid.UUID(c.LearnerID), string(c.CourseKey))
		current, err := scanCertificate(row)
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock certificate: %w", err)
		}
		if current.Version != c.Version {
			return sentinel.ErrStale
		}

		var hops []models.Status
		next, hops, err = models.Apply(current, t)
		if err != nil {
			return err
		}
		res, err := s.execer(ctx).ExecContext(ctx, `
			UPDATE certificates
			SET mode = $3, status = $4, grade = $5, download_url = $6, verification_id = $7,
			    version = $8, modified_at = $9
			WHERE learner_id = $1 AND course_key = $2 AND version = $10`,
			uuid.UUID(next.LearnerID), string(next.CourseKey), string(next.Mode), string(next.Status),
			nullGrade(next.Grade), next.DownloadURL, nullVerification(next.VerificationID),
			next.Version, next.ModifiedAt, current.Version,
		)
		if err != nil {
			return fmt.Errorf("update certificate: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("rows affected: %w", err)
		} else if n == 0 {
			return sentinel.ErrStale
		}
		return appendEvents(ctx, s.outbox, models.ChangeEvents(next, current.Status, hops, t.Reason))
	})
	if err != nil {
		return models.Certificate{}, err
	}
	return next, nil
}

func (s *PostgresStore) ListForLearner(ctx context.Context, learner id.LearnerID) ([]models.Certificate, error) {
	return s.query(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE learner_id = $1 ORDER BY course_key`,
		uuid.UUID(learner))
}

func (s *PostgresStore) ListPassingForLearner(ctx context.Context, learner id.LearnerID) ([]models.Certificate, error) {
	return s.query(ctx,
		`SELECT `+certColumns+` FROM certificates WHERE learner_id = $1 AND status = ANY($2) ORDER BY course_key`,
		uuid.UUID(learner), pq.StringArray{
			string(models.StatusDownloadable), string(models.StatusGenerating), string(models.StatusAuditPassing),
		})
}

func (s *PostgresStore) ListModified(ctx context.Context, f models.Filter) ([]models.Certificate, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if len(f.Courses) > 0 {
		keys := make(pq.StringArray, 0, len(f.Courses))
		for _, c := range f.Courses {
			keys = append(keys, string(c))
		}
		add("course_key = ANY($%d)", keys)
	}
	if !f.Start.IsZero() {
		add("modified_at >= $%d", f.Start)
	}
	if !f.End.IsZero() {
		add("modified_at < $%d", f.End)
	}
	query := `SELECT ` + certColumns + ` FROM certificates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY modified_at, learner_id, course_key"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.query(ctx, query, args...)
}

func (s *PostgresStore) query(ctx context.Context, query string, args ...any) ([]models.Certificate, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query certificates: %w", err)
	}
	defer rows.Close()

	var out []models.Certificate
	for rows.Next() {
		c, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate certificates: %w", err)
	}
	return out, nil
}
