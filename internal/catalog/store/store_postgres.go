package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"accredit/internal/catalog"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
	txcontext "accredit/pkg/platform/tx"
)

// PostgresStore reads the catalog tables maintained by the catalog importer.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetCourse(ctx context.Context, key id.CourseKey) (catalog.CourseView, error) {
	query := `
		SELECT course_key, org, self_paced, start_at, end_at, certificate_available_date,
		       display_behavior, has_active_web_certificate
		FROM courses
		WHERE course_key = $1
	`
	var (
		c        catalog.CourseView
		rawKey   string
		behavior string
	)
	err := s.db.QueryRowContext(ctx, query, string(key)).Scan(
		&rawKey, &c.Org, &c.SelfPaced, &c.Start, &c.End, &c.CertificateAvailableDate,
		&behavior, &c.HasActiveWebCertificate,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.CourseView{}, sentinel.ErrNotFound
	}
	if err != nil {
		return catalog.CourseView{}, fmt.Errorf("find course: %w", err)
	}
	c.Key = id.CourseKey(rawKey)
	c.DisplayBehavior = catalog.DisplayBehavior(behavior)

	rows, err := s.db.QueryContext(ctx, `SELECT learner_id FROM certificate_whitelist WHERE course_key = $1`, string(key))
	if err != nil {
		return catalog.CourseView{}, fmt.Errorf("load whitelist: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var learner uuid.UUID
		if err := rows.Scan(&learner); err != nil {
			return catalog.CourseView{}, fmt.Errorf("scan whitelist: %w", err)
		}
		c.Whitelist = append(c.Whitelist, id.LearnerID(learner))
	}
	if err := rows.Err(); err != nil {
		return catalog.CourseView{}, fmt.Errorf("iterate whitelist: %w", err)
	}
	return c, nil
}

const programSelect = `
	SELECT p.uuid, p.title, p.org, p.credential_type, p.visible_date_policy,
	       COALESCE(array_agg(pc.course_key ORDER BY pc.position) FILTER (WHERE pc.course_key IS NOT NULL), '{}')
	FROM programs p
	LEFT JOIN program_courses pc ON pc.program_uuid = p.uuid
`

func (s *PostgresStore) GetProgramsContaining(ctx context.Context, key id.CourseKey) ([]catalog.ProgramView, error) {
	query := programSelect + `
	WHERE p.uuid IN (SELECT program_uuid FROM program_courses WHERE course_key = $1)
	GROUP BY p.uuid
	ORDER BY p.uuid
	`
	return s.queryPrograms(ctx, query, string(key))
}

func (s *PostgresStore) GetProgram(ctx context.Context, programUUID id.ProgramUUID) (catalog.ProgramView, error) {
	query := programSelect + `
	WHERE p.uuid = $1
	GROUP BY p.uuid
	`
	ps, err := s.queryPrograms(ctx, query, uuid.UUID(programUUID))
	if err != nil {
		return catalog.ProgramView{}, err
	}
	if len(ps) == 0 {
		return catalog.ProgramView{}, sentinel.ErrNotFound
	}
	return ps[0], nil
}

func (s *PostgresStore) ListPrograms(ctx context.Context) ([]catalog.ProgramView, error) {
	query := programSelect + `
	GROUP BY p.uuid
	ORDER BY p.uuid
	`
	return s.queryPrograms(ctx, query)
}

func (s *PostgresStore) queryPrograms(ctx context.Context, query string, args ...any) ([]catalog.ProgramView, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query programs: %w", err)
	}
	defer rows.Close()

	var out []catalog.ProgramView
	for rows.Next() {
		var (
			p       catalog.ProgramView
			raw     uuid.UUID
			policy  string
			courses pq.StringArray
		)
		if err := rows.Scan(&raw, &p.Title, &p.Org, &p.CredentialType, &policy, &courses); err != nil {
			return nil, fmt.Errorf("scan program: %w", err)
		}
		p.UUID = id.ProgramUUID(raw)
		p.VisibleDatePolicy = catalog.VisibleDatePolicy(policy)
		for _, c := range courses {
			p.CourseKeys = append(p.CourseKeys, id.CourseKey(c))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate programs: %w", err)
	}
	return out, nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// PutCourse upserts a course and replaces its whitelist.
func (s *PostgresStore) PutCourse(ctx context.Context, c catalog.CourseView) error {
	return txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		_, err := s.execer(ctx).ExecContext(ctx, `
			INSERT INTO courses (course_key, org, self_paced, start_at, end_at, certificate_available_date,
			                     display_behavior, has_active_web_certificate)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (course_key) DO UPDATE SET
				org = EXCLUDED.org,
				self_paced = EXCLUDED.self_paced,
				start_at = EXCLUDED.start_at,
				end_at = EXCLUDED.end_at,
				certificate_available_date = EXCLUDED.certificate_available_date,
				display_behavior = EXCLUDED.display_behavior,
				has_active_web_certificate = EXCLUDED.has_active_web_certificate
		`, string(c.Key), c.Org, c.SelfPaced, c.Start, c.End, c.CertificateAvailableDate,
			string(c.DisplayBehavior), c.HasActiveWebCertificate)
		if err != nil {
			return fmt.Errorf("upsert course: %w", err)
		}
		if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM certificate_whitelist WHERE course_key = $1`, string(c.Key)); err != nil {
			return fmt.Errorf("clear whitelist: %w", err)
		}
		for _, learner := range c.Whitelist {
			if _, err := s.execer(ctx).ExecContext(ctx,
				`INSERT INTO certificate_whitelist (course_key, learner_id) VALUES ($1, $2)`,
				string(c.Key), uuid.UUID(learner)); err != nil {
				return fmt.Errorf("insert whitelist entry: %w", err)
			}
		}
		return nil
	})
}

// PutProgram upserts a program and replaces its member course list.
func (s *PostgresStore) PutProgram(ctx context.Context, p catalog.ProgramView) error {
	return txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		_, err := s.execer(ctx).ExecContext(ctx, `
			INSERT INTO programs (uuid, title, org, credential_type, visible_date_policy)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (uuid) DO UPDATE SET
				title = EXCLUDED.title,
				org = EXCLUDED.org,
				credential_type = EXCLUDED.credential_type,
				visible_date_policy = EXCLUDED.visible_date_policy
		`, uuid.UUID(p.UUID), p.Title, p.Org, p.CredentialType, string(p.VisibleDatePolicy))
		if err != nil {
			return fmt.Errorf("upsert program: %w", err)
		}
		if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM program_courses WHERE program_uuid = $1`, uuid.UUID(p.UUID)); err != nil {
			return fmt.Errorf("clear program courses: %w", err)
		}
		for i, c := range p.CourseKeys {
			if _, err := s.execer(ctx).ExecContext(ctx,
				`INSERT INTO program_courses (program_uuid, course_key, position) VALUES ($1, $2, $3)`,
				uuid.UUID(p.UUID), string(c), i); err != nil {
				return fmt.Errorf("insert program course: %w", err)
			}
		}
		return nil
	})
}
