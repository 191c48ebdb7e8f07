package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"accredit/internal/certificates/models"
	"accredit/internal/grades"
	id "accredit/pkg/domain"
	"accredit/pkg/platform/sentinel"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, g grades.Grade) (bool, error) {
	var percent sql.NullFloat64
	if g.Percent != nil {
		percent = sql.NullFloat64{Float64: *g.Percent, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO course_grades (learner_id, course_key, percent, passing, mode, graded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (learner_id, course_key) DO UPDATE
		SET percent = EXCLUDED.percent, passing = EXCLUDED.passing,
			mode = EXCLUDED.mode, graded_at = EXCLUDED.graded_at
		WHERE course_grades.graded_at <= EXCLUDED.graded_at`,
		uuid.UUID(g.LearnerID), string(g.CourseKey), percent, g.Passing, string(g.Mode), g.GradedAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert grade: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

const gradeSelect = `SELECT learner_id, course_key, percent, passing, mode, graded_at FROM course_grades `

func scanGrade(scan func(dest ...any) error) (grades.Grade, error) {
	var (
		g       grades.Grade
		learner uuid.UUID
		course  string
		mode    string
		percent sql.NullFloat64
	)
	if err := scan(&learner, &course, &percent, &g.Passing, &mode, &g.GradedAt); err != nil {
		return grades.Grade{}, err
	}
	g.LearnerID = id.LearnerID(learner)
	g.CourseKey = id.CourseKey(course)
	g.Mode = models.Mode(mode)
	if percent.Valid {
		p := percent.Float64
		g.Percent = &p
	}
	return g, nil
}

func (s *PostgresStore) Get(ctx context.Context, learner id.LearnerID, course id.CourseKey) (grades.Grade, error) {
	row := s.db.QueryRowContext(ctx, gradeSelect+`WHERE learner_id = $1 AND course_key = $2`,
		uuid.UUID(learner), string(course))
	g, err := scanGrade(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return grades.Grade{}, sentinel.ErrNotFound
	}
	if err != nil {
		return grades.Grade{}, fmt.Errorf("get grade: %w", err)
	}
	return g, nil
}

func (s *PostgresStore) ListForLearner(ctx context.Context, learner id.LearnerID) ([]grades.Grade, error) {
	rows, err := s.db.QueryContext(ctx, gradeSelect+`WHERE learner_id = $1 ORDER BY course_key`, uuid.UUID(learner))
	if err != nil {
		return nil, fmt.Errorf("list grades: %w", err)
	}
	defer rows.Close()
	var out []grades.Grade
	for rows.Next() {
		g, err := scanGrade(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan grade: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
