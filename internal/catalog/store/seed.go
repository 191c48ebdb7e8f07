package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"accredit/internal/catalog"
	id "accredit/pkg/domain"
)

// Writer accepts catalog records; both stores implement it.
type Writer interface {
	PutCourse(ctx context.Context, c catalog.CourseView) error
	PutProgram(ctx context.Context, p catalog.ProgramView) error
}

type seedFile struct {
	Courses  []catalog.CourseView  `json:"courses"`
	Programs []catalog.ProgramView `json:"programs"`
}

// LoadSeed imports courses and programs from a JSON file.
func LoadSeed(ctx context.Context, w Writer, path string) (courses, programs int, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("read catalog seed: %w", err)
	}
	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		return 0, 0, fmt.Errorf("decode catalog seed: %w", err)
	}
	for _, c := range seed.Courses {
		if _, err := id.ParseCourseKey(string(c.Key)); err != nil {
			return courses, programs, fmt.Errorf("seed course %q: %w", c.Key, err)
		}
		if c.Org == "" {
			c.Org = c.Key.Org()
		}
		if !c.DisplayBehavior.IsValid() {
			c.DisplayBehavior = catalog.DisplayEarlyNoInfo
		}
		if err := w.PutCourse(ctx, c); err != nil {
			return courses, programs, err
		}
		courses++
	}
	for _, p := range seed.Programs {
		if p.VisibleDatePolicy == "" {
			p.VisibleDatePolicy = catalog.VisibleLatestCourseAvailableDate
		}
		if err := w.PutProgram(ctx, p); err != nil {
			return courses, programs, err
		}
		programs++
	}
	return courses, programs, nil
}
