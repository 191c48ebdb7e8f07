package awarding

import (
	"context"
	"fmt"
	"time"

	cmodels "accredit/internal/certificates/models"
	id "accredit/pkg/domain"
	"accredit/pkg/requestcontext"
)

// BackfillOptions selects the certificates to re-notify. PageSize bounds each
// store read and Delay is slept between pages.
type BackfillOptions struct {
	Courses  []id.CourseKey
	Start    time.Time
	End      time.Time
	PageSize int
	Delay    time.Duration
	DryRun   bool
}

type BackfillResult struct {
	Scanned     int
	Awards      int
	Revocations int
	Learners    int
}

// Backfill re-sends the credential state of every credit-eligible
// certificate modified in the window. Downloadable certificates schedule a
// course push and a program fan-out for their learner; revoked ones schedule
// a revocation. With DryRun only the counts are computed.
func (p *Pipeline) Backfill(ctx context.Context, opts BackfillOptions) (BackfillResult, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	var res BackfillResult
	learners := make(map[id.LearnerID]struct{})
	for offset := 0; ; offset += pageSize {
		page, err := p.certs.ListModified(ctx, cmodels.Filter{
			Courses: opts.Courses,
			Start:   opts.Start,
			End:     opts.End,
			Limit:   pageSize,
			Offset:  offset,
		})
		if err != nil {
			return res, fmt.Errorf("list certificates: %w", err)
		}
		for _, cert := range page {
			res.Scanned++
			if !cert.Mode.IsCreditEligible() {
				continue
			}
			switch cert.Status {
			case cmodels.StatusDownloadable:
				res.Awards++
				if _, seen := learners[cert.LearnerID]; !seen {
					learners[cert.LearnerID] = struct{}{}
					if !opts.DryRun {
						if err := p.SchedulePrograms(ctx, cert.LearnerID); err != nil {
							return res, err
						}
					}
				}
				if !opts.DryRun {
					if err := p.ScheduleCourse(ctx, cert.LearnerID, cert.CourseKey, cert.Version); err != nil {
						return res, err
					}
				}
			case cmodels.StatusUnavailable:
				res.Revocations++
				if !opts.DryRun {
					if _, err := p.scheduler.Enqueue(ctx, TaskRevokeCourse, courseKey(cert.LearnerID, cert.CourseKey),
						coursePayload{Learner: cert.LearnerID, Course: cert.CourseKey, Version: cert.Version},
						requestcontext.Now(ctx)); err != nil {
						return res, err
					}
				}
			}
		}
		p.logger.InfoContext(ctx, "notify credentials page processed",
			"offset", offset,
			"count", len(page),
			"dry_run", opts.DryRun,
		)
		if len(page) < pageSize {
			break
		}
		if opts.Delay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(opts.Delay):
			}
		}
	}
	res.Learners = len(learners)
	return res, nil
}
