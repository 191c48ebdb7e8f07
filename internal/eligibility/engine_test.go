package eligibility

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accredit/internal/catalog"
	"accredit/internal/certificates/models"
	id "accredit/pkg/domain"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func baseInput() Input {
	learner := id.LearnerID(uuid.New())
	return Input{
		Learner: learner,
		Course: catalog.CourseView{
			Key:             "course-v1:MITx+6.002x+2026_T1",
			End:             ptr(now.Add(-24 * time.Hour)),
			DisplayBehavior: catalog.DisplayEnd,
		},
		Verification: VerificationSnapshot{Status: "approved", ExpiresAt: ptr(now.Add(180 * 24 * time.Hour))},
		Grade:        GradeSnapshot{Percent: ptr(0.82), Passing: true, Mode: models.ModeVerified},
		Policy:       Policy{AutoCertGenEnabled: true},
		Now:          now,
	}
}

func TestDecideRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		want   Decision
	}{
		{
			name: "happy path verified",
			want: IssueOrUpdate{Status: models.StatusDownloadable, Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name: "whitelist wins over missing verification",
			mutate: func(in *Input) {
				in.Course.Whitelist = []id.LearnerID{in.Learner}
				in.Verification = VerificationSnapshot{}
				in.Grade.Passing = false
			},
			want: IssueOrUpdate{Status: models.StatusDownloadable, Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name:   "verified without verification is unverified",
			mutate: func(in *Input) { in.Verification = VerificationSnapshot{} },
			want:   IssueOrUpdate{Status: models.StatusUnverified, Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name:   "verification expiring exactly now is not valid",
			mutate: func(in *Input) { in.Verification.ExpiresAt = ptr(now) },
			want:   IssueOrUpdate{Status: models.StatusUnverified, Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name:   "pending verification is enough",
			mutate: func(in *Input) { in.Verification = VerificationSnapshot{Status: "submitted"} },
			want:   IssueOrUpdate{Status: models.StatusDownloadable, Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name:   "professional mode does not require verification",
			mutate: func(in *Input) { in.Verification = VerificationSnapshot{}; in.Grade.Mode = models.ModeProfessional },
			want:   IssueOrUpdate{Status: models.StatusDownloadable, Mode: models.ModeProfessional, Grade: ptr(0.82)},
		},
		{
			name:   "failing grade",
			mutate: func(in *Input) { in.Grade.Passing = false },
			want:   IssueOrUpdate{Status: models.StatusNotPassing, Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name:   "empty grade is not passing",
			mutate: func(in *Input) { in.Grade.Percent = nil },
			want:   IssueOrUpdate{Status: models.StatusNotPassing, Mode: models.ModeVerified},
		},
		{
			name:   "end display before course end defers",
			mutate: func(in *Input) { in.Course.End = ptr(now.Add(48 * time.Hour)) },
			want:   DeferUntil{At: now.Add(48 * time.Hour), Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name: "self-paced bypasses the end gate",
			mutate: func(in *Input) {
				in.Course.SelfPaced = true
				in.Course.End = ptr(now.Add(48 * time.Hour))
			},
			want: IssueOrUpdate{Status: models.StatusDownloadable, Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name:   "future available date defers",
			mutate: func(in *Input) { in.Course.CertificateAvailableDate = ptr(now.Add(7 * 24 * time.Hour)) },
			want:   DeferUntil{At: now.Add(7 * 24 * time.Hour), Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name:   "available date equal to now is available",
			mutate: func(in *Input) { in.Course.CertificateAvailableDate = ptr(now) },
			want:   IssueOrUpdate{Status: models.StatusDownloadable, Mode: models.ModeVerified, Grade: ptr(0.82)},
		},
		{
			name:   "audit passing",
			mutate: func(in *Input) { in.Grade.Mode = models.ModeAudit },
			want:   IssueOrUpdate{Status: models.StatusAuditPassing, Mode: models.ModeAudit, Grade: ptr(0.82)},
		},
		{
			name:   "audit failing",
			mutate: func(in *Input) { in.Grade.Mode = models.ModeAudit; in.Grade.Passing = false },
			want:   IssueOrUpdate{Status: models.StatusAuditNotPassing, Mode: models.ModeAudit, Grade: ptr(0.82)},
		},
		{
			name: "early_no_info hides a failing outcome",
			mutate: func(in *Input) {
				in.Course.DisplayBehavior = catalog.DisplayEarlyNoInfo
				in.Grade.Passing = false
			},
			want: Hide{Reason: "early_no_info hides notpassing"},
		},
		{
			name:   "auto generation disabled without record",
			mutate: func(in *Input) { in.Policy.AutoCertGenEnabled = false },
			want:   NoChange{Reason: "automatic certificate generation disabled"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput()
			if tt.mutate != nil {
				tt.mutate(&in)
			}
			assert.Equal(t, tt.want, Decide(in))
		})
	}
}

func certAt(in Input, status models.Status, grade *float64) *models.Certificate {
	return &models.Certificate{
		LearnerID:  in.Learner,
		CourseKey:  in.Course.Key,
		UUID:       uuid.New(),
		Mode:       in.Grade.Mode,
		Status:     status,
		Grade:      grade,
		CreatedAt:  now.Add(-time.Hour),
		ModifiedAt: now.Add(-time.Hour),
		Version:    1,
	}
}

func TestDecideAgainstExistingRecord(t *testing.T) {
	t.Run("downloadable does not regress to generating", func(t *testing.T) {
		in := baseInput()
		in.Course.CertificateAvailableDate = ptr(now.Add(time.Hour))
		in.Certificate = certAt(in, models.StatusDownloadable, ptr(0.82))
		assert.IsType(t, NoChange{}, Decide(in))

		in.Rerun = true
		assert.IsType(t, DeferUntil{}, Decide(in))
	})

	t.Run("downloadable ignores a failing regrade", func(t *testing.T) {
		in := baseInput()
		in.Grade.Passing = false
		in.Certificate = certAt(in, models.StatusDownloadable, ptr(0.82))
		assert.IsType(t, NoChange{}, Decide(in))
	})

	t.Run("already deferred asks for a recheck", func(t *testing.T) {
		in := baseInput()
		in.Course.CertificateAvailableDate = ptr(now.Add(time.Hour))
		in.Certificate = certAt(in, models.StatusGenerating, ptr(0.82))
		d, ok := Decide(in).(NoChange)
		require.True(t, ok)
		require.NotNil(t, d.RecheckAt)
		assert.Equal(t, now.Add(time.Hour), *d.RecheckAt)
	})

	t.Run("grade change on downloadable updates in place", func(t *testing.T) {
		in := baseInput()
		in.Certificate = certAt(in, models.StatusDownloadable, ptr(0.7))
		assert.Equal(t, IssueOrUpdate{Status: models.StatusDownloadable, Mode: models.ModeVerified, Grade: ptr(0.82)}, Decide(in))
	})

	t.Run("rerun forces an update on an identical record", func(t *testing.T) {
		in := baseInput()
		in.Certificate = certAt(in, models.StatusDownloadable, ptr(0.82))
		assert.IsType(t, NoChange{}, Decide(in))
		in.Rerun = true
		assert.IsType(t, IssueOrUpdate{}, Decide(in))
	})

	t.Run("audit upgrade", func(t *testing.T) {
		in := baseInput()
		in.Certificate = certAt(in, models.StatusAuditPassing, ptr(0.82))
		in.Certificate.Mode = models.ModeAudit
		d, ok := Decide(in).(IssueOrUpdate)
		require.True(t, ok)
		assert.True(t, d.Upgrade)
		assert.Equal(t, models.StatusDownloadable, d.Status)
	})

	t.Run("audit stays terminal without upgrade", func(t *testing.T) {
		in := baseInput()
		in.Grade.Mode = models.ModeAudit
		in.Grade.Passing = false
		in.Certificate = certAt(in, models.StatusAuditPassing, ptr(0.82))
		assert.IsType(t, NoChange{}, Decide(in))
	})

	t.Run("auto generation gate ignores existing records", func(t *testing.T) {
		in := baseInput()
		in.Policy.AutoCertGenEnabled = false
		in.Certificate = certAt(in, models.StatusUnverified, ptr(0.82))
		assert.IsType(t, IssueOrUpdate{}, Decide(in))
	})
}

// apply mimics the evaluator's store write for a decision.
func apply(in Input, d Decision) *models.Certificate {
	var (
		status models.Status
		mode   models.Mode
		grade  *float64
	)
	switch v := d.(type) {
	case IssueOrUpdate:
		status, mode, grade = v.Status, v.Mode, v.Grade
	case DeferUntil:
		status, mode, grade = models.StatusGenerating, v.Mode, v.Grade
		if in.Certificate != nil && in.Certificate.Status == models.StatusDownloadable {
			status = models.StatusRegenerating
		}
	default:
		return in.Certificate
	}
	if in.Certificate == nil {
		return &models.Certificate{LearnerID: in.Learner, CourseKey: in.Course.Key, UUID: uuid.New(), Mode: mode, Status: status, Grade: grade, Version: 1}
	}
	next, _, err := models.Apply(*in.Certificate, models.Transition{To: status, Mode: mode, Grade: grade, Upgrade: true, At: in.Now})
	if err != nil {
		panic(err)
	}
	return &next
}

func TestDecideIsAFixpoint(t *testing.T) {
	variants := []func(*Input){
		func(*Input) {},
		func(in *Input) { in.Verification = VerificationSnapshot{} },
		func(in *Input) { in.Grade.Passing = false },
		func(in *Input) { in.Grade.Percent = nil },
		func(in *Input) { in.Course.CertificateAvailableDate = ptr(now.Add(time.Hour)) },
		func(in *Input) { in.Course.End = ptr(now.Add(time.Hour)) },
		func(in *Input) { in.Grade.Mode = models.ModeAudit },
		func(in *Input) { in.Grade.Mode = models.ModeHonor; in.Grade.Passing = false },
		func(in *Input) { in.Course.Whitelist = []id.LearnerID{in.Learner} },
	}
	for i, mutate := range variants {
		in := baseInput()
		mutate(&in)
		first := Decide(in)
		in.Certificate = apply(in, first)
		if in.Certificate == nil {
			continue
		}
		assert.IsType(t, NoChange{}, Decide(in), "variant %d after %T", i, first)
	}
}

func TestDecideRevocation(t *testing.T) {
	in := baseInput()
	assert.IsType(t, NoChange{}, DecideRevocation(nil, "retired"))
	assert.Equal(t, Revoke{Reason: "retired"}, DecideRevocation(certAt(in, models.StatusDownloadable, ptr(0.9)), "retired"))
	assert.IsType(t, NoChange{}, DecideRevocation(certAt(in, models.StatusUnavailable, nil), "retired"))
}
