package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accredit/pkg/requestcontext"
)

func newTestScheduler(now time.Time) *Scheduler {
	return New(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return now }),
	)
}

func TestAddRejectsBadInput(t *testing.T) {
	s := newTestScheduler(time.Now())

	assert.Error(t, s.Add("reap", "not a spec", func(context.Context) error { return nil }))
	assert.Error(t, s.Add("reap", "@every 1m", nil))

	require.NoError(t, s.Add("reap", "@every 1m", func(context.Context) error { return nil }))
	assert.Error(t, s.Add("reap", "@every 1m", func(context.Context) error { return nil }), "duplicate name")
}

func TestEmptySpecDisablesJob(t *testing.T) {
	s := newTestScheduler(time.Now())
	require.NoError(t, s.Add("purge", "", func(context.Context) error { return nil }))
	assert.Error(t, s.Trigger(context.Background(), "purge"))
}

func TestTriggerPinsRequestClock(t *testing.T) {
	fired := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	s := newTestScheduler(fired)

	var seen time.Time
	require.NoError(t, s.Add("sweep", "@daily", func(ctx context.Context) error {
		seen = requestcontext.Now(ctx)
		return errors.New("boom")
	}))

	err := s.Trigger(context.Background(), "sweep")
	assert.EqualError(t, err, "boom")
	assert.Equal(t, fired, seen)
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestScheduler(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestPeriod(t *testing.T) {
	from := time.Date(2026, 7, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		spec string
		want time.Duration
	}{
		{"@daily", 24 * time.Hour},
		{"@hourly", time.Hour},
		{"@every 1m", time.Minute},
		{"0 9 * * *", 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := Period(tt.spec, from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Period("bogus", from)
	assert.Error(t, err)
}
