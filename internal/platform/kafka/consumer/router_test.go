package consumer

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouter_DispatchesByTopic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var got []string
	r := NewRouter(logger, nil)
	r.Register("accredit.grades", HandlerFunc(func(_ context.Context, m *Message) error {
		got = append(got, "grades:"+string(m.Key))
		return nil
	}))

	assert.NoError(t, r.Handle(context.Background(), &Message{Topic: "accredit.grades", Key: []byte("k1")}))
	assert.NoError(t, r.Handle(context.Background(), &Message{Topic: "unknown", Key: []byte("k2")}))
	assert.Equal(t, []string{"grades:k1"}, got)
	assert.ElementsMatch(t, []string{"accredit.grades"}, r.Topics())
}

func TestRouter_UsesFallback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	called := false
	r := NewRouter(logger, HandlerFunc(func(context.Context, *Message) error {
		called = true
		return nil
	}))

	assert.NoError(t, r.Handle(context.Background(), &Message{Topic: "other"}))
	assert.True(t, called)
}
