// Package cache puts a Redis read-through cache in front of a catalog.Reader.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"accredit/internal/catalog"
	id "accredit/pkg/domain"
)

const keyPrefix = "catalog:"

// Reader caches catalog reads in Redis for ttl. Concurrent misses for the same
// key collapse into one upstream read. Redis failures fall through to the
// upstream reader.
type Reader struct {
	upstream catalog.Reader
	client   *redis.Client
	ttl      time.Duration
	logger   *slog.Logger
	group    singleflight.Group
}

type Option func(*Reader)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) { r.logger = logger }
}

func New(upstream catalog.Reader, client *redis.Client, ttl time.Duration, opts ...Option) (*Reader, error) {
	if upstream == nil {
		return nil, errors.New("upstream reader is required")
	}
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	r := &Reader{upstream: upstream, client: client, ttl: ttl, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Reader) GetCourse(ctx context.Context, key id.CourseKey) (catalog.CourseView, error) {
	return readThrough(ctx, r, "course:"+string(key), func(ctx context.Context) (catalog.CourseView, error) {
		return r.upstream.GetCourse(ctx, key)
	})
}

func (r *Reader) GetProgramsContaining(ctx context.Context, key id.CourseKey) ([]catalog.ProgramView, error) {
	return readThrough(ctx, r, "programs-for:"+string(key), func(ctx context.Context) ([]catalog.ProgramView, error) {
		return r.upstream.GetProgramsContaining(ctx, key)
	})
}

func (r *Reader) GetProgram(ctx context.Context, uuid id.ProgramUUID) (catalog.ProgramView, error) {
	return readThrough(ctx, r, "program:"+uuid.String(), func(ctx context.Context) (catalog.ProgramView, error) {
		return r.upstream.GetProgram(ctx, uuid)
	})
}

func (r *Reader) ListPrograms(ctx context.Context) ([]catalog.ProgramView, error) {
	return readThrough(ctx, r, "programs", func(ctx context.Context) ([]catalog.ProgramView, error) {
		return r.upstream.ListPrograms(ctx)
	})
}

// Invalidate drops every cached catalog entry for a course.
func (r *Reader) Invalidate(ctx context.Context, key id.CourseKey) error {
	return r.client.Del(ctx,
		keyPrefix+"course:"+string(key),
		keyPrefix+"programs-for:"+string(key),
		keyPrefix+"programs",
	).Err()
}

func readThrough[T any](ctx context.Context, r *Reader, key string, load func(context.Context) (T, error)) (T, error) {
	var zero T
	redisKey := keyPrefix + key

	raw, err := r.client.Get(ctx, redisKey).Bytes()
	switch {
	case err == nil:
		var v T
		if jsonErr := json.Unmarshal(raw, &v); jsonErr == nil {
			return v, nil
		}
	case !errors.Is(err, redis.Nil):
		r.logger.WarnContext(ctx, "catalog cache read failed", "key", redisKey, "error", err)
	}

	v, err, _ := r.group.Do(redisKey, func() (any, error) {
		loaded, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if payload, err := json.Marshal(loaded); err == nil {
			if setErr := r.client.Set(ctx, redisKey, payload, r.ttl).Err(); setErr != nil {
				r.logger.WarnContext(ctx, "catalog cache write failed", "key", redisKey, "error", setErr)
			}
		}
		return loaded, nil
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("catalog cache: unexpected type for %s", redisKey)
	}
	return typed, nil
}
