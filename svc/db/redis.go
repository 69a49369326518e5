package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis is an optional second tier for rendered markup. It is strictly
// best-effort: burn and expiry decisions never consult it, and every failure
// degrades to a fresh render.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(url string, timeout time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{client: client, timeout: timeout}, nil
}

func markupKey(fingerprint, ext string) string {
	return "markup:" + fingerprint + ":" + ext
}

func (r *Redis) CacheMarkup(ctx context.Context, fingerprint, ext, markup string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, markupKey(fingerprint, ext), markup, ttl).Err(), "set markup")
}

// GetMarkup returns "", false on miss or on any transport error.
func (r *Redis) GetMarkup(ctx context.Context, fingerprint, ext string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	val, err := r.client.Get(ctx, markupKey(fingerprint, ext)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

// InvalidateFingerprint removes every cached rendering of one fingerprint
// across extensions.
func (r *Redis) InvalidateFingerprint(ctx context.Context, fingerprint string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	iter := r.client.Scan(ctx, 0, markupKey(fingerprint, "*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errors.Wrap(err, "scan markup keys")
	}
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(r.client.Del(ctx, keys...).Err(), "delete markup keys")
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
