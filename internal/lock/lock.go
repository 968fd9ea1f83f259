// Package lock provides the mutual exclusion that keeps scheduler passes in
// different processes from overlapping.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "jobrunner:lock:"

// Lease is a held lock.
type Lease interface {
	// Renew extends the lease. It reports false once ownership was lost.
	Renew(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

type Locker interface {
	// TryLock acquires key without waiting. ok is false when another owner holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Noop always grants the lock. Used when no Redis is configured.
type Noop struct{}

func (Noop) TryLock(context.Context, string, time.Duration) (Lease, bool, error) {
	return noopLease{}, true, nil
}

type noopLease struct{}

func (noopLease) Renew(context.Context, time.Duration) (bool, error) { return true, nil }
func (noopLease) Release(context.Context) error                      { return nil }

const renewScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	else
		return 0
	end`

const releaseScript = `
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	else
		return 0
	end`

// Redis implements Locker with SET NX PX and owner-checked renew/release.
type Redis struct {
	rdb   *redis.Client
	owner string
}

func NewRedis(rdb *redis.Client) *Redis {
	host, _ := os.Hostname()
	return &Redis{rdb: rdb, owner: fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())}
}

// Dial parses a redis:// URL and checks connectivity.
func Dial(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(rdb), nil
}

func (r *Redis) Close() error { return r.rdb.Close() }

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	full := keyPrefix + key
	ok, err := r.rdb.SetNX(ctx, full, r.owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{rdb: r.rdb, key: full, owner: r.owner}, true, nil
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	owner string
}

func (l *redisLease) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := l.rdb.Eval(ctx, renewScript, []string{l.key}, l.owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return n == 1, nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
