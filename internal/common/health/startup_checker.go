package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// StartupCompleteChecker fails until MarkComplete has been called.
type StartupCompleteChecker struct {
	complete atomic.Bool
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (c *StartupCompleteChecker) MarkComplete() {
	c.complete.Store(true)
}

func (c *StartupCompleteChecker) Check() error {
	if c.complete.Load() {
		return nil
	}
	return errors.New("startup is not complete")
}

// RedisChecker pings redis with a bounded timeout.
type RedisChecker struct {
	db      redis.UniversalClient
	timeout time.Duration
}

func NewRedisChecker(db redis.UniversalClient, timeout time.Duration) *RedisChecker {
	return &RedisChecker{db: db, timeout: timeout}
}

func (c *RedisChecker) Check() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.db.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping failed")
	}
	return nil
}
