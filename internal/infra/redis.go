package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisUsage tunes a client for one job. The admin replay store and the
// balance broadcaster share the cache usage; sweep locks get their own
// client so a slow cache never delays a lease.
type RedisUsage struct {
	Name         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	// MaxRetries of -1 disables command retries. A retried SET NX can report
	// "not acquired" for a lease the first attempt actually took.
	MaxRetries int
}

var (
	CacheUsage = RedisUsage{Name: "tradeledger-cache", ReadTimeout: time.Second, WriteTimeout: time.Second}
	LockUsage  = RedisUsage{Name: "tradeledger-sweep-lock", ReadTimeout: 500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond, PoolSize: 4, MaxRetries: -1}
)

// RedisOptions parses url and applies usage on top of it. Values set in the
// URL query win over the usage defaults.
func RedisOptions(url string, usage RedisUsage) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.ClientName == "" {
		opt.ClientName = usage.Name
	}
	if opt.ReadTimeout == 0 {
		opt.ReadTimeout = usage.ReadTimeout
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = usage.WriteTimeout
	}
	if opt.PoolSize == 0 && usage.PoolSize > 0 {
		opt.PoolSize = usage.PoolSize
	}
	if opt.MaxRetries == 0 && usage.MaxRetries != 0 {
		opt.MaxRetries = usage.MaxRetries
	}
	return opt, nil
}

// NewRedisClient connects a client for usage and pings it.
func NewRedisClient(ctx context.Context, url string, usage RedisUsage) (*redis.Client, error) {
	opt, err := RedisOptions(url, usage)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis (%s): %w", usage.Name, err)
	}
	return client, nil
}
