// Package redisledger provides a Redis-backed triage.DispatchLedger so that
// several sift instances share one dispatched set.
package redisledger

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis set holding dispatched transaction IDs.
const DefaultKey = "sift:dispatched"

// Ledger stores dispatched IDs in a single Redis set.
type Ledger struct {
	client *redis.Client
	key    string
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithKey overrides the set key, e.g. to namespace several deployments on
// one Redis.
func WithKey(key string) Option {
	return func(l *Ledger) {
		if key != "" {
			l.key = key
		}
	}
}

// New wraps client. The caller owns the client lifecycle.
func New(client *redis.Client, opts ...Option) *Ledger {
	l := &Ledger{client: client, key: DefaultKey}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Dial parses url, connects and pings.
func Dial(ctx context.Context, url string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if dialTimeout > 0 {
		opts.DialTimeout = dialTimeout
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// Claim adds id with SADD, which reports whether the member was new. Redis
// runs it atomically, so exactly one instance wins a contested claim.
func (l *Ledger) Claim(ctx context.Context, id string) (bool, error) {
	n, err := l.client.SAdd(ctx, l.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("redis sadd %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Mark adds id to the set.
func (l *Ledger) Mark(ctx context.Context, id string) error {
	if err := l.client.SAdd(ctx, l.key, id).Err(); err != nil {
		return fmt.Errorf("redis sadd %s: %w", l.key, err)
	}
	return nil
}

// Unmark removes id from the set.
func (l *Ledger) Unmark(ctx context.Context, id string) error {
	if err := l.client.SRem(ctx, l.key, id).Err(); err != nil {
		return fmt.Errorf("redis srem %s: %w", l.key, err)
	}
	return nil
}

// Members returns the set, sorted.
func (l *Ledger) Members(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", l.key, err)
	}
	slices.Sort(ids)
	return ids, nil
}

// Clear deletes the set.
func (l *Ledger) Clear(ctx context.Context) error {
	if err := l.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", l.key, err)
	}
	return nil
}
