// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. The relay uses it to throttle outgoing messages per
// conversation and WebSocket connects per client IP.
package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        `yaml:"key"`    // Redis key prefix (e.g., "rl:msg:", "rl:conn:")
	Limit  int           `yaml:"limit"`  // max count in the window
	Window time.Duration `yaml:"window"` // time window
}

var (
	// RuleMessage allows 20 messages per 10 seconds per conversation.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleConnect allows 30 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: 1 * time.Minute}
)

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Dial connects to Redis at addr and verifies the connection with a PING.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ratelimit: ping redis %s", addr)
	}
	return client, nil
}

// Allow checks whether the given identifier is within the rate limit defined by
// rule. It increments the counter in Redis and sets the expiry on first access.
//
// Returns true if the request is allowed, false if rate limited. On Redis
// errors the method fails open (returns true) so that a Redis outage does not
// block legitimate traffic.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Str("component", "ratelimit").Err(err).Str("key", key).Msg("redis INCR failed, failing open")
		return true, errors.Wrap(err, "ratelimit: incr")
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Warn().Str("component", "ratelimit").Err(err).Str("key", key).Msg("redis EXPIRE failed, failing open")
			// A key without TTL would block the identifier forever.
			l.client.Del(ctx, key)
			return true, errors.Wrap(err, "ratelimit: expire")
		}
	}

	if int(count) > rule.Limit {
		return false, nil
	}

	return true, nil
}
