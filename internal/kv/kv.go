// Package kv wraps a Redis client with the primitives every other
// component needs: counters, sorted sets for delayed visibility,
// streams for the priority queue, SETNX for locks/leader election, and
// Lua scripting for atomic compare-and-swap transactions (the rate
// limiter's window check, the circuit breaker's failure-ladder CAS).
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TransportError wraps a failure to reach Redis at all: connection
// refused, timeout, context cancellation. Callers should treat this as
// retryable and classify it job.ClassTransient.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("kv transport: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// LogicError wraps a failure Redis itself reported for a well-formed
// request: a script error, a type mismatch, a NOSCRIPT. Not retryable
// by simply resending the same call.
type LogicError struct{ Err error }

func (e *LogicError) Error() string { return fmt.Sprintf("kv logic: %v", e.Err) }
func (e *LogicError) Unwrap() error { return e.Err }

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Err: err}
	}
	if redis.HasErrorPrefix(err, "ERR") || redis.HasErrorPrefix(err, "NOSCRIPT") || redis.HasErrorPrefix(err, "WRONGTYPE") {
		return &LogicError{Err: err}
	}
	return &TransportError{Err: err}
}

// Client is the KV/Stream surface components depend on. Consumers
// depend on this concrete type rather than an interface because every
// call site needs the full primitive set and there is exactly one
// production implementation (Redis) plus miniredis for tests, which
// satisfies the same *redis.Client wire protocol.
type Client struct {
	rdb *redis.Client
}

// New dials addr (or, for tests, the address of a miniredis instance).
func New(addr, password string, db int) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})}
}

// NewFromRedis wraps an already-constructed client, for callers (and
// tests) that need custom dial options.
func NewFromRedis(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Raw exposes the underlying client for callers (e.g. internal/queue's
// XReadGroup loop) that need APIs this wrapper doesn't cover.
func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Ping(ctx context.Context) error {
	return classify(c.rdb.Ping(ctx).Err())
}

// IncrWithTTL increments key and, only on the first increment (value
// becomes 1), sets ttl — the standard fixed-window rate-limit counter
// pattern.
func (c *Client) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, classify(err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return n, classify(err)
		}
	}
	return n, nil
}

// LPushTrim pushes value onto the head of a list, trims it to at most
// maxLen entries, and (re)sets its TTL — the capped, TTL'd history list
// the reflection publisher uses for timing history.
func (c *Client) LPushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	if err := c.rdb.LPush(ctx, key, value).Err(); err != nil {
		return classify(err)
	}
	if err := c.rdb.LTrim(ctx, key, 0, maxLen-1).Err(); err != nil {
		return classify(err)
	}
	return classify(c.rdb.Expire(ctx, key, ttl).Err())
}

// LRange returns list elements in [start, stop] (inclusive, -1 = last).
func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := c.rdb.LRange(ctx, key, start, stop).Result()
	return res, classify(err)
}

// ZAdd adds member with score to a sorted set (delayed-visibility queue).
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return classify(c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRangeByScore returns members with score in [min, max].
func (c *Client) ZRangeByScore(ctx context.Context, key, min, max string, count int64) ([]string, error) {
	res, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max, Count: count}).Result()
	return res, classify(err)
}

// ZRemRangeByScore removes members with score in [min, max].
func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := c.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	return n, classify(err)
}

// ZRem removes a single member from a sorted set.
func (c *Client) ZRem(ctx context.Context, key, member string) error {
	return classify(c.rdb.ZRem(ctx, key, member).Err())
}

// ZCard reports the cardinality of a sorted set.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	return n, classify(err)
}

// XAdd appends an entry to a stream.
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	return id, classify(err)
}

// XGroupCreate creates a consumer group, tolerating BUSYGROUP (already
// exists).
func (c *Client) XGroupCreate(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && redis.HasErrorPrefix(err, "BUSYGROUP") {
		return nil
	}
	return classify(err)
}

// XReadGroup reads up to count pending-or-new entries for consumer in
// group. block follows go-redis/Redis BLOCK semantics: block >= 0 sends
// BLOCK <ms>, and 0 means block indefinitely; a negative block omits
// BLOCK entirely so the call returns immediately with whatever is
// already available.
func (c *Client) XReadGroup(ctx context.Context, group, consumer string, streams []string, count int64, block time.Duration) ([]redis.XStream, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, classify(err)
}

// XAck acknowledges processed entries.
func (c *Client) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return classify(c.rdb.XAck(ctx, stream, group, ids...).Err())
}

// XLen reports stream length.
func (c *Client) XLen(ctx context.Context, stream string) (int64, error) {
	n, err := c.rdb.XLen(ctx, stream).Result()
	return n, classify(err)
}

// XPendingCount reports the number of pending (delivered, unacked)
// entries for group.
func (c *Client) XPendingCount(ctx context.Context, stream, group string) (int64, error) {
	res, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return 0, classify(err)
	}
	return res.Count, nil
}

// XClaim reclaims entries idle longer than minIdle, for DLQ routing of
// abandoned deliveries.
func (c *Client) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]redis.XMessage, error) {
	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	return msgs, classify(err)
}

// XDel removes entries from a stream outright (used once an entry has
// been routed to the DLQ stream and need not linger in the source).
func (c *Client) XDel(ctx context.Context, stream string, ids ...string) error {
	return classify(c.rdb.XDel(ctx, stream, ids...).Err())
}

// SetNX acquires a lock/lease: returns true if key was set, false if it
// already existed. Used for single-flight locks and the delayed-queue
// promoter's leader election.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	return ok, classify(err)
}

// SetEx unconditionally sets key to value with the given TTL.
func (c *Client) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return classify(c.rdb.Set(ctx, key, value, ttl).Err())
}

// Get returns a key's value, or ("", false, nil) if it does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return v, err == nil, classify(err)
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return classify(c.rdb.Del(ctx, keys...).Err())
}

// Eval runs a Lua script for atomic read-modify-write transactions.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	res, err := c.rdb.Eval(ctx, script, keys, args...).Result()
	return res, classify(err)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }
