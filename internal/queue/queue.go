// Package queue implements the Priority Queue Manager from spec.md
// §4.6: four Redis Streams (emergency, high, normal, low), a delayed
// sorted set for timed re-enqueue, and a dead-letter stream, all
// driven through internal/kv's stream primitives.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/99souls/fetchguard/internal/kv"
	"github.com/99souls/fetchguard/internal/telemetry/metrics"
	"github.com/99souls/fetchguard/pkg/job"
)

const (
	delayedSetKey    = "jobs:delayed"
	dlqStream        = "jobs:stream:dlq"
	promoterLockKey  = "jobs:delayed:promoter:lock"
	promoterLockTTL  = 10 * time.Second
	dedupeTTL        = 24 * time.Hour
	defaultReadCount = 1
)

// Stats is the per-stream and delayed-set snapshot returned by GetStats.
type Stats struct {
	Streams map[string]StreamStats
	Delayed int64
}

// StreamStats is one priority stream's length and unacknowledged count.
type StreamStats struct {
	Length  int64
	Pending int64
}

// Manager is the Redis-backed priority queue.
type Manager struct {
	kv      *kv.Client
	group   string
	metrics *metrics.App
}

// New returns a Manager. group is the consumer group name shared by
// every worker in the pool (spec.md §4.6: "a consumer group per worker
// pool, consumer name per worker").
func New(client *kv.Client, group string) *Manager {
	return &Manager{kv: client, group: group}
}

// SetMetrics attaches the gauge per-priority queue depth is reported
// against. Optional — a nil or never-set app simply means no metrics
// recorded.
func (m *Manager) SetMetrics(app *metrics.App) { m.metrics = app }

// EnsureGroups creates the consumer group on every priority stream
// (the DLQ stream gets no group), tolerating groups that already exist.
func (m *Manager) EnsureGroups(ctx context.Context) error {
	for _, p := range job.Priorities {
		if err := m.kv.XGroupCreate(ctx, p.Stream(), m.group); err != nil {
			return fmt.Errorf("queue: create group on %s: %w", p.Stream(), err)
		}
	}
	return nil
}

// Enqueue appends job_id to its priority stream, or — if dedupeKey is
// non-empty and already has a live dedupe record — returns the
// previously stored message id without appending again.
func (m *Manager) Enqueue(ctx context.Context, jobID string, priority job.Priority, domain, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		if existing, ok, err := m.kv.Get(ctx, dedupeRecordKey(dedupeKey)); err != nil {
			return "", fmt.Errorf("queue: dedupe lookup: %w", err)
		} else if ok {
			return existing, nil
		}
	}

	id, err := m.kv.XAdd(ctx, priority.Stream(), map[string]any{
		"job_id":      jobID,
		"priority":    int(priority),
		"domain":      domain,
		"enqueued_at": time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	if dedupeKey != "" {
		if _, err := m.kv.SetNX(ctx, dedupeRecordKey(dedupeKey), id, dedupeTTL); err != nil {
			return "", fmt.Errorf("queue: set dedupe record: %w", err)
		}
	}
	return id, nil
}

// Message is one claimed, acknowledged stream entry.
type Message struct {
	ID         string
	JobID      string
	Priority   job.Priority
	Domain     string
	RetryCount int
}

// Dequeue reads streams in strict priority order (emergency first) via
// the worker pool's consumer group, blocking up to timeout for a new
// entry, and acknowledges the claimed message before returning — the
// caller sees it at-least-once, never unacknowledged-then-lost on a
// clean read.
func (m *Manager) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (*Message, error) {
	for _, p := range job.Priorities {
		streams := []string{p.Stream(), ">"}
		res, err := m.kv.XReadGroup(ctx, m.group, consumer, streams, defaultReadCount, -1)
		if err != nil {
			return nil, fmt.Errorf("queue: read %s: %w", p.Stream(), err)
		}
		if msg := firstMessage(res); msg != nil {
			parsed := parseMessage(p, msg)
			if err := m.kv.XAck(ctx, p.Stream(), m.group, msg.ID); err != nil {
				return nil, fmt.Errorf("queue: ack: %w", err)
			}
			return parsed, nil
		}
	}

	// Nothing ready on any stream; block on the lowest-priority stream
	// for the remaining timeout so idle workers don't spin.
	last := job.Priorities[len(job.Priorities)-1]
	res, err := m.kv.XReadGroup(ctx, m.group, consumer, []string{last.Stream(), ">"}, defaultReadCount, timeout)
	if err != nil {
		return nil, fmt.Errorf("queue: blocking read %s: %w", last.Stream(), err)
	}
	msg := firstMessage(res)
	if msg == nil {
		return nil, nil
	}
	parsed := parseMessage(last, msg)
	if err := m.kv.XAck(ctx, last.Stream(), m.group, msg.ID); err != nil {
		return nil, fmt.Errorf("queue: ack: %w", err)
	}
	return parsed, nil
}

func firstMessage(streams []redis.XStream) *redis.XMessage {
	for _, s := range streams {
		if len(s.Messages) > 0 {
			return &s.Messages[0]
		}
	}
	return nil
}

func parseMessage(p job.Priority, msg *redis.XMessage) *Message {
	m := &Message{ID: msg.ID, Priority: p}
	if v, ok := msg.Values["job_id"].(string); ok {
		m.JobID = v
	}
	if v, ok := msg.Values["domain"].(string); ok {
		m.Domain = v
	}
	if v, ok := msg.Values["retry_count"]; ok {
		switch n := v.(type) {
		case string:
			fmt.Sscanf(n, "%d", &m.RetryCount)
		case int64:
			m.RetryCount = int(n)
		}
	}
	return m
}

// Requeue re-enqueues jobID, directly if delay is zero, otherwise via
// the delayed sorted set for the promoter to pick up once due.
func (m *Manager) Requeue(ctx context.Context, jobID string, priority job.Priority, domain string, delay time.Duration) error {
	if delay <= 0 {
		_, err := m.Enqueue(ctx, jobID, priority, domain, "")
		return err
	}
	member := fmt.Sprintf("%s|%d|%s", jobID, priority, domain)
	score := float64(time.Now().Add(delay).Unix())
	if err := m.kv.ZAdd(ctx, delayedSetKey, score, member); err != nil {
		return fmt.Errorf("queue: schedule delayed requeue: %w", err)
	}
	return nil
}

// RouteToDLQ appends jobID to the dead-letter stream. DLQ entries are
// never dequeued by worker pools.
func (m *Manager) RouteToDLQ(ctx context.Context, jobID, domain, reason string) error {
	_, err := m.kv.XAdd(ctx, dlqStream, map[string]any{
		"job_id": jobID,
		"domain": domain,
		"reason": reason,
		"at":     time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("queue: route to dlq: %w", err)
	}
	return nil
}

// GetStats returns per-stream length/pending counts and the delayed set
// size.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{Streams: map[string]StreamStats{}}
	for _, p := range job.Priorities {
		length, err := m.kv.XLen(ctx, p.Stream())
		if err != nil {
			return Stats{}, fmt.Errorf("queue: stats len %s: %w", p.Stream(), err)
		}
		pending, err := m.kv.XPendingCount(ctx, p.Stream(), m.group)
		if err != nil {
			return Stats{}, fmt.Errorf("queue: stats pending %s: %w", p.Stream(), err)
		}
		stats.Streams[p.Stream()] = StreamStats{Length: length, Pending: pending}
		if m.metrics != nil {
			m.metrics.QueueDepth.Set(float64(length), p.Stream())
		}
	}
	delayed, err := m.kv.ZCard(ctx, delayedSetKey)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats delayed: %w", err)
	}
	stats.Delayed = delayed
	return stats, nil
}

// GetDepth sums stream lengths across every non-DLQ priority stream.
func (m *Manager) GetDepth(ctx context.Context) (int64, error) {
	var total int64
	for _, p := range job.Priorities {
		n, err := m.kv.XLen(ctx, p.Stream())
		if err != nil {
			return 0, fmt.Errorf("queue: depth %s: %w", p.Stream(), err)
		}
		total += n
	}
	return total, nil
}

// Remove scans every priority stream (bounded by a reasonable batch
// read) for entries matching jobID and deletes them, for best-effort
// cancellation.
func (m *Manager) Remove(ctx context.Context, jobID string) error {
	const scanBatch = 500
	for _, p := range job.Priorities {
		entries, err := m.kv.Raw().XRange(ctx, p.Stream(), "-", "+").Result()
		if err != nil {
			return fmt.Errorf("queue: scan %s: %w", p.Stream(), err)
		}
		var toDelete []string
		for i, e := range entries {
			if i >= scanBatch {
				break
			}
			if v, ok := e.Values["job_id"].(string); ok && v == jobID {
				toDelete = append(toDelete, e.ID)
			}
		}
		if len(toDelete) > 0 {
			if err := m.kv.XDel(ctx, p.Stream(), toDelete...); err != nil {
				return fmt.Errorf("queue: remove from %s: %w", p.Stream(), err)
			}
		}
	}
	return nil
}

func dedupeRecordKey(dedupeKey string) string { return "dedupe:" + dedupeKey }
