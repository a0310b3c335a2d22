package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/99souls/fetchguard/internal/telemetry/logging"
	"github.com/99souls/fetchguard/pkg/job"
	"go.uber.org/zap"
)

// Promoter moves due entries from the delayed sorted set back onto
// their priority stream. Every orchestrator replica may run one; the
// leader lease below keeps promotion to one replica at a time. A
// duplicate XADD enqueues a second message, and the consumer does not
// de-duplicate it (ProcessJob skips only cancelled jobs).
type Promoter struct {
	queue    *Manager
	log      *logging.Logger
	interval time.Duration
	leaseTTL time.Duration
	leaseKey string
	id       string
}

// NewPromoter returns a Promoter polling every interval, with id
// identifying this replica in the leader lease value; the holder
// recognises its own lease by this id when renewing it.
func NewPromoter(q *Manager, log *logging.Logger, interval time.Duration, id string) *Promoter {
	return &Promoter{queue: q, log: log, interval: interval, leaseTTL: promoterLockTTL, leaseKey: promoterLockKey, id: id}
}

// Run polls until ctx is cancelled, promoting due delayed entries once
// per interval if this replica holds the leader lease that tick. The
// holder renews the lease on each tick.
func (p *Promoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Promoter) tick(ctx context.Context) {
	acquired, err := p.queue.kv.SetNX(ctx, p.leaseKey, p.id, p.leaseTTL)
	if err != nil {
		p.logErr(ctx, "promoter: acquire lease", err)
		return
	}
	if !acquired {
		holder, ok, err := p.queue.kv.Get(ctx, p.leaseKey)
		if err != nil || !ok || holder != p.id {
			return
		}
		if err := p.queue.kv.SetEx(ctx, p.leaseKey, p.id, p.leaseTTL); err != nil {
			p.logErr(ctx, "promoter: renew lease", err)
			return
		}
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	due, err := p.queue.kv.ZRangeByScore(ctx, delayedSetKey, "-inf", now, 0)
	if err != nil {
		p.logErr(ctx, "promoter: scan delayed set", err)
		return
	}

	for _, member := range due {
		jobID, priority, domain, ok := decodeDelayedMember(member)
		if !ok {
			_ = p.queue.kv.ZRem(ctx, delayedSetKey, member)
			continue
		}
		if _, err := p.queue.Enqueue(ctx, jobID, priority, domain, ""); err != nil {
			p.logErr(ctx, "promoter: re-enqueue", err)
			continue
		}
		if err := p.queue.kv.ZRem(ctx, delayedSetKey, member); err != nil {
			p.logErr(ctx, "promoter: remove promoted entry", err)
		}
	}
}

func (p *Promoter) logErr(ctx context.Context, msg string, err error) {
	if p.log != nil {
		p.log.ErrorCtx(ctx, msg, zap.Error(err))
	}
}

func decodeDelayedMember(member string) (jobID string, priority job.Priority, domain string, ok bool) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], job.Priority(n), parts[2], true
}
