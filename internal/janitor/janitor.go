// Package janitor recovers documents whose ingestion run died before
// reaching a terminal status.
package janitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agrichat/knowledge/config"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

// AbandonedReason is recorded on documents failed by the janitor.
const AbandonedReason = "ingestion abandoned"

const lockKey = "agrirag:janitor:lock"

// Sweeper fails PROCESSING documents whose run started before startedBefore,
// or that never started and were queued before queuedBefore (zero disables).
type Sweeper interface {
	FailStale(ctx context.Context, startedBefore, queuedBefore time.Time, reason string) ([]string, error)
}

// Locker provides a best-effort mutual exclusion across processes.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// RedisLocker implements Locker with SETNX.
type RedisLocker struct {
	Client *redis.Client
}

func (l RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.Client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

func (l RedisLocker) Unlock(ctx context.Context, key string) error {
	return l.Client.Del(ctx, key).Err()
}

type Janitor struct {
	sweeper    Sweeper
	locker     Locker
	schedule   *cronexpr.Expression
	staleAfter  time.Duration
	queuedAfter time.Duration
	lockTTL     time.Duration
	logger      *log.Logger
	now         func() time.Time
}

// New builds a janitor. locker may be nil for single-process deployments.
func New(sweeper Sweeper, locker Locker, cfg config.JanitorConfig, logger *log.Logger) (*Janitor, error) {
	expr, err := cronexpr.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("parse janitor cron %q: %w", cfg.Cron, err)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.QueuedAfter < 0 {
		cfg.QueuedAfter = 0
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[JANITOR] ", log.LstdFlags)
	}
	return &Janitor{
		sweeper:     sweeper,
		locker:      locker,
		schedule:    expr,
		staleAfter:  cfg.StaleAfter,
		queuedAfter: cfg.QueuedAfter,
		lockTTL:     cfg.LockTTL,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Next returns the first scheduled sweep strictly after t.
func (j *Janitor) Next(t time.Time) time.Time {
	return j.schedule.Next(t)
}

// Sweep fails stale PROCESSING documents once. It is a no-op when another
// process holds the lock.
func (j *Janitor) Sweep(ctx context.Context) ([]string, error) {
	if j.locker != nil {
		ok, err := j.locker.TryLock(ctx, lockKey, j.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire janitor lock: %w", err)
		}
		if !ok {
			j.logger.Printf("sweep skipped; another instance holds the lock")
			return nil, nil
		}
		defer func() {
			if err := j.locker.Unlock(context.WithoutCancel(ctx), lockKey); err != nil {
				j.logger.Printf("warn: release janitor lock: %v", err)
			}
		}()
	}
	now := j.now()
	started := now.Add(-j.staleAfter)
	var queued time.Time
	if j.queuedAfter > 0 {
		queued = now.Add(-j.queuedAfter)
	}
	ids, err := j.sweeper.FailStale(ctx, started, queued, AbandonedReason)
	if err != nil {
		return nil, fmt.Errorf("fail stale documents: %w", err)
	}
	for _, id := range ids {
		j.logger.Printf("document %s: marked FAILED (%s, run started before %s)", id, AbandonedReason, started.Format(time.RFC3339))
	}
	return ids, nil
}

// Run sweeps once immediately and then on every scheduled tick until ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Printf("janitor started; stale after %s, never started after %s", j.staleAfter, j.queuedAfter)
	if _, err := j.Sweep(ctx); err != nil {
		j.logger.Printf("error: %v", err)
	}
	for {
		next := j.Next(j.now())
		if next.IsZero() {
			return fmt.Errorf("janitor schedule has no future occurrence")
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger.Printf("janitor stopping: %v", ctx.Err())
			return nil
		case <-timer.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Printf("error: %v", err)
			}
		}
	}
}
