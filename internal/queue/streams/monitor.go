package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pendingSample bounds how many pending entries GroupLag inspects.
const pendingSample = 100

// LagMetrics describes the backlog of an ingestion consumer group.
type LagMetrics struct {
	Pending     int64 // delivered, not yet acknowledged
	Lag         int64 // not yet delivered; -1 when Redis cannot tell
	Consumers   int64
	OldestIdle  time.Duration
	Redelivered int64 // sampled pending entries delivered more than once
	MaxAttempts int64 // highest delivery count among sampled pending entries
}

// GroupLag reports backlog and redelivery figures for stream/group.
func GroupLag(ctx context.Context, client *redis.Client, stream, group string) (LagMetrics, error) {
	if client == nil {
		return LagMetrics{}, fmt.Errorf("redis client is nil")
	}
	if stream == "" || group == "" {
		return LagMetrics{}, fmt.Errorf("stream and group must be provided")
	}

	groups, err := client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups: %w", err)
	}
	m := LagMetrics{Lag: -1}
	for _, info := range groups {
		if info.Name == group {
			m.Pending, m.Lag, m.Consumers = info.Pending, info.Lag, int64(info.Consumers)
			break
		}
	}
	if m.Pending == 0 {
		return m, nil
	}

	entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  pendingSample,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return LagMetrics{}, fmt.Errorf("xpending: %w", err)
	}
	for _, e := range entries {
		if e.Idle > m.OldestIdle {
			m.OldestIdle = e.Idle
		}
		if e.RetryCount > 1 {
			m.Redelivered++
		}
		if e.RetryCount > m.MaxAttempts {
			m.MaxAttempts = e.RetryCount
		}
	}
	return m, nil
}

// DeliveryCount returns how many times the pending entry id has been
// delivered to group, or 0 when it is no longer pending.
func DeliveryCount(ctx context.Context, client *redis.Client, stream, group, id string) (int64, error) {
	entries, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("xpending %s: %w", id, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].RetryCount, nil
}
