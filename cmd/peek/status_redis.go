package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/peek/internal/obs"
	"github.com/redis/go-redis/v9"
)

// redisStatus wraps the in-memory store and periodically publishes the
// snapshot to a Redis hash, one key per proxy instance. Reads stay local;
// Redis is a write-through mirror for fleet dashboards.
type redisStatus struct {
	*memoryStatus
	client        *redis.Client
	instanceID    string
	flushInterval time.Duration
	keyTTL        time.Duration
}

func newRedisStatus(addr, password string, db int) (*redisStatus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStatus{
		memoryStatus:  newMemoryStatus(),
		client:        rdb,
		instanceID:    fmt.Sprintf("peek-%d", time.Now().UnixNano()),
		flushInterval: 10 * time.Second,
		keyTTL:        time.Minute,
	}, nil
}

var _ StatusStore = (*redisStatus)(nil)

// startMaintenance flushes the snapshot until ctx is cancelled. The key TTL
// outlives the flush interval, so an instance that dies simply ages out.
func (r *redisStatus) startMaintenance(ctx context.Context) {
	t := time.NewTicker(r.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case <-t.C:
			r.flush()
		}
	}
}

func (r *redisStatus) flush() {
	snap := r.getStats()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	key := "peek:status:" + r.instanceID
	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key,
		"upstream", snap.UpstreamState,
		"clients", snap.Clients,
		"frames", snap.FramesRelayed,
		"bytes", snap.BytesRelayed,
		"reconnects", snap.Reconnects,
		"last_frame", snap.LastFrame.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, key, r.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.status_flush", obs.Fields{"err": err.Error()})
	}
}
