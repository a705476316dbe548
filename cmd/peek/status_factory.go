package main

import (
	"context"

	"github.com/matst80/peek/internal/obs"
)

// newStatusStore creates either an in-memory or Redis-backed status store
// based on configuration.
func newStatusStore(ctx context.Context, redisAddr, redisPassword string, redisDB int) (StatusStore, error) {
	if redisAddr == "" {
		obs.Info("status.backend", obs.Fields{"type": "in-memory"})
		return newMemoryStatus(), nil
	}
	obs.Info("status.backend", obs.Fields{"type": "redis", "addr": redisAddr})
	store, err := newRedisStatus(redisAddr, redisPassword, redisDB)
	if err != nil {
		return nil, err
	}
	go store.startMaintenance(ctx)
	return store, nil
}
