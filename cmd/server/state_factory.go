package main

import (
	"github.com/matst80/revtun/internal/obs"
	"github.com/redis/go-redis/v9"
)

// newStateStore creates either an in-memory or Redis-backed state store.
func newStateStore(rdb *redis.Client, instanceID string) StateStore {
	if rdb == nil {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newServerState()
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": rdb.Options().Addr, "instance": instanceID})
	return newRedisStateStore(rdb, instanceID)
}
