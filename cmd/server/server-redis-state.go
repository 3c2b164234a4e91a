package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/matst80/revtun/internal/obs"
	"github.com/matst80/revtun/internal/tunnelserver"
	"github.com/redis/go-redis/v9"
)

// clientSessionData is the JSON form stored in Redis (sans conn)
type clientSessionData struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	Instance string    `json:"instance"`
	LastSeen time.Time `json:"last_seen"`
}

// stateClient is the subset of *redis.Client the state store uses.
type stateClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// redisStateStore keeps sessions and tunnel servers locally and mirrors
// ownership into Redis so that several relay instances behind one address
// never hand out the same port twice.
//
// Keys: client:<id> holds clientSessionData, tunnel:<port> holds the owning
// "<instance>/<client id>". Both expire unless refreshed by the heartbeat.
type redisStateStore struct {
	*serverState
	client     stateClient
	instanceID string
	timeout    time.Duration

	// maintenance configuration
	heartbeatInterval time.Duration
	redisKeyTTL       time.Duration
}

func newRedisStateStore(rdb stateClient, instanceID string) *redisStateStore {
	return &redisStateStore{
		serverState:       newServerState(),
		client:            rdb,
		instanceID:        instanceID,
		timeout:           3 * time.Second,
		heartbeatInterval: 30 * time.Second,
		redisKeyTTL:       2 * time.Minute,
	}
}

var _ StateStore = (*redisStateStore)(nil)

func clientKey(id string) string { return "client:" + id }
func tunnelKey(port int) string  { return "tunnel:" + strconv.Itoa(port) }

func (r *redisStateStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *redisStateStore) registerClient(sess *clientSession) error {
	data, err := json.Marshal(clientSessionData{ID: sess.id, Remote: sess.remote, Instance: r.instanceID, LastSeen: sess.lastSeen})
	if err != nil {
		return fmt.Errorf("marshal client session: %w", err)
	}
	ctx, cancel := r.ctx()
	defer cancel()
	ok, err := r.client.SetNX(ctx, clientKey(sess.id), data, r.redisKeyTTL).Result()
	if err != nil {
		return fmt.Errorf("redis set client: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrClientExists, sess.id)
	}
	if err := r.serverState.registerClient(sess); err != nil {
		r.client.Del(ctx, clientKey(sess.id))
		return err
	}
	return nil
}

func (r *redisStateStore) removeClient(id string) []*tunnelserver.Server {
	owned := r.serverState.removeClient(id)
	keys := []string{clientKey(id)}
	for _, srv := range owned {
		keys = append(keys, tunnelKey(srv.Descriptor().Port()))
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		obs.Error("redis.remove_client", obs.Fields{"err": err.Error(), "client_id": id})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
	return owned
}

func (r *redisStateStore) claimTunnel(clientID string, srv *tunnelserver.Server) error {
	port := srv.Descriptor().Port()
	ctx, cancel := r.ctx()
	defer cancel()
	owner := r.instanceID + "/" + clientID
	ok, err := r.client.SetNX(ctx, tunnelKey(port), owner, r.redisKeyTTL).Result()
	if err != nil {
		return fmt.Errorf("redis claim port %d: %w", port, err)
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	if err := r.serverState.claimTunnel(clientID, srv); err != nil {
		r.client.Del(ctx, tunnelKey(port))
		return err
	}
	return nil
}

func (r *redisStateStore) releaseTunnel(port int) {
	r.serverState.releaseTunnel(port)
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.Del(ctx, tunnelKey(port)).Err(); err != nil {
		obs.Error("redis.release_tunnel", obs.Fields{"err": err.Error(), "port": port})
		obs.ErrorsTotal.WithLabelValues("redis").Inc()
	}
}

// startMaintenance launches the periodic heartbeat until ctx is done.
func (r *redisStateStore) startMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

// heartbeat refreshes locally owned client sessions and port claims.
func (r *redisStateStore) heartbeat() {
	r.mu.Lock()
	sessions := make([]clientSessionData, 0, len(r.clients))
	for _, sess := range r.clients {
		sessions = append(sessions, clientSessionData{ID: sess.id, Remote: sess.remote, Instance: r.instanceID, LastSeen: sess.lastSeen})
	}
	ports := make([]int, 0, len(r.ports))
	for port := range r.ports {
		ports = append(ports, port)
	}
	r.mu.Unlock()
	if len(sessions) == 0 && len(ports) == 0 {
		return
	}
	ctx, cancel := r.ctx()
	defer cancel()
	for _, d := range sessions {
		data, err := json.Marshal(d)
		if err != nil {
			obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err.Error(), "client_id": d.ID})
			continue
		}
		if err := r.client.Set(ctx, clientKey(d.ID), data, r.redisKeyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.set", obs.Fields{"err": err.Error(), "client_id": d.ID})
			obs.ErrorsTotal.WithLabelValues("redis").Inc()
		}
	}
	for _, port := range ports {
		if err := r.client.Expire(ctx, tunnelKey(port), r.redisKeyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.expire_tunnel", obs.Fields{"err": err.Error(), "port": port})
			obs.ErrorsTotal.WithLabelValues("redis").Inc()
		}
	}
}
