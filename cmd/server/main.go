package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/revtun/internal/events"
	"github.com/matst80/revtun/internal/obs"
	"github.com/matst80/revtun/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if err := run(&cfg); err != nil {
		obs.Error("server.exit", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *Config) error {
	instanceID := "revtun-" + uuid.NewString()[:8]
	obs.Info("server.start", obs.Fields{"addr": cfg.Addr, "metrics": cfg.MetricsAddr, "instance": instanceID})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer rdb.Close()
	}
	state := newStateStore(rdb, instanceID)

	bus := obs.Multi{obs.LogPublisher{}}
	if rdb != nil && cfg.EventsChannel != "" {
		pub := events.NewRedisPublisher(rdb, cfg.EventsChannel, instanceID, 0)
		defer pub.Close()
		bus = append(bus, pub)
	}

	var limiter *ratelimit.Limiter
	if cfg.AcceptRate > 0 || cfg.AcceptRateGlobal > 0 {
		limiter = ratelimit.New(cfg.AcceptRateGlobal, cfg.AcceptRate, cfg.AcceptBurst)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen control %s: %w", cfg.Addr, err)
	}

	r := &relay{cfg: cfg, state: state, bus: bus, limiter: limiter}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.acceptControl(gctx, ln) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return startMetricsServer(gctx, cfg.MetricsAddr, state) })
	}
	if rs, ok := state.(*redisStateStore); ok {
		g.Go(func() error { return rs.startMaintenance(gctx) })
	}
	if limiter != nil {
		g.Go(func() error { return runLimiterCleanup(gctx, limiter, state, time.Minute) })
	}
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("server.shutdown.signal", obs.Fields{})
		state.setClosing(true)
		_ = ln.Close()
		for _, t := range state.tunnels() {
			_ = t.server.Close()
		}
		return nil
	})

	state.setReady(true)
	obs.Info("server.ready", obs.Fields{})
	err = g.Wait()
	obs.Info("server.shutdown.complete", obs.Fields{})
	return err
}

// runLimiterCleanup drops per-tunnel buckets of tunnels that no longer exist.
func runLimiterCleanup(ctx context.Context, l *ratelimit.Limiter, state StateStore, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			active := map[string]bool{}
			for _, e := range state.tunnels() {
				active[e.server.Descriptor().String()] = true
			}
			l.Cleanup(active)
		}
	}
}
