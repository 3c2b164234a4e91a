package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/revtun/internal/obs"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	if len(cfg.Tunnels) == 0 {
		obs.Error("client.config", obs.Fields{"err": "at least one -tunnel is required"})
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newAgent(&cfg)
	obs.Info("client.start", obs.Fields{"server": cfg.ServerAddr, "tunnels": cfg.Tunnels.String()})
	for {
		if err := a.runOnce(ctx); err != nil {
			obs.Error("client.control.ended", obs.Fields{"err": err.Error()})
		}
		select {
		case <-ctx.Done():
			obs.Info("client.shutdown", obs.Fields{})
			return
		case <-time.After(cfg.ReconnectDelay):
			obs.Info("client.reconnect", obs.Fields{"server": cfg.ServerAddr})
		}
	}
}
