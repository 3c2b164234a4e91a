package main

import (
	"flag"
	"time"

	"github.com/matst80/revtun/internal/tunnelserver"
)

// Config holds all runtime configuration derived from flags.
type Config struct {
	Addr             string
	Host             string
	Token            string
	WaitTimeout      time.Duration
	SweepInterval    time.Duration
	HandshakeTimeout time.Duration
	MetricsAddr      string
	Debug            bool
	// control links: a client that stops reading or goes silent is dropped
	ControlWriteTimeout time.Duration
	ControlIdleTimeout  time.Duration
	// Redis is optional; when set client and port claims are shared across instances
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventsChannel string
	// accept limiter, zero disables
	AcceptRate       float64
	AcceptRateGlobal float64
	AcceptBurst      int
}

var cfg Config

// init registers flags into the global flag set. main() parses and uses cfg.
func init() {
	flag.StringVar(&cfg.Addr, "addr", ":9000", "address for control connections and data channels")
	flag.StringVar(&cfg.Host, "host", "", "host tunnel listeners bind to (empty = all interfaces)")
	flag.StringVar(&cfg.Token, "token", "", "shared secret token; if set clients must provide matching token")
	flag.DurationVar(&cfg.WaitTimeout, "proxy-wait-timeout", tunnelserver.DefaultWaitTimeout, "how long a public connection may wait for its tunnel connection")
	flag.DurationVar(&cfg.SweepInterval, "proxy-sweep-interval", tunnelserver.DefaultSweepInterval, "interval for sweeping waiting public connections")
	flag.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 10*time.Second, "time limit for the first message on a new connection")
	flag.DurationVar(&cfg.ControlWriteTimeout, "control-write-timeout", 10*time.Second, "time limit for writing one message to a control connection (0 disables)")
	flag.DurationVar(&cfg.ControlIdleTimeout, "control-idle-timeout", 60*time.Second, "drop a control connection that sends nothing, not even a ping, for this long (0 disables)")
	flag.StringVar(&cfg.MetricsAddr, "metrics", ":9100", "metrics and health listen address (empty disables)")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
	flag.StringVar(&cfg.RedisAddr, "redis", "", "redis address for shared state (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", "", "redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", 0, "redis database number")
	flag.StringVar(&cfg.EventsChannel, "events-channel", "revtun:events", "redis pub/sub channel for tunnel events")
	flag.Float64Var(&cfg.AcceptRate, "accept-rate", 0, "max public connections per second per tunnel (0 = unlimited)")
	flag.Float64Var(&cfg.AcceptRateGlobal, "accept-rate-global", 0, "max public connections per second across tunnels (0 = unlimited)")
	flag.IntVar(&cfg.AcceptBurst, "accept-burst", 20, "burst size for the accept limiter")
}
