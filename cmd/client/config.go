package main

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/matst80/revtun/internal/tunnel"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr     string
	Token          string
	Tunnels        tunnelFlags
	PingInterval   time.Duration
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	Debug          bool
}

var cfg Config

// init registers all client flags into the default flag set.
func init() {
	flag.StringVar(&cfg.ServerAddr, "server", "127.0.0.1:9000", "relay address")
	flag.StringVar(&cfg.Token, "token", "", "shared secret token")
	flag.Var(&cfg.Tunnels, "tunnel", "tunnel to expose as proto:server_port:local_addr, e.g. tcp:2222:127.0.0.1:22 (repeatable)")
	flag.DurationVar(&cfg.PingInterval, "ping-interval", 20*time.Second, "control connection keepalive interval (0 disables)")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", 2*time.Second, "wait before reconnecting a lost control connection")
	flag.DurationVar(&cfg.DialTimeout, "dial-timeout", 5*time.Second, "timeout for dialing the relay and local services")
	flag.BoolVar(&cfg.Debug, "debug", false, "enable debug logs")
}

// tunnelFlags collects repeated -tunnel flags.
type tunnelFlags []tunnel.Descriptor

func (t *tunnelFlags) String() string {
	parts := make([]string, 0, len(*t))
	for _, d := range *t {
		parts = append(parts, fmt.Sprintf("%s:%d:%s", d.Protocol, d.ServerPort, d.LocalAddr))
	}
	return strings.Join(parts, ",")
}

func (t *tunnelFlags) Set(v string) error {
	d, err := parseTunnel(v)
	if err != nil {
		return err
	}
	*t = append(*t, d)
	return nil
}

// parseTunnel reads proto:server_port:local_addr. local_addr keeps its own
// colon, so only the first two separators split.
func parseTunnel(v string) (tunnel.Descriptor, error) {
	parts := strings.SplitN(v, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return tunnel.Descriptor{}, fmt.Errorf("%w: want proto:port:local_addr, got %q", tunnel.ErrInvalidDescriptor, v)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return tunnel.Descriptor{}, fmt.Errorf("%w: port %q", tunnel.ErrInvalidDescriptor, parts[1])
	}
	d := tunnel.Descriptor{Protocol: tunnel.Protocol(strings.ToLower(parts[0])), ServerPort: port, LocalAddr: parts[2]}
	return d, d.Validate()
}
