package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients         = promauto.NewGauge(prometheus.GaugeOpts{Name: "revtun_active_clients", Help: "Current authenticated control sessions"})
	TunnelServers         = promauto.NewGauge(prometheus.GaugeOpts{Name: "revtun_tunnel_servers", Help: "Tunnel listeners currently running"})
	PendingProxies        = promauto.NewGauge(prometheus.GaugeOpts{Name: "revtun_pending_proxy_connections", Help: "Public connections waiting for a tunnel connection"})
	ProxyPairedTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "revtun_proxy_paired_total", Help: "Public connections paired with a tunnel connection"})
	ProxyTimeoutTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "revtun_proxy_timeout_total", Help: "Public connections closed by the wait sweep"})
	ProxyRejectedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "revtun_proxy_rejected_total", Help: "Public connections refused by the accept limiter"})
	EventsDroppedTotal    = promauto.NewCounter(prometheus.CounterOpts{Name: "revtun_events_dropped_total", Help: "Bus events dropped because the sink was saturated"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "revtun_errors_total", Help: "Errors by type"}, []string{"type"})
	SpliceDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "revtun_splice_duration_seconds", Help: "Paired connection lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
)
