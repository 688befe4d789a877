// Package metrics exposes the hub's Prometheus instrumentation plus
// process CPU/memory gauges sampled with gopsutil.
package metrics

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

var (
	ConnectionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_connections_current",
		Help: "Number of live WebSocket connections",
	})
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_connections_total",
		Help: "Total connections accepted since start",
	})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_connections_rejected_total",
		Help: "Connections rejected at admission, by reason",
	}, []string{"reason"})
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_messages_received_total",
		Help: "Inbound envelopes read from clients",
	})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_messages_sent_total",
		Help: "Outbound envelopes written to clients",
	})
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_broadcasts_total",
		Help: "Topic publishes, by topic",
	}, []string{"topic"})
	BroadcastDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_broadcast_drops_total",
		Help: "Per-subscriber delivery drops, by topic",
	}, []string{"topic"})
	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rate_limited_messages_total",
		Help: "Inbound messages dropped by the per-connection limiter",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_auth_failures_total",
		Help: "Credential validation failures, by reason",
	}, []string{"reason"})
	SlowClientDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_slow_client_disconnects_total",
		Help: "Connections closed for persistently full send buffers",
	})
	UpstreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hub_upstream_events_total",
		Help: "Events forwarded from the upstream bridge, by feed",
	}, []string{"feed"})
	ProcessCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_process_cpu_percent",
		Help: "Process CPU usage percent",
	})
	ProcessMemoryMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_process_memory_mb",
		Help: "Process resident memory in MB",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartSystemCollector samples process CPU and memory on a ticker until
// ctx is canceled.
func StartSystemCollector(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("system metrics collector disabled")
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cpuPct, err := proc.CPUPercent(); err == nil {
					ProcessCPUPercent.Set(cpuPct)
				}
				if mem, err := proc.MemoryInfo(); err == nil {
					ProcessMemoryMB.Set(float64(mem.RSS) / (1024 * 1024))
				}
			}
		}
	}()
}
