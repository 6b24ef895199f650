// Package guard implements the admission-control gate applied at
// accept() time and the broadcast rate limiter applied in the fan-out
// path, grounded in ResourceGuard but stripped down to
// RingSocket's fixed worker/app thread model (no goroutine limiter --
// there is no per-connection goroutine to bound).
package guard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/wbudd/ringsocket-go/internal/metrics"
)

// Config mirrors the resource-related fields of internal/config.Config
// that the guard needs, kept separate so this package doesn't import
// config and create a cycle.
type Config struct {
	MaxConnections     int
	CPURejectThreshold float64
	MaxBroadcastRate   int
}

// Guard enforces a hard connection cap and a CPU emergency brake on
// new connections, and rate-limits outbound broadcasts.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	currentConns     int64
	currentCPU       atomic.Value // float64
	broadcastLimiter *rate.Limiter
}

// New creates a Guard. Call StartMonitoring to begin periodic CPU
// sampling; until the first sample lands, CPU rejection never fires.
func New(cfg Config, logger zerolog.Logger) *Guard {
	g := &Guard{
		cfg:    cfg,
		logger: logger,
		broadcastLimiter: rate.NewLimiter(
			rate.Limit(cfg.MaxBroadcastRate), cfg.MaxBroadcastRate*2,
		),
	}
	g.currentCPU.Store(0.0)
	return g
}

// ShouldAcceptConnection reports whether a new peer may be accepted.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(&g.currentConns)
	if conns >= int64(g.cfg.MaxConnections) {
		metrics.ConnectionsRejected.WithLabelValues("max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", g.cfg.MaxConnections)
	}
	cpuPct := g.currentCPU.Load().(float64)
	if cpuPct > g.cfg.CPURejectThreshold {
		metrics.ConnectionsRejected.WithLabelValues("cpu_threshold").Inc()
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPct, g.cfg.CPURejectThreshold)
	}
	return true, ""
}

// ConnectionOpened/ConnectionClosed keep the live connection count
// accurate; callers invoke these from the worker's accept/close paths.
func (g *Guard) ConnectionOpened() {
	atomic.AddInt64(&g.currentConns, 1)
	metrics.ConnectionsActive.Inc()
	metrics.ConnectionsTotal.Inc()
}

func (g *Guard) ConnectionClosed() {
	atomic.AddInt64(&g.currentConns, -1)
	metrics.ConnectionsActive.Dec()
}

// ActiveConnections reports the current live connection count, used
// by a graceful shutdown's drain-progress poll.
func (g *Guard) ActiveConnections() int64 { return atomic.LoadInt64(&g.currentConns) }

// AllowBroadcast reports whether a fan-out send may proceed right now.
func (g *Guard) AllowBroadcast() bool {
	return g.broadcastLimiter.Allow()
}

// StartMonitoring periodically samples system-wide CPU usage until ctx is
// done, grounded in resourceGuard.StartMonitoring ticker
// loop (adapted here to gopsutil's cpu.Percent instead of a
// cgroup-aware custom monitor, since RingSocket-Go doesn't carry the
// container-cgroup package).
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				pcts, err := cpu.PercentWithContext(ctx, 0, false)
				if err != nil || len(pcts) == 0 {
					continue
				}
				g.currentCPU.Store(pcts[0])
				g.logger.Debug().Float64("cpu_percent", pcts[0]).Msg("resource guard sample")
			case <-ctx.Done():
				return
			}
		}
	}()
}
